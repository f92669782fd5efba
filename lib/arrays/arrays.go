package arrays

import (
	"slices"
	"strconv"
	"unicode"

	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
	"github.com/sahilm/fuzzy"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// --------------------------------------------------------------------------
// Sorting
// --------------------------------------------------------------------------

// SortKey is one level of a multi-key sort
type SortKey struct {
	Field string
	Desc  bool
}

// SortBy returns a stably sorted copy of rows. Earlier keys take precedence,
// later keys only break ties. Values are ordered by schema.Compare.
func SortBy(rows []schema.Record, keys ...SortKey) []schema.Record {
	out := slices.Clone(rows)
	if len(keys) == 0 {
		return out
	}
	slices.SortStableFunc(out, func(a, b schema.Record) int {
		for _, k := range keys {
			c := schema.Compare(a[k.Field], b[k.Field])
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	return out
}

// --------------------------------------------------------------------------
// Grouping
// --------------------------------------------------------------------------

// Group holds the rows sharing one value of the grouping field
type Group struct {
	Key     any
	Records []schema.Record
}

// groupKey maps a field value onto a comparable key. Numbers of different Go
// types with the same value land in the same group.
func groupKey(v any) string {
	if n, ok := schema.ToNumber(v); ok {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	}
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "?:" + err.Error()
	}
	return "j:" + string(data)
}

// GroupBy groups rows by the value of field. Groups appear in the order their key
// is first seen and keep the relative order of their rows. Rows without the field
// are grouped under nil.
func GroupBy(rows []schema.Record, field string) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, row := range rows {
		v := row[field]
		k := groupKey(v)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Key: v})
		}
		groups[i].Records = append(groups[i].Records, row)
	}
	return groups
}

// --------------------------------------------------------------------------
// Selectors
// --------------------------------------------------------------------------

// MinBy returns the first row with the smallest selected value
func MinBy(rows []schema.Record, selector func(schema.Record) any) (schema.Record, bool) {
	return extremeBy(rows, selector, -1)
}

// MaxBy returns the first row with the largest selected value
func MaxBy(rows []schema.Record, selector func(schema.Record) any) (schema.Record, bool) {
	return extremeBy(rows, selector, 1)
}

func extremeBy(rows []schema.Record, selector func(schema.Record) any, sign int) (schema.Record, bool) {
	if len(rows) == 0 {
		return nil, false
	}
	best, bestVal := rows[0], selector(rows[0])
	for _, row := range rows[1:] {
		v := selector(row)
		if schema.Compare(v, bestVal)*sign > 0 {
			best, bestVal = row, v
		}
	}
	return best, true
}

// --------------------------------------------------------------------------
// Search
// --------------------------------------------------------------------------

// FoldDiacritics removes combining marks, e.g. "Crème Brûlée" becomes "Creme Brulee".
func FoldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// recordSource exposes the searchable text of each row to the fuzzy matcher
type recordSource struct {
	texts []string
}

func (s recordSource) String(i int) string { return s.texts[i] }
func (s recordSource) Len() int            { return len(s.texts) }

// searchText joins the string fields of a row in field name order
func searchText(row schema.Record, fold bool) string {
	fields := make([]string, 0, len(row))
	for f, v := range row {
		if _, ok := v.(string); ok {
			fields = append(fields, f)
		}
	}
	slices.Sort(fields)

	var text []byte
	for i, f := range fields {
		if i > 0 {
			text = append(text, ' ')
		}
		text = append(text, row[f].(string)...)
	}
	if fold {
		return FoldDiacritics(string(text))
	}
	return string(text)
}

// Search returns the rows whose string fields fuzzy-match query, in their original order.
// Matching ignores case. With tone == false diacritics are folded on both sides first,
// so "creme" finds "Crème"; with tone == true they have to match exactly.
// An empty query matches every row.
func Search(rows []schema.Record, query string, tone bool) []schema.Record {
	if query == "" {
		return slices.Clone(rows)
	}
	fold := !tone
	if fold {
		query = FoldDiacritics(query)
	}

	src := recordSource{texts: make([]string, len(rows))}
	for i, row := range rows {
		src.texts[i] = searchText(row, fold)
	}

	matches := fuzzy.FindFromNoSort(query, src)
	out := make([]schema.Record, 0, len(matches))
	for _, m := range matches {
		out = append(out, rows[m.Index])
	}
	return out
}
