package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/deposit/lib/arrays"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
)

// Predicate decides whether a record stays in the result
type Predicate func(rec schema.Record) bool

// ValuePredicate decides on a single field value. Missing fields are passed as nil.
type ValuePredicate func(v any) bool

// Direction of OrderBy
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ParseDirection accepts "asc"/"desc" in any case, the empty string means Asc
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "ascending":
		return Asc, nil
	case "desc", "descending":
		return Desc, nil
	default:
		return "", fmt.Errorf("invalid sort direction %q", s)
	}
}

// ModifyHint names the field a Modify changes. Only memo entries mentioning the field
// are dropped when a hint is given.
type ModifyHint struct {
	Field string
	Value any
}

// GroupKeyField and GroupRecordsField are the fields of a row produced by GroupBy
const (
	GroupKeyField     = "key"
	GroupRecordsField = "records"
)

// --------------------------------------------------------------------------
// Filters
// --------------------------------------------------------------------------

// filter keeps the rows matching pred, preserving their order
func filter(pred Predicate) transform {
	return func(rows []schema.Record) ([]schema.Record, error) {
		out := rows[:0:0]
		for _, r := range rows {
			if pred(r) {
				out = append(out, r)
			}
		}
		return out, nil
	}
}

// Where keeps records whose field value satisfies pred
func (b *Builder) Where(field string, pred ValuePredicate) *Builder {
	return b.add(operation{
		name: "where",
		sig:  signature("where", field, pred),
		fn:   filter(func(r schema.Record) bool { return pred(r[field]) }),
	})
}

// Equals keeps records whose field equals value. Numbers compare by value.
func (b *Builder) Equals(field string, value any) *Builder {
	return b.add(operation{
		name: "equals",
		sig:  signature("equals", field, value),
		fn:   filter(equalsPredicate(field, value)),
	})
}

func equalsPredicate(field string, value any) Predicate {
	return func(r schema.Record) bool { return schema.Equal(r[field], value) }
}

// Between keeps records whose numeric field lies in [lower, upper].
// Records with a non-numeric value are excluded.
func (b *Builder) Between(field string, lower, upper any) *Builder {
	return b.add(operation{
		name: "between",
		sig:  signature("between", field, lower, upper),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			pred, err := betweenPredicate(field, lower, upper)
			if err != nil {
				return nil, err
			}
			return filter(pred)(rows)
		},
	})
}

func betweenPredicate(field string, lower, upper any) (Predicate, error) {
	lo, okLo := bound(lower)
	hi, okHi := bound(upper)
	if !okLo || !okHi {
		return nil, fmt.Errorf("between %s: bounds must be numeric, got %v and %v", field, lower, upper)
	}
	return func(r schema.Record) bool {
		n, ok := schema.ToNumber(r[field])
		return ok && n >= lo && n <= hi
	}, nil
}

// bound accepts numbers and numeric strings
func bound(v any) (float64, bool) {
	if n, ok := schema.ToNumber(v); ok {
		return n, true
	}
	if str, ok := v.(string); ok {
		n, err := cast.ToFloat64E(strings.TrimSpace(str))
		return n, err == nil
	}
	return 0, false
}

// StartsWith keeps records whose string field begins with prefix
func (b *Builder) StartsWith(field, prefix string, ignoreCase bool) *Builder {
	return b.add(operation{
		name: "startsWith",
		sig:  signature("startsWith", field, prefix, ignoreCase),
		fn:   filter(startsWithPredicate(field, prefix, ignoreCase)),
	})
}

func startsWithPredicate(field, prefix string, ignoreCase bool) Predicate {
	if ignoreCase {
		prefix = strings.ToLower(prefix)
	}
	return func(r schema.Record) bool {
		s, ok := r[field].(string)
		if !ok {
			return false
		}
		if ignoreCase {
			s = strings.ToLower(s)
		}
		return strings.HasPrefix(s, prefix)
	}
}

// Filter keeps records matching pred
func (b *Builder) Filter(pred Predicate) *Builder {
	return b.add(operation{name: "filter", sig: signature("filter", pred), fn: filter(pred)})
}

// Not keeps records not matching pred
func (b *Builder) Not(pred Predicate) *Builder {
	return b.add(operation{
		name: "not",
		sig:  signature("not", pred),
		fn:   filter(func(r schema.Record) bool { return !pred(r) }),
	})
}

// And keeps records matching all preds
func (b *Builder) And(preds ...Predicate) *Builder {
	return b.add(operation{name: "and", sig: signature("and", funcArgs(len(preds))...), fn: filter(allOf(preds))})
}

// Or keeps records matching at least one of preds
func (b *Builder) Or(preds ...Predicate) *Builder {
	return b.add(operation{name: "or", sig: signature("or", funcArgs(len(preds))...), fn: filter(anyOf(preds))})
}

func allOf(preds []Predicate) Predicate {
	return func(r schema.Record) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

func anyOf(preds []Predicate) Predicate {
	return func(r schema.Record) bool {
		for _, p := range preds {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// funcArgs returns n placeholders so the signature still records the arity
func funcArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = Predicate(nil)
	}
	return args
}

// --------------------------------------------------------------------------
// Ordering and slicing
// --------------------------------------------------------------------------

// OrderBy sorts stably by field. Chained OrderBy calls re-sort, so the last call is
// the primary key and earlier ones break ties.
func (b *Builder) OrderBy(field string, dir Direction) *Builder {
	return b.add(operation{
		name: "orderBy",
		sig:  signature("orderBy", field, dir),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			return arrays.SortBy(rows, arrays.SortKey{Field: field, Desc: dir == Desc}), nil
		},
	})
}

// sliceIndex clamps i into [0, n], negative values count from the end
func sliceIndex(i, n int) int {
	if i < 0 {
		i += n
		if i < 0 {
			return 0
		}
	}
	if i > n {
		return n
	}
	return i
}

// Limit keeps the first n records. A negative n drops the last -n records.
func (b *Builder) Limit(n int) *Builder {
	return b.add(operation{
		name: "limit",
		sig:  signature("limit", n),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			return rows[:sliceIndex(n, len(rows))], nil
		},
	})
}

// Offset skips the first n records. A negative n keeps the last -n records.
func (b *Builder) Offset(n int) *Builder {
	return b.add(operation{
		name: "offset",
		sig:  signature("offset", n),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			return rows[sliceIndex(n, len(rows)):], nil
		},
	})
}

// Page keeps the records of the 1-indexed page. Pages beyond the data,
// page < 1 and size < 1 yield an empty result.
func (b *Builder) Page(page, size int) *Builder {
	return b.add(operation{
		name: "page",
		sig:  signature("page", page, size),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			if page < 1 || size < 1 {
				return []schema.Record{}, nil
			}
			start := min((page-1)*size, len(rows))
			end := min(start+size, len(rows))
			return rows[start:end], nil
		},
	})
}

// Reverse reverses the current order
func (b *Builder) Reverse() *Builder {
	return b.add(operation{
		name: "reverse",
		sig:  signature("reverse"),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			out := slices.Clone(rows)
			slices.Reverse(out)
			return out, nil
		},
	})
}

// --------------------------------------------------------------------------
// Shape changing operations
// --------------------------------------------------------------------------

// GroupBy replaces the rows by one row per distinct field value:
// {"key": value, "records": [...]}, in order of first occurrence.
func (b *Builder) GroupBy(field string) *Builder {
	return b.add(operation{
		name: "groupBy",
		sig:  signature("groupBy", field),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			groups := arrays.GroupBy(rows, field)
			out := make([]schema.Record, len(groups))
			for i, g := range groups {
				out[i] = schema.Record{GroupKeyField: g.Key, GroupRecordsField: g.Records}
			}
			return out, nil
		},
	})
}

// Search keeps records whose string fields fuzzy match query, best matches first.
// With tone == false diacritics are ignored on both sides.
func (b *Builder) Search(query string, tone bool) *Builder {
	return b.add(operation{
		name: "search",
		sig:  signature("search", query, tone),
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			return arrays.Search(rows, query, tone), nil
		},
	})
}

// Modify applies fn to a copy of every record in the current result. Nothing is
// written back to storage. A pipeline containing Modify is executed on every call.
//
// Modify invalidates cached results: only the ones mentioning hint.Field when a
// hint is given, all of them otherwise.
func (b *Builder) Modify(fn func(rec schema.Record), hint ...ModifyHint) *Builder {
	args := []any{fn}
	for _, h := range hint {
		args = append(args, h.Field, h.Value)
	}

	b.add(operation{
		name:     "modify",
		sig:      signature("modify", args...),
		mutating: true,
		fn: func(rows []schema.Record) ([]schema.Record, error) {
			out := make([]schema.Record, len(rows))
			for i, r := range rows {
				c := schema.Clone(r)
				fn(c)
				out[i] = c
			}
			return out, nil
		},
	})

	b.version.Add(1)
	if len(hint) == 0 {
		b.memo.Clear()
		return b
	}
	for _, h := range hint {
		quoted, err := json.Marshal(h.Field)
		if err != nil {
			continue
		}
		b.invalidate(func(sig string) bool { return strings.Contains(sig, string(quoted)) })
	}
	return b
}
