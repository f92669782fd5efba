package query

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ValentinKolb/deposit/lib/arrays"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
)

// --------------------------------------------------------------------------
// Aggregations (all run ToArray and reduce its result)
// --------------------------------------------------------------------------

// Count returns the number of result rows
func (b *Builder) Count(ctx context.Context) (int, error) {
	rows, err := b.ToArray(ctx)
	return len(rows), err
}

// First returns the first result row, false if the result is empty
func (b *Builder) First(ctx context.Context) (schema.Record, bool, error) {
	rows, err := b.ToArray(ctx)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

// Last returns the last result row, false if the result is empty
func (b *Builder) Last(ctx context.Context) (schema.Record, bool, error) {
	rows, err := b.ToArray(ctx)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[len(rows)-1], true, nil
}

// Sum adds up field over the result. Non-numeric values count as 0, numeric strings are parsed.
func (b *Builder) Sum(ctx context.Context, field string) (float64, error) {
	rows, err := b.ToArray(ctx)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, r := range rows {
		sum += schema.Coerce(r[field])
	}
	return sum, nil
}

// Average returns the mean of field over the result, 0 for an empty result
func (b *Builder) Average(ctx context.Context, field string) (float64, error) {
	rows, err := b.ToArray(ctx)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	var sum float64
	for _, r := range rows {
		sum += schema.Coerce(r[field])
	}
	return sum / float64(len(rows)), nil
}

// Min returns the record holding the smallest field value. Records without the field are ignored.
func (b *Builder) Min(ctx context.Context, field string) (schema.Record, bool, error) {
	return b.extreme(ctx, field, arrays.MinBy)
}

// Max returns the record holding the largest field value. Records without the field are ignored.
func (b *Builder) Max(ctx context.Context, field string) (schema.Record, bool, error) {
	return b.extreme(ctx, field, arrays.MaxBy)
}

func (b *Builder) extreme(ctx context.Context, field string,
	by func([]schema.Record, func(schema.Record) any) (schema.Record, bool)) (schema.Record, bool, error) {
	rows, err := b.ToArray(ctx)
	if err != nil {
		return nil, false, err
	}
	withField := rows[:0:0]
	for _, r := range rows {
		if r[field] != nil {
			withField = append(withField, r)
		}
	}
	rec, ok := by(withField, func(r schema.Record) any { return r[field] })
	return rec, ok, nil
}

// Groups runs a pipeline ending in GroupBy and returns the groups keyed by the
// string form of the group value (JSON for values that are neither string nor number).
func (b *Builder) Groups(ctx context.Context) (map[string][]schema.Record, error) {
	b.mu.Lock()
	grouped := len(b.ops) > 0 && b.ops[len(b.ops)-1].name == "groupBy"
	b.mu.Unlock()
	if !grouped {
		return nil, fmt.Errorf("query on %s: Groups requires a pipeline ending in GroupBy", b.table)
	}

	rows, err := b.ToArray(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]schema.Record, len(rows))
	for _, r := range rows {
		recs, _ := r[GroupRecordsField].([]schema.Record)
		out[GroupKeyString(r[GroupKeyField])] = recs
	}
	return out, nil
}

// GroupKeyString returns the map key Groups uses for a group value
func GroupKeyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := schema.ToNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
