package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
)

// Table is a typed view of one table. Values are converted to and from records
// through their JSON encoding, so T's json tags define the field names.
type Table[T any] struct {
	d    *Deposit
	name string
}

// Typed returns the typed view of table
func Typed[T any](d *Deposit, table string) *Table[T] {
	return &Table[T]{d: d, name: table}
}

// Encode converts v into a record
func (t *Table[T]) Encode(v T) (schema.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var rec schema.Record
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		return nil, fmt.Errorf("%T does not encode to a JSON object", v)
	}
	return rec, nil
}

// Decode converts a record into T. Fields T does not declare are ignored.
func (t *Table[T]) Decode(rec schema.Record) (T, error) {
	var v T
	data, err := json.Marshal(rec)
	if err != nil {
		return v, fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode into %T: %w", v, err)
	}
	return v, nil
}

// Get returns the value stored under key, false if there is none
func (t *Table[T]) Get(ctx context.Context, key any) (T, bool, error) {
	var zero T
	rec := t.d.Get(ctx, t.name, key, nil)
	if rec == nil {
		return zero, false, nil
	}
	v, err := t.Decode(rec)
	return v, err == nil, err
}

// Put stores v
func (t *Table[T]) Put(ctx context.Context, v T, ttl time.Duration) error {
	rec, err := t.Encode(v)
	if err != nil {
		return err
	}
	t.d.Put(ctx, t.name, rec, ttl)
	return nil
}

// BulkPut stores every value. Nothing is written if one of them can not be encoded.
func (t *Table[T]) BulkPut(ctx context.Context, vs []T, ttl time.Duration) error {
	recs := make([]schema.Record, len(vs))
	for i, v := range vs {
		rec, err := t.Encode(v)
		if err != nil {
			return err
		}
		recs[i] = rec
	}
	t.d.BulkPut(ctx, t.name, recs, ttl)
	return nil
}

// All returns every value of the table
func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	recs := t.d.GetAll(ctx, t.name)
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := t.Decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
