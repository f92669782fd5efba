package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// Record is a single JSON-shaped row of a table.
// Numbers read back from storage are float64 (JSON semantics).
type Record = map[string]any

// Clone returns a shallow copy of the record.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Table describes the physical layout of one table.
type Table struct {
	KeyField    string   `json:"key_field" mapstructure:"key_field"`       // Field holding the primary key
	IndexFields []string `json:"index_fields" mapstructure:"index_fields"` // Secondary index fields (optional)
	RecordType  string   `json:"record_type" mapstructure:"record_type"`   // Informational name of the record shape
}

// Schema maps table names to their layout. It is fixed at construction.
type Schema map[string]Table

// Tables returns the table names in sorted order.
func (s Schema) Tables() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the table layout or an error if the table is not declared.
func (s Schema) Lookup(table string) (Table, error) {
	t, ok := s[table]
	if !ok {
		return Table{}, fmt.Errorf("unknown table %q", table)
	}
	return t, nil
}

// Validate checks that every table has a name without ':' and a key field and no duplicate index fields.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no tables")
	}
	for name, t := range s {
		if name == "" {
			return fmt.Errorf("schema contains a table with an empty name")
		}
		if strings.Contains(name, ":") {
			// ':' separates the parts of a physical key
			return fmt.Errorf("table name %q must not contain ':'", name)
		}
		if t.KeyField == "" {
			return fmt.Errorf("table %q has no key field", name)
		}
		seen := make(map[string]struct{}, len(t.IndexFields))
		for _, f := range t.IndexFields {
			if f == "" {
				return fmt.Errorf("table %q has an empty index field", name)
			}
			if _, dup := seen[f]; dup {
				return fmt.Errorf("table %q declares index field %q twice", name, f)
			}
			seen[f] = struct{}{}
		}
	}
	return nil
}

// KeyOf returns the normalized primary key of a record.
func (t Table) KeyOf(r Record) (any, error) {
	v, ok := r[t.KeyField]
	if !ok || v == nil {
		return nil, fmt.Errorf("record has no value for key field %q", t.KeyField)
	}
	return NormalizeKey(v)
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

// NormalizeKey maps a key onto its canonical Go type:
// integral numbers become int64, other numbers float64 and strings stay strings.
func NormalizeKey(key any) (any, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case int:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint:
		return int64(k), nil
	case uint8:
		return int64(k), nil
	case uint16:
		return int64(k), nil
	case uint32:
		return int64(k), nil
	case uint64:
		if k > math.MaxInt64 {
			return float64(k), nil
		}
		return int64(k), nil
	case float32:
		return normalizeFloat(float64(k))
	case float64:
		return normalizeFloat(k)
	case nil:
		return nil, fmt.Errorf("key is nil")
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("key %v is not a valid number", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// FormatKey renders a key as text, e.g. for physical key names.
func FormatKey(key any) (string, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return "", err
	}
	switch k := k.(type) {
	case int64:
		return strconv.FormatInt(k, 10), nil
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), nil
	default:
		return k.(string), nil
	}
}
