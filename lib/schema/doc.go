// Package schema defines the data model shared by every Deposit component:
// the Record type, the per-table layout (Schema/Table) and helpers for keys and
// field values.
//
// Records are plain JSON-shaped maps. Tables are identified by name and declare
// the field that holds the primary key plus optional secondary index fields.
//
// Keys:
//
//	Keys are normalized before they reach a backend. Integral numbers become
//	int64, all other numbers float64 and strings stay strings. This makes the
//	key 1 (int), 1.0 (float64, as decoded from JSON) and int64(1) the same key.
//
// Values:
//
//	Equal and Compare are used by the query builder. Numbers compare by value
//	regardless of their Go type; values of different kinds are ordered
//	nil < bool < number < string < anything else.
package schema
