// Package query implements the lazy query pipeline over a single table.
//
// A Builder only records operations. ToArray fetches the whole table once through a
// Source, folds the operations over a copy of it and returns the result:
//
//	adults, err := query.New(src, "users").
//		Between("age", 18, 150).
//		OrderBy("name", query.Asc).
//		Limit(10).
//		ToArray(ctx)
//
// Results of read-only pipelines are memoized per builder. The memo key is the hash of
// the serialized pipeline plus a data version that Modify bumps, so repeated calls are
// served from memory and concurrent identical calls share one fetch. Appending an
// operation drops the entries computed for the previous pipeline, Reset drops all of them.
//
// Writes made through the adapter are not observed by an existing builder's memo.
// Create a new builder (Deposit.Query does) or call Reset to see fresh data.
//
// Build translates a list of Condition values into the same chain, which is what the
// CLI uses; the "expr" condition compiles a boolean expr-lang expression.
package query
