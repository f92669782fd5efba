// Package testing provides the conformance suite every adapter.Adapter implementation
// runs in its own tests, plus small helpers (FakeClock, JSONShape) for backend specific tests.
//
// Example usage:
//
//	adaptertesting.RunAdapterTests(t, "KV", func(t testing.TB, s schema.Schema, clock expiry.Clock) adapter.Adapter {
//		a := kvadapter.New(kvadapter.Options{DBName: "test", Version: 1, Schema: s, Clock: clock})
//		t.Cleanup(func() { a.Close() })
//		return a
//	})
//
// The suite checks for silent no-ops as well as results: adapters swallow failures,
// so a broken Put shows up as a missing record, not as an error.
package testing
