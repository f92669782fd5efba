package testing

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
)

// AdapterFactory creates a fresh, connected adapter for the given schema and clock.
// Implementations register cleanup (Close, temp dirs) on t themselves.
type AdapterFactory func(t testing.TB, s schema.Schema, clock expiry.Clock) adapter.Adapter

// TestSchema is the schema every conformance test runs against
var TestSchema = schema.Schema{
	"users":  {KeyField: "id", IndexFields: []string{"name"}, RecordType: "User"},
	"orders": {KeyField: "orderId", RecordType: "Order"},
}

// FakeClock is a manually advanced expiry.Clock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock standing at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// JSONShape round-trips v through JSON so it can be compared with records read from storage.
func JSONShape(t testing.TB, v any) schema.Record {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	var out schema.Record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

// RunAdapterTests runs the adapter conformance suite.
func RunAdapterTests(t *testing.T, name string, factory AdapterFactory) {
	t.Run(name, func(t *testing.T) {
		tests := []struct {
			name string
			run  func(t *testing.T, a adapter.Adapter, clock *FakeClock)
		}{
			{"GetMissingReturnsDefault", testGetMissingReturnsDefault},
			{"PutGetRoundTrip", testPutGetRoundTrip},
			{"PutOverwrites", testPutOverwrites},
			{"TTLExpiry", testTTLExpiry},
			{"ExpiresAtIsVisible", testExpiresAtIsVisible},
			{"NegativeTTL", testNegativeTTL},
			{"BulkPutCount", testBulkPutCount},
			{"BulkGet", testBulkGet},
			{"Delete", testDelete},
			{"Clear", testClear},
			{"MissingKeyFieldIsNoop", testMissingKeyFieldIsNoop},
			{"UnknownTable", testUnknownTable},
			{"NumericKeys", testNumericKeys},
			{"ConcurrentPuts", testConcurrentPuts},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				clock := NewFakeClock(time.UnixMilli(1_700_000_000_000))
				a := factory(t, TestSchema, clock.Now)
				tc.run(t, a, clock)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testGetMissingReturnsDefault(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()
	def := schema.Record{"default": true}

	if got := a.Get(ctx, "users", 42, def); !reflect.DeepEqual(got, def) {
		t.Errorf("expected default, got %v", got)
	}
	if got := a.Get(ctx, "users", "nobody", nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func testPutGetRoundTrip(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()
	rec := schema.Record{"id": 1, "name": "Ann", "tags": []any{"a", "b"}, "address": map[string]any{"city": "Ulm"}}

	a.Put(ctx, "users", rec, 0)

	got := a.Get(ctx, "users", 1, nil)
	if !reflect.DeepEqual(got, JSONShape(t, rec)) {
		t.Errorf("round trip mismatch: got %v", got)
	}
	if _, ok := got[expiry.ExpiresAtField]; ok {
		t.Errorf("record without ttl must not carry %s", expiry.ExpiresAtField)
	}
	if _, ok := rec[expiry.ExpiresAtField]; ok {
		t.Errorf("Put must not modify the caller's record")
	}
}

func testPutOverwrites(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"id": 1, "name": "Ann"}, 0)
	a.Put(ctx, "users", schema.Record{"id": 1, "name": "Anna"}, 0)

	if n := a.Count(ctx, "users"); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
	if got := a.Get(ctx, "users", 1, nil); got["name"] != "Anna" {
		t.Errorf("expected overwritten name, got %v", got)
	}
}

func testTTLExpiry(t *testing.T, a adapter.Adapter, clock *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"id": 1, "name": "Ann"}, time.Second)
	a.Put(ctx, "users", schema.Record{"id": 2, "name": "Bob"}, 0)

	if got := a.Get(ctx, "users", 1, nil); got == nil {
		t.Fatalf("record should be visible before its ttl elapsed")
	}

	clock.Advance(2 * time.Second)

	def := schema.Record{"missing": true}
	if got := a.Get(ctx, "users", 1, def); !reflect.DeepEqual(got, def) {
		t.Errorf("expired record should yield the default, got %v", got)
	}
	all := a.GetAll(ctx, "users")
	if len(all) != 1 || all[0]["name"] != "Bob" {
		t.Errorf("expired record should not be listed, got %v", all)
	}
	if n := a.Count(ctx, "users"); n != 1 {
		t.Errorf("expired record should not be counted, got %d", n)
	}
}

func testExpiresAtIsVisible(t *testing.T, a adapter.Adapter, clock *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"id": 1}, time.Hour)

	got := a.Get(ctx, "users", 1, nil)
	want := float64(clock.Now().Add(time.Hour).UnixMilli())
	if got[expiry.ExpiresAtField] != want {
		t.Errorf("expected %s=%v on the returned record, got %v", expiry.ExpiresAtField, want, got)
	}
}

func testNegativeTTL(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"id": 1}, -time.Millisecond)

	if got := a.Get(ctx, "users", 1, nil); got != nil {
		t.Errorf("record with negative ttl should be expired, got %v", got)
	}
}

func testBulkPutCount(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	recs := make([]schema.Record, 0, 12)
	for i := 0; i < 10; i++ {
		recs = append(recs, schema.Record{"id": i, "name": fmt.Sprintf("user-%d", i)})
	}
	// repeated keys overwrite
	recs = append(recs, schema.Record{"id": 3, "name": "again"}, schema.Record{"id": 7, "name": "again"})

	a.BulkPut(ctx, "users", recs, 0)

	if n := a.Count(ctx, "users"); n != 10 {
		t.Errorf("expected 10 unique records, got %d", n)
	}
	if got := a.Get(ctx, "users", 7, nil); got["name"] != "again" {
		t.Errorf("later record should win, got %v", got)
	}
}

func testBulkGet(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.BulkPut(ctx, "users", []schema.Record{
		{"id": "a", "n": 1},
		{"id": "b", "n": 2},
		{"id": "c", "n": 3},
	}, 0)

	got := a.BulkGet(ctx, "users", []any{"c", "missing", "a"})
	if len(got) != 2 || got[0]["id"] != "c" || got[1]["id"] != "a" {
		t.Errorf("expected [c a] in key order, got %v", got)
	}

	if got := a.BulkGet(ctx, "users", nil); len(got) != 0 {
		t.Errorf("expected empty result for no keys, got %v", got)
	}
}

func testDelete(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.BulkPut(ctx, "users", []schema.Record{{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}}, 0)

	a.Delete(ctx, "users", 1)
	a.Delete(ctx, "users", 99) // missing keys are ignored
	a.BulkDelete(ctx, "users", []any{2, 3})

	all := a.GetAll(ctx, "users")
	if len(all) != 1 || all[0]["id"] != 4.0 {
		t.Errorf("expected only record 4, got %v", all)
	}
}

func testClear(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.BulkPut(ctx, "users", []schema.Record{{"id": 1}, {"id": 2}}, 0)
	a.Put(ctx, "orders", schema.Record{"orderId": "o-1"}, 0)

	a.Clear(ctx, "users")

	if n := a.Count(ctx, "users"); n != 0 {
		t.Errorf("expected empty table after Clear, got %d", n)
	}
	if n := a.Count(ctx, "orders"); n != 1 {
		t.Errorf("Clear must not touch other tables, got %d orders", n)
	}
	if all := a.GetAll(ctx, "users"); all == nil || len(all) != 0 {
		t.Errorf("GetAll on an empty table should return an empty slice, got %#v", all)
	}
}

func testMissingKeyFieldIsNoop(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"name": "no id"}, 0)
	a.Put(ctx, "users", schema.Record{"id": nil, "name": "nil id"}, 0)
	a.BulkPut(ctx, "users", []schema.Record{{"id": 1}, {"name": "no id"}}, 0)

	// the failures are swallowed, valid records of the batch are written
	if n := a.Count(ctx, "users"); n != 1 {
		t.Errorf("expected only the valid record, got %d", n)
	}
}

func testUnknownTable(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()
	def := schema.Record{"default": true}

	a.Put(ctx, "ghosts", schema.Record{"id": 1}, 0)
	a.Delete(ctx, "ghosts", 1)
	a.Clear(ctx, "ghosts")

	if got := a.Get(ctx, "ghosts", 1, def); !reflect.DeepEqual(got, def) {
		t.Errorf("unknown table should yield the default, got %v", got)
	}
	if all := a.GetAll(ctx, "ghosts"); len(all) != 0 {
		t.Errorf("unknown table should list nothing, got %v", all)
	}
	if n := a.Count(ctx, "ghosts"); n != 0 {
		t.Errorf("unknown table should count 0, got %d", n)
	}
}

func testNumericKeys(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	a.Put(ctx, "users", schema.Record{"id": int64(5), "name": "five"}, 0)

	// integral numbers of any Go type address the same record
	for _, key := range []any{5, int32(5), 5.0, uint8(5)} {
		if got := a.Get(ctx, "users", key, nil); got == nil || got["name"] != "five" {
			t.Errorf("key %T(%v) did not find the record", key, key)
		}
	}

	a.Put(ctx, "users", schema.Record{"id": 1.5, "name": "one and a half"}, 0)
	if got := a.Get(ctx, "users", 1.5, nil); got == nil {
		t.Errorf("fractional keys should be supported")
	}

	// invalid key types are a swallowed failure
	if got := a.Get(ctx, "users", []int{1}, nil); got != nil {
		t.Errorf("invalid key should yield the default, got %v", got)
	}
}

func testConcurrentPuts(t *testing.T, a adapter.Adapter, _ *FakeClock) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("w%d-%d", worker, i)
				a.Put(ctx, "users", schema.Record{"id": id}, 0)
				a.Get(ctx, "users", id, nil)
			}
		}(w)
	}
	wg.Wait()

	if n := a.Count(ctx, "users"); n != 100 {
		t.Errorf("expected 100 records, got %d", n)
	}
}
