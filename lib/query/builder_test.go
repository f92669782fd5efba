package query

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/deposit/lib/schema"
)

// fakeSource serves fixed rows per table and counts fetches.
// If gate is set every fetch blocks until it is closed.
type fakeSource struct {
	rows    map[string][]schema.Record
	gate    chan struct{}
	fetches atomic.Int64
}

func (s *fakeSource) GetAll(_ context.Context, table string) []schema.Record {
	s.fetches.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	out := make([]schema.Record, len(s.rows[table]))
	for i, r := range s.rows[table] {
		out[i] = schema.Clone(r)
	}
	return out
}

func users() *fakeSource {
	return &fakeSource{rows: map[string][]schema.Record{
		"users": {
			{"id": 1.0, "name": "Ann", "age": 34.0, "team": "a"},
			{"id": 2.0, "name": "bob", "age": 17.0, "team": "b"},
			{"id": 3.0, "name": "Cid", "age": 52.0, "team": "a"},
			{"id": 4.0, "name": "Dee", "age": 17.0},
			{"id": 5.0, "name": "Eve", "age": "n/a", "team": "b"},
		},
		"empty": {},
	}}
}

func ids(rows []schema.Record) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r["id"]
	}
	return out
}

func mustArray(t *testing.T, b *Builder) []schema.Record {
	t.Helper()
	rows, err := b.ToArray(context.Background())
	if err != nil {
		t.Fatalf("ToArray failed: %v", err)
	}
	return rows
}

func TestOperations(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder) *Builder
		want  []any
	}{
		{"NoOps", func(b *Builder) *Builder { return b }, []any{1.0, 2.0, 3.0, 4.0, 5.0}},
		{"Equals", func(b *Builder) *Builder { return b.Equals("age", 17) }, []any{2.0, 4.0}},
		{"EqualsString", func(b *Builder) *Builder { return b.Equals("team", "a") }, []any{1.0, 3.0}},
		{"Between", func(b *Builder) *Builder { return b.Between("age", 17, 34) }, []any{1.0, 2.0, 4.0}},
		{"BetweenStringBounds", func(b *Builder) *Builder { return b.Between("age", "30", "60") }, []any{1.0, 3.0}},
		{"StartsWith", func(b *Builder) *Builder { return b.StartsWith("name", "B", false) }, []any{}},
		{"StartsWithIgnoreCase", func(b *Builder) *Builder { return b.StartsWith("name", "B", true) }, []any{2.0}},
		{"Where", func(b *Builder) *Builder {
			return b.Where("team", func(v any) bool { return v == nil })
		}, []any{4.0}},
		{"Filter", func(b *Builder) *Builder {
			return b.Filter(func(r schema.Record) bool { return r["id"].(float64) > 3 })
		}, []any{4.0, 5.0}},
		{"Not", func(b *Builder) *Builder {
			return b.Not(func(r schema.Record) bool { return r["team"] == "a" })
		}, []any{2.0, 4.0, 5.0}},
		{"And", func(b *Builder) *Builder {
			return b.And(
				func(r schema.Record) bool { return r["team"] == "a" },
				func(r schema.Record) bool { return r["age"].(float64) > 40 })
		}, []any{3.0}},
		{"Or", func(b *Builder) *Builder {
			return b.Or(
				func(r schema.Record) bool { return r["id"] == 1.0 },
				func(r schema.Record) bool { return r["id"] == 5.0 })
		}, []any{1.0, 5.0}},
		{"OrderByDesc", func(b *Builder) *Builder { return b.OrderBy("name", Desc) }, []any{2.0, 5.0, 4.0, 3.0, 1.0}},
		{"OrderBySequential", func(b *Builder) *Builder {
			return b.OrderBy("id", Desc).OrderBy("age", Asc)
		}, []any{4.0, 2.0, 1.0, 3.0, 5.0}},
		{"Limit", func(b *Builder) *Builder { return b.Limit(2) }, []any{1.0, 2.0}},
		{"LimitNegative", func(b *Builder) *Builder { return b.Limit(-1) }, []any{1.0, 2.0, 3.0, 4.0}},
		{"LimitBeyond", func(b *Builder) *Builder { return b.Limit(50) }, []any{1.0, 2.0, 3.0, 4.0, 5.0}},
		{"Offset", func(b *Builder) *Builder { return b.Offset(3) }, []any{4.0, 5.0}},
		{"OffsetNegative", func(b *Builder) *Builder { return b.Offset(-2) }, []any{4.0, 5.0}},
		{"OffsetBeyond", func(b *Builder) *Builder { return b.Offset(9) }, []any{}},
		{"Page", func(b *Builder) *Builder { return b.Page(2, 2) }, []any{3.0, 4.0}},
		{"PageLast", func(b *Builder) *Builder { return b.Page(3, 2) }, []any{5.0}},
		{"PageBeyond", func(b *Builder) *Builder { return b.Page(4, 2) }, []any{}},
		{"PageZero", func(b *Builder) *Builder { return b.Page(0, 2) }, []any{}},
		{"Reverse", func(b *Builder) *Builder { return b.Reverse() }, []any{5.0, 4.0, 3.0, 2.0, 1.0}},
		{"Search", func(b *Builder) *Builder { return b.Search("dee", false) }, []any{4.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(mustArray(t, tt.build(New(users(), "users"))))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmptyTable(t *testing.T) {
	b := New(users(), "empty").OrderBy("id", Asc).Page(1, 10)
	rows := mustArray(t, b)
	if rows == nil || len(rows) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", rows)
	}
	if _, ok, err := b.First(context.Background()); ok || err != nil {
		t.Errorf("First on empty result: ok=%v err=%v", ok, err)
	}
	if avg, err := b.Average(context.Background(), "age"); avg != 0 || err != nil {
		t.Errorf("Average on empty result: %v %v", avg, err)
	}
}

func TestPagingReconstructsData(t *testing.T) {
	src := users()
	all := mustArray(t, New(src, "users").OrderBy("name", Asc))

	var paged []schema.Record
	for page := 1; ; page++ {
		rows := mustArray(t, New(src, "users").OrderBy("name", Asc).Page(page, 2))
		if len(rows) == 0 {
			break
		}
		paged = append(paged, rows...)
	}
	if !reflect.DeepEqual(ids(paged), ids(all)) {
		t.Errorf("pages %v do not reconstruct %v", ids(paged), ids(all))
	}
}

func TestAggregations(t *testing.T) {
	ctx := context.Background()
	b := New(users(), "users")

	if n, _ := b.Count(ctx); n != 5 {
		t.Errorf("Count = %d", n)
	}
	if sum, _ := b.Sum(ctx, "age"); sum != 120 {
		t.Errorf("Sum = %v, want 120 (n/a counts as 0)", sum)
	}
	if avg, _ := b.Average(ctx, "age"); avg != 24 {
		t.Errorf("Average = %v, want 24", avg)
	}
	if first, ok, _ := b.First(ctx); !ok || first["id"] != 1.0 {
		t.Errorf("First = %v", first)
	}
	if last, ok, _ := b.Last(ctx); !ok || last["id"] != 5.0 {
		t.Errorf("Last = %v", last)
	}

	b2 := New(users(), "users").Filter(func(r schema.Record) bool { _, ok := r["age"].(float64); return ok })
	if rec, ok, _ := b2.Min(ctx, "age"); !ok || rec["id"] != 2.0 {
		t.Errorf("Min = %v, want the first record aged 17", rec)
	}
	if rec, ok, _ := b2.Max(ctx, "age"); !ok || rec["id"] != 3.0 {
		t.Errorf("Max = %v", rec)
	}
	if _, ok, _ := New(users(), "users").Min(ctx, "missing"); ok {
		t.Error("Min over a missing field should report false")
	}
}

func TestGroupBy(t *testing.T) {
	b := New(users(), "users").GroupBy("team")
	rows := mustArray(t, b)
	keys := make([]any, len(rows))
	for i, r := range rows {
		keys[i] = r[GroupKeyField]
	}
	if !reflect.DeepEqual(keys, []any{"a", "b", nil}) {
		t.Errorf("group keys = %v", keys)
	}

	groups, err := b.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if got := ids(groups["b"]); !reflect.DeepEqual(got, []any{2.0, 5.0}) {
		t.Errorf("group b = %v", got)
	}
	if got := ids(groups["null"]); !reflect.DeepEqual(got, []any{4.0}) {
		t.Errorf("group null = %v", got)
	}

	if _, err := New(users(), "users").Groups(context.Background()); err == nil {
		t.Error("Groups without GroupBy should fail")
	}
}

func TestMemoization(t *testing.T) {
	src := users()
	b := New(src, "users").Equals("team", "a")

	first := mustArray(t, b)
	second := mustArray(t, b)
	if src.fetches.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", src.fetches.Load())
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("memoized result differs: %v vs %v", first, second)
	}

	// returned results are copies
	first[0]["name"] = "changed"
	first = first[:0]
	if third := mustArray(t, b); third[0]["name"] != "Ann" || len(third) != 2 {
		t.Errorf("memo was modified through a returned result: %v", third)
	}

	// appending an operation needs a new fetch
	b.Limit(1)
	mustArray(t, b)
	if src.fetches.Load() != 2 {
		t.Errorf("expected 2 fetches after Limit, got %d", src.fetches.Load())
	}
}

func TestAppendInvalidatesPrefix(t *testing.T) {
	b := New(users(), "users").Equals("team", "a")
	mustArray(t, b)
	prev := b.sig
	b.OrderBy("age", Desc)

	b.memo.Range(func(_ memoKey, f *future) bool {
		if f.sig == prev {
			t.Errorf("entry for %q survived appending an operation", prev)
		}
		return true
	})
}

func TestConcurrentCallsCoalesce(t *testing.T) {
	src := users()
	src.gate = make(chan struct{})
	b := New(src, "users").OrderBy("age", Asc)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]schema.Record, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = b.ToArray(context.Background())
		}(i)
	}

	// let every caller reach the memo before the fetch completes
	deadline := time.Now().Add(2 * time.Second)
	for src.fetches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.fetches.Load(); n != 1 {
		t.Errorf("expected one shared fetch, got %d", n)
	}
	for i := 1; i < callers; i++ {
		if !reflect.DeepEqual(ids(results[i]), ids(results[0])) {
			t.Errorf("caller %d got %v, want %v", i, ids(results[i]), ids(results[0]))
		}
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	src := users()
	src.gate = make(chan struct{})
	defer close(src.gate)
	b := New(src, "users")

	go b.ToArray(context.Background())
	for src.fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ToArray(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestCancelledCallerDoesNotFailOthers(t *testing.T) {
	src := users()
	src.gate = make(chan struct{})
	b := New(src, "users")

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := b.ToArray(ctx)
		first <- err
	}()
	for src.fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	second := make(chan []schema.Record, 1)
	go func() {
		rows, err := b.ToArray(context.Background())
		if err != nil {
			t.Errorf("caller with a live context failed: %v", err)
		}
		second <- rows
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled caller to get context.Canceled, got %v", err)
	}
	close(src.gate)

	if rows := <-second; len(rows) != 5 {
		t.Errorf("expected 5 rows, got %d", len(rows))
	}
	if n := src.fetches.Load(); n != 1 {
		t.Errorf("expected one shared fetch, got %d", n)
	}
}

func TestModify(t *testing.T) {
	src := users()
	b := New(src, "users").Equals("team", "a").Modify(func(r schema.Record) {
		r["name"] = "x-" + r["name"].(string)
	})

	first := mustArray(t, b)
	second := mustArray(t, b)
	if src.fetches.Load() != 2 {
		t.Errorf("a pipeline with Modify must not be cached, got %d fetches", src.fetches.Load())
	}
	if first[0]["name"] != "x-Ann" || second[0]["name"] != "x-Ann" {
		t.Errorf("Modify applied incorrectly: %v %v", first[0], second[0])
	}
	if src.rows["users"][0]["name"] != "Ann" {
		t.Error("Modify wrote through to the source")
	}
}

func TestModifyHintInvalidatesNarrowly(t *testing.T) {
	b := New(users(), "users")
	b.Equals("team", "a")
	mustArray(t, b)
	b.memo.Store(memoKey{hash: 1}, &future{sig: `other["age"];`, done: make(chan struct{})})
	b.memo.Store(memoKey{hash: 2}, &future{sig: `other["team"];`, done: make(chan struct{})})

	b.Modify(func(r schema.Record) { r["team"] = "z" }, ModifyHint{Field: "team", Value: "z"})

	var sigs []string
	b.memo.Range(func(_ memoKey, f *future) bool {
		sigs = append(sigs, f.sig)
		return true
	})
	if !reflect.DeepEqual(sigs, []string{`other["age"];`}) {
		t.Errorf("remaining memo entries = %v", sigs)
	}

	b.Modify(func(r schema.Record) {})
	if n := b.memo.Size(); n != 0 {
		t.Errorf("Modify without hint should clear the memo, %d entries left", n)
	}
}

func TestReset(t *testing.T) {
	src := users()
	b := New(src, "users").Equals("team", "a")
	mustArray(t, b)

	b.Reset()
	if n := b.memo.Size(); n != 0 {
		t.Errorf("memo not cleared, %d entries", n)
	}
	if got := ids(mustArray(t, b)); len(got) != 5 {
		t.Errorf("operations not cleared: %v", got)
	}
	if src.fetches.Load() != 2 {
		t.Errorf("expected a new fetch after Reset, got %d", src.fetches.Load())
	}
}

func TestFailedRunIsNotCached(t *testing.T) {
	src := users()
	calls := 0
	b := New(src, "users").Filter(func(r schema.Record) bool {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return true
	})

	if _, err := b.ToArray(context.Background()); err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	rows, err := b.ToArray(context.Background())
	if err != nil || len(rows) != 5 {
		t.Errorf("retry should run again, got %d rows, err %v", len(rows), err)
	}
	if b.memo.Size() != 1 {
		t.Errorf("expected only the successful run cached, got %d entries", b.memo.Size())
	}
}

func TestUsersScenario(t *testing.T) {
	ctx := context.Background()
	src := users()

	adults := New(src, "users").Between("age", 18, 200).OrderBy("age", Desc)
	names := []any{}
	rows, err := adults.ToArray(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		names = append(names, r["name"])
	}
	if !reflect.DeepEqual(names, []any{"Cid", "Ann"}) {
		t.Errorf("adults = %v", names)
	}

	teamA, _ := New(src, "users").Equals("team", "a").Count(ctx)
	minors, _ := New(src, "users").Equals("age", 17).Count(ctx)
	if teamA != 2 || minors != 2 {
		t.Errorf("teamA=%d minors=%d", teamA, minors)
	}
}
