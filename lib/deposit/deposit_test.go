package deposit

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	adaptertesting "github.com/ValentinKolb/deposit/lib/adapter/testing"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
)

var testSchema = schema.Schema{
	"users":  {KeyField: "id", IndexFields: []string{"team"}},
	"orders": {KeyField: "orderId"},
}

// runBackends runs fn once per backend against a fresh in-memory Deposit
func runBackends(t *testing.T, fn func(t *testing.T, d *Deposit, clock *adaptertesting.FakeClock)) {
	for _, kind := range []adapter.Kind{adapter.KindKV, adapter.KindSQL} {
		t.Run(string(kind), func(t *testing.T) {
			clock := adaptertesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			cfg := common.DefaultConfig()
			cfg.Backend = kind
			cfg.Schema = testSchema

			d, err := New(context.Background(), cfg, WithClock(clock.Now))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			t.Cleanup(func() { d.Close() })
			fn(t, d, clock)
		})
	}
}

func seed(t *testing.T, d *Deposit) {
	t.Helper()
	ctx := context.Background()
	d.BulkPut(ctx, "users", []schema.Record{
		{"id": 1, "name": "Ann", "team": "a", "age": 34},
		{"id": 2, "name": "Bob", "team": "b", "age": 17},
		{"id": 3, "name": "Cid", "team": "a", "age": 52},
	}, 0)
	d.Put(ctx, "orders", schema.Record{"orderId": "o-1", "user": 1}, 0)
}

func snapshot(t *testing.T, d *Deposit, table string) string {
	t.Helper()
	data, err := json.Marshal(d.GetAll(context.Background(), table))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Schema = testSchema
	cfg.Version = 0
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected an error for version 0")
	}

	cfg = common.DefaultConfig()
	cfg.Backend = "redis"
	cfg.Schema = testSchema
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}

func TestCRUD(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, clock *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)

		if got := d.Get(ctx, "users", 2, nil); got["name"] != "Bob" {
			t.Errorf("Get = %v", got)
		}
		if n := d.Count(ctx, "users"); n != 3 {
			t.Errorf("Count = %d", n)
		}
		if got := d.BulkGet(ctx, "users", []any{3, 9, 1}); len(got) != 2 || got[0]["name"] != "Cid" {
			t.Errorf("BulkGet = %v", got)
		}

		d.Put(ctx, "users", schema.Record{"id": 4, "name": "Tmp"}, time.Minute)
		clock.Advance(2 * time.Minute)
		if got := d.Get(ctx, "users", 4, schema.Record{"default": true}); got["default"] != true {
			t.Errorf("expired record still visible: %v", got)
		}

		d.BulkDelete(ctx, "users", []any{1, 2})
		if n := d.Count(ctx, "users"); n != 1 {
			t.Errorf("Count after BulkDelete = %d", n)
		}
		d.Delete(ctx, "users", 3)
		d.Clear(ctx, "orders")
		if n := d.Count(ctx, "users") + d.Count(ctx, "orders"); n != 0 {
			t.Errorf("%d records left", n)
		}
	})
}

func TestQueryBuildersAreNotShared(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)

		if d.Query("users") == d.Query("users") {
			t.Fatal("Query returned the same builder twice")
		}
		teamA, err := d.Query("users").Equals("team", "a").OrderBy("age", "desc").ToArray(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(teamA) != 2 || teamA[0]["name"] != "Cid" {
			t.Errorf("team a = %v", teamA)
		}

		// a new builder observes writes
		d.Put(ctx, "users", schema.Record{"id": 5, "name": "Dee", "team": "a", "age": 20}, 0)
		if n, _ := d.Query("users").Equals("team", "a").Count(ctx); n != 3 {
			t.Errorf("new builder counted %d", n)
		}
	})
}

func TestTransactionCommits(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)

		err := d.Transaction(ctx, []string{"users", "orders"}, func(view TxView) error {
			users := view["users"][:0]
			for _, u := range view["users"] {
				if u["team"] == "a" {
					users = append(users, u)
				}
			}
			view["users"] = users
			view["orders"] = append(view["orders"], schema.Record{"orderId": "o-2", "user": 3})
			return nil
		}, 0)
		if err != nil {
			t.Fatalf("Transaction failed: %v", err)
		}

		if n := d.Count(ctx, "users"); n != 2 {
			t.Errorf("users = %d, want 2", n)
		}
		if n := d.Count(ctx, "orders"); n != 2 {
			t.Errorf("orders = %d, want 2", n)
		}
	})
}

func TestTransactionRewritesUntouchedTables(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)
		before := snapshot(t, d, "orders")

		err := d.Transaction(ctx, []string{"users", "orders"}, func(view TxView) error {
			view["users"] = nil
			return nil
		}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if n := d.Count(ctx, "users"); n != 0 {
			t.Errorf("users = %d, want 0", n)
		}
		if after := snapshot(t, d, "orders"); after != before {
			t.Errorf("untouched table changed: %s -> %s", before, after)
		}
	})
}

func TestTransactionFailureCommitsNothing(t *testing.T) {
	cause := errors.New("validation failed")

	tests := []struct {
		name    string
		fn      func(view TxView) error
		isCause bool
	}{
		{"ErrorBeforeTouch", func(view TxView) error { return cause }, true},
		{"ErrorAfterMutation", func(view TxView) error {
			view["users"] = view["users"][:1]
			view["orders"] = nil
			return cause
		}, true},
		{"Panic", func(view TxView) error {
			view["users"] = nil
			panic("boom")
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
				ctx := context.Background()
				seed(t, d)
				users, orders := snapshot(t, d, "users"), snapshot(t, d, "orders")

				err := d.Transaction(ctx, []string{"users", "orders"}, tt.fn, 0)

				var txErr *TransactionError
				if !errors.As(err, &txErr) {
					t.Fatalf("expected *TransactionError, got %v", err)
				}
				if !reflect.DeepEqual(txErr.Tables, []string{"users", "orders"}) {
					t.Errorf("Tables = %v", txErr.Tables)
				}
				if tt.isCause && !errors.Is(err, cause) {
					t.Errorf("cause not wrapped: %v", err)
				}
				if snapshot(t, d, "users") != users || snapshot(t, d, "orders") != orders {
					t.Error("a failed transaction changed the data")
				}
			})
		})
	}
}

// failingLoader wraps an adapter whose reads of one table fail
type failingLoader struct {
	adapter.Adapter
	table string
}

var errRead = errors.New("read failed")

func (f failingLoader) LoadAll(ctx context.Context, table string) ([]schema.Record, error) {
	if table == f.table {
		return nil, errRead
	}
	return f.Adapter.(adapter.Loader).LoadAll(ctx, table)
}

func (f failingLoader) GetAll(ctx context.Context, table string) []schema.Record {
	if table == f.table {
		return []schema.Record{}
	}
	return f.Adapter.GetAll(ctx, table)
}

func TestTransactionReadFailureCommitsNothing(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)

		broken := NewWithAdapter(failingLoader{Adapter: d.Adapter(), table: "orders"}, testSchema)
		called := false
		err := broken.Transaction(ctx, []string{"users", "orders"}, func(view TxView) error {
			called = true
			return nil
		}, 0)

		var txErr *TransactionError
		if !errors.As(err, &txErr) || !errors.Is(err, errRead) {
			t.Fatalf("expected *TransactionError wrapping the read error, got %v", err)
		}
		if called {
			t.Error("callback must not run when a table could not be loaded")
		}
		if n := d.Count(ctx, "orders"); n != 1 {
			t.Errorf("expected orders untouched, got %d records", n)
		}
	})
}

func TestPatch(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)

		err := d.Patch(ctx, "users", []PatchOp{
			{Op: OpPut, Record: schema.Record{"id": 4, "name": "Dee"}},
			{Op: OpDelete, Key: 2},
			{Op: OpMerge, Key: 1, Merge: []byte(`{"team":"c","age":null}`)},
			{Op: OpMerge, Key: 7, Merge: []byte(`{"name":"New"}`)},
		})
		if err != nil {
			t.Fatalf("Patch failed: %v", err)
		}

		ann := d.Get(ctx, "users", 1, nil)
		if ann["team"] != "c" || ann["name"] != "Ann" {
			t.Errorf("merged record = %v", ann)
		}
		if _, ok := ann["age"]; ok {
			t.Errorf("null in a merge patch should remove the field: %v", ann)
		}
		if got := d.Get(ctx, "users", 7, nil); got["name"] != "New" {
			t.Errorf("merge into a missing record = %v", got)
		}

		var names []string
		for _, u := range d.GetAll(ctx, "users") {
			names = append(names, u["name"].(string))
		}
		sort.Strings(names)
		if !reflect.DeepEqual(names, []string{"Ann", "Cid", "Dee", "New"}) {
			t.Errorf("names = %v", names)
		}
	})
}

func TestPatchReportsInvalidOps(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()

		err := d.Patch(ctx, "users", []PatchOp{
			{Op: "upsert"},
			{Op: OpPut, Record: schema.Record{"id": 1, "name": "Ann"}},
			{Op: OpDelete},
			{Op: OpMerge, Key: 1, Merge: []byte(`[1,2]`)},
		})
		if err == nil {
			t.Fatal("expected an error")
		}
		joined, ok := err.(interface{ Unwrap() []error })
		if !ok || len(joined.Unwrap()) != 3 {
			t.Errorf("expected three joined errors, got %v", err)
		}
		if got := d.Get(ctx, "users", 1, nil); got["name"] != "Ann" {
			t.Error("valid op was not applied")
		}
	})
}

func TestPatchClear(t *testing.T) {
	runBackends(t, func(t *testing.T, d *Deposit, _ *adaptertesting.FakeClock) {
		ctx := context.Background()
		seed(t, d)
		if err := d.Patch(ctx, "orders", []PatchOp{{Op: OpClear}}); err != nil {
			t.Fatal(err)
		}
		if n := d.Count(ctx, "orders"); n != 0 {
			t.Errorf("orders = %d", n)
		}
	})
}
