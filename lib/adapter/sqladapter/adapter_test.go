package sqladapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	adaptertesting "github.com/ValentinKolb/deposit/lib/adapter/testing"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/schema"
)

func newTestAdapter(t testing.TB, opts Options) *Adapter {
	t.Helper()
	if opts.DBName == "" {
		opts.DBName = "test"
	}
	if opts.Version == 0 {
		opts.Version = 1
	}
	if opts.Schema == nil {
		opts.Schema = adaptertesting.TestSchema
	}
	a := New(opts)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConformance(t *testing.T) {
	adaptertesting.RunAdapterTests(t, "SQL(memory)", func(t testing.TB, s schema.Schema, clock expiry.Clock) adapter.Adapter {
		return newTestAdapter(t, Options{Schema: s, Clock: clock})
	})
	adaptertesting.RunAdapterTests(t, "SQL(file)", func(t testing.TB, s schema.Schema, clock expiry.Clock) adapter.Adapter {
		return newTestAdapter(t, Options{Schema: s, Clock: clock, DataDir: t.TempDir()})
	})
}

// userVersion reads PRAGMA user_version of a connected adapter
func userVersion(t *testing.T, a *Adapter) int {
	t.Helper()
	var v int
	if err := a.db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	return v
}

// rawCount counts all rows of a table including expired and corrupt ones
func rawCount(t *testing.T, a *Adapter, table string) int {
	t.Helper()
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM ` + quoteIdent(table)).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestIndexesCreated(t *testing.T) {
	a := newTestAdapter(t, Options{})

	var name string
	err := a.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'users' AND name NOT LIKE 'sqlite_autoindex%'`).Scan(&name)
	if err != nil {
		t.Fatalf("index lookup: %v", err)
	}
	if name != "users__name" {
		t.Errorf("expected index users__name, got %s", name)
	}
	if v := userVersion(t, a); v != 1 {
		t.Errorf("expected user_version 1, got %d", v)
	}
}

func TestMigrationOnUpgrade(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := New(Options{DBName: "app", Version: 1, Schema: adaptertesting.TestSchema, DataDir: dir})
	v1.Put(ctx, "users", schema.Record{"id": 1, "name": "Ann"}, 0)
	if err := v1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := schema.Schema{
		"users":  adaptertesting.TestSchema["users"],
		"orders": adaptertesting.TestSchema["orders"],
		"audit":  {KeyField: "id"},
	}

	var calls [][2]int
	migrate := func(db *sql.DB, oldVersion, newVersion int, tx *sql.Tx, s schema.Schema) error {
		calls = append(calls, [2]int{oldVersion, newVersion})
		if _, ok := s["audit"]; !ok {
			t.Errorf("migration should receive the new schema")
		}
		// tables of the new schema exist when the callback runs
		_, err := tx.Exec(`UPDATE users SET doc = json_set(doc, '$.migrated', json('true'))`)
		return err
	}

	v2 := newTestAdapter(t, Options{DBName: "app", Version: 2, Schema: s2, DataDir: dir, Migration: migrate})

	if !reflect.DeepEqual(calls, [][2]int{{1, 2}}) {
		t.Errorf("expected one migration call (1 -> 2), got %v", calls)
	}
	if got := v2.Get(ctx, "users", 1, nil); got["migrated"] != true || got["name"] != "Ann" {
		t.Errorf("expected migrated record, got %v", got)
	}
	v2.Put(ctx, "audit", schema.Record{"id": "a1"}, 0)
	if n := v2.Count(ctx, "audit"); n != 1 {
		t.Errorf("new table should be usable, got count %d", n)
	}
	if v := userVersion(t, v2); v != 2 {
		t.Errorf("expected user_version 2, got %d", v)
	}
}

func TestMigrationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := New(Options{DBName: "app", Version: 1, Schema: adaptertesting.TestSchema, DataDir: dir})
	v1.Put(ctx, "users", schema.Record{"id": 1}, 0)
	v1.Close()

	cause := errors.New("boom")
	s2 := schema.Schema{"users": adaptertesting.TestSchema["users"], "audit": {KeyField: "id"}}

	tests := []struct {
		name    string
		migrate MigrationFunc
	}{
		{"Error", func(_ *sql.DB, _, _ int, tx *sql.Tx, _ schema.Schema) error {
			if _, err := tx.Exec(`DELETE FROM users`); err != nil {
				return err
			}
			return cause
		}},
		{"Panic", func(_ *sql.DB, _, _ int, _ *sql.Tx, _ schema.Schema) error {
			panic("migration exploded")
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v2 := New(Options{DBName: "app", Version: 2, Schema: s2, DataDir: dir, Migration: tc.migrate})
			err := v2.Connect(ctx)
			if !errors.Is(err, adapter.ErrMigrationFailed) {
				t.Fatalf("expected migration failure, got %v", err)
			}
			if tc.name == "Error" && !errors.Is(err, cause) {
				t.Errorf("error should wrap the migration cause, got %v", err)
			}
			v2.Close()

			// the old version is untouched
			again := newTestAdapter(t, Options{DBName: "app", Version: 1, DataDir: dir})
			if v := userVersion(t, again); v != 1 {
				t.Errorf("version should stay 1, got %d", v)
			}
			if n := again.Count(ctx, "users"); n != 1 {
				t.Errorf("data should be untouched, got %d users", n)
			}
			var exists int
			again.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'audit'`).Scan(&exists)
			if exists != 0 {
				t.Errorf("table of the failed upgrade should not exist")
			}
			again.Close()
		})
	}
}

func TestNewerStoredVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	newTestAdapter(t, Options{DBName: "app", Version: 3, DataDir: dir}).Close()

	old := New(Options{DBName: "app", Version: 2, Schema: adaptertesting.TestSchema, DataDir: dir})
	defer old.Close()
	if err := old.Connect(ctx); !errors.Is(err, adapter.ErrVersion) {
		t.Errorf("expected version error, got %v", err)
	}

	// data methods swallow the failed connect
	if got := old.Get(ctx, "users", 1, schema.Record{"d": 1}); got["d"] != 1 {
		t.Errorf("expected default after failed connect, got %v", got)
	}

	invalid := New(Options{DBName: "app", Version: 0, Schema: adaptertesting.TestSchema})
	if err := invalid.Connect(ctx); !errors.Is(err, adapter.ErrVersion) {
		t.Errorf("expected version error for version 0, got %v", err)
	}
}

func TestCommitOnError(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Options{})
	fnErr := errors.New("after write")

	err := a.WithTransaction(ctx, []string{"users", "orders"}, ReadWrite, func(stores map[string]*Store) error {
		if err := stores["users"].Put(schema.Record{"id": 1}, 0); err != nil {
			return err
		}
		return fnErr
	})
	if !errors.Is(err, fnErr) {
		t.Errorf("expected fn error to be returned, got %v", err)
	}
	if got := a.Get(ctx, "users", 1, nil); got == nil {
		t.Errorf("writes before the error should be committed")
	}

	err = a.WithTransaction(ctx, []string{"users"}, ReadWrite, func(stores map[string]*Store) error {
		if err := stores["users"].Put(schema.Record{"id": 2}, 0); err != nil {
			return err
		}
		return fmt.Errorf("validation failed: %w", ErrAbort)
	})
	if !errors.Is(err, ErrAbort) {
		t.Errorf("expected abort error, got %v", err)
	}
	if got := a.Get(ctx, "users", 2, nil); got != nil {
		t.Errorf("aborted transaction should not commit, got %v", got)
	}

	err = a.WithTransaction(ctx, []string{"nope"}, ReadOnly, func(map[string]*Store) error { return nil })
	if !errors.Is(err, adapter.ErrUnknownTable) {
		t.Errorf("expected unknown table error, got %v", err)
	}
}

func TestEvictionRunsInBackground(t *testing.T) {
	ctx := context.Background()
	clock := adaptertesting.NewFakeClock(time.UnixMilli(0))
	a := newTestAdapter(t, Options{Clock: clock.Now})

	a.BulkPut(ctx, "users", []schema.Record{{"id": 1}, {"id": 2}}, time.Second)
	a.Put(ctx, "users", schema.Record{"id": 3}, 0)
	clock.Advance(time.Second)

	if n := a.Count(ctx, "users"); n != 1 {
		t.Errorf("expected 1 live record, got %d", n)
	}
	if got := a.GetAll(ctx, "users"); len(got) != 1 {
		t.Errorf("expected 1 live record, got %v", got)
	}

	a.evictions.Wait()
	if n := rawCount(t, a, "users"); n != 1 {
		t.Errorf("expired rows should be evicted, %d rows left", n)
	}
}

func TestEvictionKeepsRewrittenRecord(t *testing.T) {
	ctx := context.Background()
	clock := adaptertesting.NewFakeClock(time.UnixMilli(0))
	a := newTestAdapter(t, Options{Clock: clock.Now})

	a.Put(ctx, "users", schema.Record{"id": 1}, time.Second)
	clock.Advance(time.Second)

	err := a.WithTransaction(ctx, []string{"users"}, ReadWrite, func(stores map[string]*Store) error {
		if rec, err := stores["users"].Get(1); err != nil || rec != nil {
			t.Errorf("expected expired record to be hidden, got %v (%v)", rec, err)
		}
		// rewritten in the same transaction, before the eviction runs
		return stores["users"].Put(schema.Record{"id": 1, "fresh": true}, 0)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	a.evictions.Wait()
	if got := a.Get(ctx, "users", 1, nil); got["fresh"] != true {
		t.Errorf("eviction must not remove a record that is no longer expired, got %v", got)
	}
}

func TestCorruptRowIsEvicted(t *testing.T) {
	ctx := context.Background()
	// json_extract indexes reject malformed documents, so use a table without index fields
	a := newTestAdapter(t, Options{Schema: schema.Schema{"notes": {KeyField: "id"}}})

	if _, err := a.db.Exec(`INSERT INTO notes (pk, doc) VALUES (1, '{broken'), (2, 'null'), (3, '{"id":3}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	def := schema.Record{"default": true}
	if got := a.Get(ctx, "notes", 1, def); !reflect.DeepEqual(got, def) {
		t.Errorf("corrupt row should yield the default, got %v", got)
	}
	if got := a.GetAll(ctx, "notes"); len(got) != 1 || got[0]["id"] != 3.0 {
		t.Errorf("corrupt rows should be skipped, got %v", got)
	}

	a.evictions.Wait()
	if n := rawCount(t, a, "notes"); n != 1 {
		t.Errorf("corrupt rows should be deleted, %d rows left", n)
	}
}

func TestCountSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Options{Schema: schema.Schema{"notes": {KeyField: "id"}}})

	if _, err := a.db.Exec(`INSERT INTO notes (pk, doc) VALUES (1, '{broken'), (2, '[1]'), (3, '{"id":3}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if n := a.Count(ctx, "notes"); n != 1 {
		t.Errorf("expected Count to match GetAll (1), got %d", n)
	}
	a.evictions.Wait()
	if n := rawCount(t, a, "notes"); n != 1 {
		t.Errorf("Count should queue corrupt rows for eviction, %d rows left", n)
	}
	if got := a.GetAll(ctx, "notes"); len(got) != a.Count(ctx, "notes") {
		t.Errorf("GetAll returned %d records, Count %d", len(got), a.Count(ctx, "notes"))
	}
}

func TestIndexedTableRejectsMalformedJSON(t *testing.T) {
	a := newTestAdapter(t, Options{})
	if _, err := a.db.Exec(`INSERT INTO users (pk, doc) VALUES (1, '{broken')`); err == nil {
		t.Errorf("expected the json_extract index to reject a malformed document")
	}
}

func TestKeyOrder(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, Options{})

	a.BulkPut(ctx, "users", []schema.Record{{"id": "b"}, {"id": 10}, {"id": "a"}, {"id": 2}}, 0)

	var ids []any
	for _, rec := range a.GetAll(ctx, "users") {
		ids = append(ids, rec["id"])
	}
	want := []any{2.0, 10.0, "a", "b"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected numbers before strings in numeric order %v, got %v", want, ids)
	}
}

func TestFindByIndex(t *testing.T) {
	ctx := context.Background()
	clock := adaptertesting.NewFakeClock(time.UnixMilli(0))
	a := newTestAdapter(t, Options{Clock: clock.Now})

	a.BulkPut(ctx, "users", []schema.Record{
		{"id": 1, "name": "Ann", "age": 30, "admin": true},
		{"id": 2, "name": "Bob", "age": 30},
		{"id": 3, "name": "Ann", "age": 41},
	}, 0)
	a.Put(ctx, "users", schema.Record{"id": 4, "name": "Ann"}, time.Second)
	clock.Advance(time.Second)

	if got := a.FindByIndex(ctx, "users", "name", "Ann"); len(got) != 2 || got[0]["id"] != 1.0 || got[1]["id"] != 3.0 {
		t.Errorf("expected Ann records 1 and 3, got %v", got)
	}
	if got := a.FindByIndex(ctx, "users", "age", 30); len(got) != 2 {
		t.Errorf("expected two records aged 30, got %v", got)
	}
	if got := a.FindByIndex(ctx, "users", "admin", true); len(got) != 1 {
		t.Errorf("expected one admin, got %v", got)
	}
	if got := a.FindByIndex(ctx, "users", "name", "Zoe"); len(got) != 0 {
		t.Errorf("expected no match, got %v", got)
	}
}
