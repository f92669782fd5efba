package query

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("query")

// Source provides the full content of a table. adapter.Adapter satisfies it.
type Source interface {
	GetAll(ctx context.Context, table string) []schema.Record
}

// --------------------------------------------------------------------------
// Pipeline
// --------------------------------------------------------------------------

// transform is one pipeline step. It may reorder or replace the slice but must
// not modify the records in it.
type transform func(rows []schema.Record) ([]schema.Record, error)

type operation struct {
	name     string
	sig      string // name plus serialized arguments
	fn       transform
	mutating bool
}

// memoKey identifies a cached result: the hashed signature and the data version it was computed for
type memoKey struct {
	hash    uint64
	version uint64
}

// future is a result that is being computed or is already available.
// done is closed once rows/err are set.
type future struct {
	sig  string
	done chan struct{}
	rows []schema.Record
	err  error
}

// Builder is a lazily executed, memoizing pipeline over one table.
// Operations are only recorded, ToArray (or one of the aggregations) runs them.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent executions of
// the same read-only pipeline share one fetch.
type Builder struct {
	src   Source
	table string

	mu        sync.Mutex // guards ops, sig and hasModify
	ops       []operation
	sig       string
	hasModify bool

	version atomic.Uint64                 // bumped by Modify
	memo    *xsync.MapOf[memoKey, *future] // cached and in-flight results
}

// New creates an empty pipeline over table
func New(src Source, table string) *Builder {
	return &Builder{
		src:   src,
		table: table,
		memo:  xsync.NewMapOf[memoKey, *future](),
	}
}

// Table returns the table the builder reads from
func (b *Builder) Table() string {
	return b.table
}

// signature serializes an operation. Functions serialize as a placeholder, so two
// predicates at the same position of a pipeline are indistinguishable.
func signature(name string, args ...any) string {
	enc := make([]any, len(args))
	for i, a := range args {
		if a != nil && reflect.TypeOf(a).Kind() == reflect.Func {
			enc[i] = "<func>"
			continue
		}
		enc[i] = a
	}
	data, err := json.Marshal(enc)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", args))
	}
	return name + string(data) + ";"
}

// add appends an operation and drops memo entries built on the previous pipeline
func (b *Builder) add(op operation) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.sig
	b.ops = append(b.ops, op)
	b.sig += op.sig
	b.hasModify = b.hasModify || op.mutating

	b.invalidate(func(sig string) bool { return strings.HasPrefix(sig, prev) })
	return b
}

// invalidate deletes every memo entry whose signature matches
func (b *Builder) invalidate(match func(sig string) bool) {
	b.memo.Range(func(k memoKey, f *future) bool {
		if match(f.sig) {
			b.memo.Delete(k)
		}
		return true
	})
}

// Reset removes all operations and clears the memo cache
func (b *Builder) Reset() *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = nil
	b.sig = ""
	b.hasModify = false
	b.memo.Clear()
	return b
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// ToArray runs the pipeline and returns the result.
//
// Read-only pipelines are memoized per (signature, data version); concurrent calls
// with the same key wait for one shared execution. Cancelling ctx only stops this
// caller from waiting. A pipeline containing Modify is executed on every call. Failed executions are not cached.
// The returned slice and its records are copies the caller may modify.
func (b *Builder) ToArray(ctx context.Context) ([]schema.Record, error) {
	b.mu.Lock()
	ops := slices.Clone(b.ops)
	sig := b.sig
	mutating := b.hasModify
	b.mu.Unlock()

	if mutating {
		rows, err := b.execute(ctx, ops)
		return copyRows(rows), err
	}

	key := memoKey{hash: xxhash.Sum64String(sig), version: b.version.Load()}
	f, loaded := b.memo.LoadOrCompute(key, func() *future {
		return &future{sig: sig, done: make(chan struct{})}
	})
	if !loaded {
		// the shared run must outlive the caller that started it
		go b.run(context.WithoutCancel(ctx), key, f, ops)
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if loaded {
		common.QueryMemoHits().Inc()
	}
	return copyRows(f.rows), nil
}

// run executes ops for the memo entry f and publishes the result
func (b *Builder) run(ctx context.Context, key memoKey, f *future, ops []operation) {
	f.rows, f.err = b.execute(ctx, ops)
	if f.err != nil {
		// drop the failed result unless it was already replaced
		b.memo.Compute(key, func(old *future, ok bool) (*future, bool) {
			return old, ok && old == f
		})
	}
	close(f.done)
}

// execute fetches the table once and folds all operations over it
func (b *Builder) execute(ctx context.Context, ops []operation) (rows []schema.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query on %s panicked: %v", b.table, r)
			plog.Errorf("%v", err)
		}
	}()

	common.QueryFetches().Inc()
	rows = b.src.GetAll(ctx, b.table)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows = slices.Clone(rows)

	for _, op := range ops {
		if rows, err = op.fn(rows); err != nil {
			return nil, fmt.Errorf("query %s on %s: %w", op.name, b.table, err)
		}
	}
	if rows == nil {
		rows = []schema.Record{}
	}
	return rows, nil
}

// copyRows returns a new slice holding shallow copies of the records
func copyRows(rows []schema.Record) []schema.Record {
	if rows == nil {
		return nil
	}
	out := make([]schema.Record, len(rows))
	for i, r := range rows {
		out[i] = schema.Clone(r)
	}
	return out
}
