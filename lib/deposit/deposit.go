package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/adapter/kvadapter"
	"github.com/ValentinKolb/deposit/lib/adapter/sqladapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/db"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/query"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("deposit")

// Deposit owns one adapter and exposes table oriented CRUD, queries,
// optimistic multi-table transactions and concurrent patches on top of it.
//
// Thread-safety: all methods are safe for concurrent use.
type Deposit struct {
	adapter          adapter.Adapter
	schema           schema.Schema
	patchConcurrency int
}

// --------------------------------------------------------------------------
// Construction
// --------------------------------------------------------------------------

type options struct {
	migration sqladapter.MigrationFunc
	clock     expiry.Clock
	kvdb      db.KVDB
}

// Option customizes New
type Option func(*options)

// WithMigration sets the upgrade callback of the sql backend. It is ignored by the kv backend.
func WithMigration(m sqladapter.MigrationFunc) Option {
	return func(o *options) { o.migration = m }
}

// WithClock replaces the system clock used for expiry
func WithClock(c expiry.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithKVDB sets the engine of the kv backend. It is ignored by the sql backend.
func WithKVDB(d db.KVDB) Option {
	return func(o *options) { o.kvdb = d }
}

// New validates cfg, creates the configured adapter and connects it
func New(ctx context.Context, cfg common.Config, opts ...Option) (*Deposit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	kind, _ := adapter.ParseKind(string(cfg.Backend))

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var a adapter.Adapter
	switch kind {
	case adapter.KindKV:
		a = kvadapter.New(kvadapter.Options{
			DBName:       cfg.DBName,
			Version:      cfg.Version,
			Schema:       cfg.Schema,
			Clock:        o.clock,
			SnapshotPath: cfg.SnapshotPath(),
			DB:           o.kvdb,
		})
	case adapter.KindSQL:
		a = sqladapter.New(sqladapter.Options{
			DBName:          cfg.DBName,
			Version:         cfg.Version,
			Schema:          cfg.Schema,
			DataDir:         cfg.DataDir,
			Clock:           o.clock,
			Migration:       o.migration,
			EvictionWorkers: cfg.EvictionWorkers,
		})
	default:
		return nil, fmt.Errorf("unsupported backend %q", kind)
	}

	if err := a.Connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	plog.Infof("opened %s (backend %s, version %d, %d tables)", cfg.DBName, kind, cfg.Version, len(cfg.Schema))

	d := NewWithAdapter(a, cfg.Schema)
	d.patchConcurrency = cfg.PatchConcurrency
	return d, nil
}

// NewWithAdapter wraps an existing adapter. s is used by Patch to find the key field of merged records.
func NewWithAdapter(a adapter.Adapter, s schema.Schema) *Deposit {
	return &Deposit{adapter: a, schema: s, patchConcurrency: common.DefaultConfig().PatchConcurrency}
}

// Adapter returns the underlying adapter, e.g. for sqladapter.FindByIndex
func (d *Deposit) Adapter() adapter.Adapter {
	return d.adapter
}

// Schema returns the table layout
func (d *Deposit) Schema() schema.Schema {
	return d.schema
}

// EngineInfo returns the statistics of the kv engine, false for other backends
func (d *Deposit) EngineInfo() (db.DatabaseInfo, bool) {
	if i, ok := d.adapter.(interface{ Info() db.DatabaseInfo }); ok {
		return i.Info(), true
	}
	return db.DatabaseInfo{}, false
}

// Close closes the adapter
func (d *Deposit) Close() error {
	return d.adapter.Close()
}

// --------------------------------------------------------------------------
// CRUD (passed through to the adapter)
// --------------------------------------------------------------------------

// Get returns the record stored under key or def
func (d *Deposit) Get(ctx context.Context, table string, key any, def schema.Record) schema.Record {
	return d.adapter.Get(ctx, table, key, def)
}

// BulkGet returns the found records in the order of keys
func (d *Deposit) BulkGet(ctx context.Context, table string, keys []any) []schema.Record {
	return d.adapter.BulkGet(ctx, table, keys)
}

// GetAll returns every non-expired record of table
func (d *Deposit) GetAll(ctx context.Context, table string) []schema.Record {
	return d.adapter.GetAll(ctx, table)
}

// Put inserts or replaces rec. A ttl of 0 never expires.
func (d *Deposit) Put(ctx context.Context, table string, rec schema.Record, ttl time.Duration) {
	d.adapter.Put(ctx, table, rec, ttl)
}

// BulkPut puts every record with the same ttl
func (d *Deposit) BulkPut(ctx context.Context, table string, recs []schema.Record, ttl time.Duration) {
	d.adapter.BulkPut(ctx, table, recs, ttl)
}

// Delete removes the record stored under key
func (d *Deposit) Delete(ctx context.Context, table string, key any) {
	d.adapter.Delete(ctx, table, key)
}

// BulkDelete removes the records stored under keys
func (d *Deposit) BulkDelete(ctx context.Context, table string, keys []any) {
	d.adapter.BulkDelete(ctx, table, keys)
}

// Clear removes every record of table
func (d *Deposit) Clear(ctx context.Context, table string) {
	d.adapter.Clear(ctx, table)
}

// Count returns the number of non-expired records of table
func (d *Deposit) Count(ctx context.Context, table string) int {
	return d.adapter.Count(ctx, table)
}

// Query returns a new query builder over table. Builders are not shared, each
// call starts with an empty pipeline and an empty memo.
func (d *Deposit) Query(table string) *query.Builder {
	return query.New(d.adapter, table)
}
