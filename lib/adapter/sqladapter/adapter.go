package sqladapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/panjf2000/ants/v2"
	_ "modernc.org/sqlite"
)

var plog = logger.GetLogger("sqladapter")

const (
	backend                = string(adapter.KindSQL)
	defaultEvictionWorkers = 2
	pragmaBusyTimeout      = `PRAGMA busy_timeout=5000`
	pragmaJournalModeWAL   = `PRAGMA journal_mode=WAL`
)

// MigrationFunc upgrades the stored data from oldVersion to newVersion.
// It runs inside the upgrade transaction and must use tx: the pool has a single
// connection, so statements on db block until the upgrade is finished.
// Returning an error (or panicking) rolls the whole upgrade back.
type MigrationFunc func(db *sql.DB, oldVersion, newVersion int, tx *sql.Tx, s schema.Schema) error

// Options configures the SQLite adapter
type Options struct {
	DBName          string        // Database file name without extension
	Version         int           // Schema version, stored in PRAGMA user_version
	Schema          schema.Schema // Tables and their key/index fields
	DataDir         string        // Directory of the database file (empty = in-memory)
	Clock           expiry.Clock  // Time source for expiry (default: system clock)
	Migration       MigrationFunc // Optional upgrade callback
	EvictionWorkers int           // Size of the background eviction pool (0 = default)
}

// Adapter implements adapter.Adapter on SQLite.
//
// Thread-safety: all methods are safe for concurrent use. The database uses a single
// connection, so transactions are serialized.
type Adapter struct {
	opts Options

	mu     sync.Mutex // guards db, pool and closed
	db     *sql.DB
	pool   *ants.Pool
	closed bool

	evictions sync.WaitGroup // pending background evictions
}

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Loader  = (*Adapter)(nil)
)

// New creates an unconnected SQLite adapter. Call Connect to run pending
// migrations; data methods connect lazily otherwise.
func New(opts Options) *Adapter {
	if opts.Clock == nil {
		opts.Clock = expiry.SystemClock
	}
	if opts.EvictionWorkers <= 0 {
		opts.EvictionWorkers = defaultEvictionWorkers
	}
	return &Adapter{opts: opts}
}

// Path returns the database file, or "" for an in-memory database
func (a *Adapter) Path() string {
	if a.opts.DataDir == "" {
		return ""
	}
	return filepath.Join(a.opts.DataDir, a.opts.DBName+".db")
}

// --------------------------------------------------------------------------
// Connect and version upgrade
// --------------------------------------------------------------------------

// Kind implements adapter.Adapter
func (a *Adapter) Kind() adapter.Kind {
	return adapter.KindSQL
}

// Connect opens the database and upgrades it to the configured version.
// Calling Connect on a connected adapter is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return nil
	}
	if a.closed {
		return adapter.NewError(adapter.RetCInternalError, "adapter is closed")
	}
	if a.opts.Version < 1 {
		return adapter.NewError(adapter.RetCVersionError, fmt.Sprintf("version must be >= 1, got %d", a.opts.Version))
	}

	dsn := ":memory:"
	if path := a.Path(); path != "" {
		if err := os.MkdirAll(a.opts.DataDir, 0o700); err != nil {
			return adapter.WrapError(adapter.RetCInternalError, "create data dir", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "open database", err)
	}
	// one connection: keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := a.open(ctx, db, dsn != ":memory:"); err != nil {
		_ = db.Close()
		return err
	}

	pool, err := ants.NewPool(a.opts.EvictionWorkers, ants.WithPanicHandler(func(v any) {
		plog.Errorf("eviction panic: %v", v)
	}))
	if err != nil {
		_ = db.Close()
		return adapter.WrapError(adapter.RetCInternalError, "create eviction pool", err)
	}

	a.db = db
	a.pool = pool
	return nil
}

// open configures the connection and runs the upgrade if needed
func (a *Adapter) open(ctx context.Context, db *sql.DB, onDisk bool) error {
	pragmas := []string{pragmaBusyTimeout}
	if onDisk {
		pragmas = append(pragmas, pragmaJournalModeWAL)
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return adapter.WrapError(adapter.RetCInternalError, "configure sqlite", err)
		}
	}

	var stored int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&stored); err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "read version", err)
	}

	switch {
	case stored > a.opts.Version:
		return adapter.NewError(adapter.RetCVersionError,
			fmt.Sprintf("database %s has version %d, newer than requested version %d", a.opts.DBName, stored, a.opts.Version))
	case stored < a.opts.Version:
		if err := a.upgrade(ctx, db, stored); err != nil {
			return err
		}
		plog.Infof("upgraded database %s from version %d to %d", a.opts.DBName, stored, a.opts.Version)
	}
	return nil
}

// upgrade creates missing tables and indexes and runs the migration callback in one transaction
func (a *Adapter) upgrade(ctx context.Context, db *sql.DB, oldVersion int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "begin upgrade", err)
	}
	defer tx.Rollback()

	for _, name := range a.opts.Schema.Tables() {
		for _, stmt := range createTableStatements(name, a.opts.Schema[name]) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return adapter.WrapError(adapter.RetCMigrationFailed, "create table "+name, err)
			}
		}
	}

	if a.opts.Migration != nil {
		if err := runMigration(a.opts.Migration, db, oldVersion, a.opts.Version, tx, a.opts.Schema); err != nil {
			return adapter.WrapError(adapter.RetCMigrationFailed,
				fmt.Sprintf("migration from version %d to %d", oldVersion, a.opts.Version), err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, a.opts.Version)); err != nil {
		return adapter.WrapError(adapter.RetCMigrationFailed, "write version", err)
	}
	if err := tx.Commit(); err != nil {
		return adapter.WrapError(adapter.RetCMigrationFailed, "commit upgrade", err)
	}
	return nil
}

// runMigration converts a panic of the callback into an error
func runMigration(m MigrationFunc, db *sql.DB, oldVersion, newVersion int, tx *sql.Tx, s schema.Schema) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
	}()
	return m(db, oldVersion, newVersion, tx, s)
}

// Close waits for pending evictions and closes the database.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	// pending evictions still need the database
	a.evictions.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	a.pool.Release()
	err := a.db.Close()
	a.db, a.pool = nil, nil
	return err
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Mode selects how WithTransaction finishes a transaction
type Mode int

const (
	// ReadOnly transactions are always rolled back
	ReadOnly Mode = iota
	// ReadWrite transactions are committed unless fn returns an error wrapping ErrAbort
	ReadWrite
)

// ErrAbort makes WithTransaction roll a ReadWrite transaction back.
var ErrAbort = errors.New("transaction aborted")

// WithTransaction runs fn inside one native transaction scoped to tables.
// fn gets one Store per table.
//
// The outcome is decided by the transaction, not by fn: if fn returns an error the
// writes issued before the error are still committed, unless the error wraps ErrAbort.
// The returned error joins fn's error and the commit error.
func (a *Adapter) WithTransaction(ctx context.Context, tables []string, mode Mode, fn func(stores map[string]*Store) error) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}

	stores := make(map[string]*Store, len(tables))
	for _, name := range tables {
		t, err := a.opts.Schema.Lookup(name)
		if err != nil {
			return adapter.WrapError(adapter.RetCUnknownTable, name, err)
		}
		stores[name] = &Store{name: name, table: t, now: a.opts.Clock}
	}

	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return adapter.NewError(adapter.RetCInternalError, "adapter is closed")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "begin transaction", err)
	}
	defer tx.Rollback()

	for _, s := range stores {
		s.ctx, s.tx = ctx, tx
	}

	fnErr := fn(stores)

	var endErr error
	switch {
	case mode == ReadOnly:
		endErr = tx.Rollback()
	case errors.Is(fnErr, ErrAbort):
		endErr = tx.Rollback()
	default:
		if endErr = tx.Commit(); endErr != nil {
			endErr = adapter.WrapError(adapter.RetCInternalError, "commit", endErr)
		}
	}

	// evictions discovered by reads run after the connection is free again
	for _, s := range stores {
		a.evictAsync(s.name, s.expired, s.corrupt)
	}

	return errors.Join(fnErr, endErr)
}

// evictAsync deletes the given keys on the eviction pool and does not wait for it.
// A key is only deleted if it is still expired (or still corrupt) when the task runs.
func (a *Adapter) evictAsync(table string, expired, corrupt []any) {
	if len(expired) == 0 && len(corrupt) == 0 {
		return
	}

	a.mu.Lock()
	if a.closed || a.pool == nil {
		a.mu.Unlock()
		return
	}
	a.evictions.Add(1)
	pool := a.pool
	a.mu.Unlock()

	task := func() {
		defer a.evictions.Done()
		err := a.WithTransaction(context.Background(), []string{table}, ReadWrite, func(stores map[string]*Store) error {
			s := stores[table]
			var errs []error
			for _, key := range expired {
				errs = append(errs, s.deleteIfExpired(key))
			}
			for _, key := range corrupt {
				errs = append(errs, s.deleteIfCorrupt(key))
			}
			return errors.Join(errs...)
		})
		if err != nil {
			a.fail("evict", table, err)
			return
		}
		if len(expired) > 0 {
			common.ExpiredEvictions(backend).Add(len(expired))
		}
		plog.Debugf("evicted %d expired and %d corrupt records from %s", len(expired), len(corrupt), table)
	}

	if err := pool.Submit(task); err != nil {
		a.evictions.Done()
		plog.Warningf("could not schedule eviction on %s: %v", table, err)
	}
}

// fail logs and counts a swallowed error
func (a *Adapter) fail(op, table string, err error) {
	common.AdapterErrors(backend, op).Inc()
	plog.Errorf("%s on table %s failed: %v", op, table, err)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see adapter/adapter.go)
// --------------------------------------------------------------------------

func (a *Adapter) Get(ctx context.Context, table string, key any, def schema.Record) schema.Record {
	var rec schema.Record
	err := a.WithTransaction(ctx, []string{table}, ReadOnly, func(stores map[string]*Store) (err error) {
		rec, err = stores[table].Get(key)
		return err
	})
	if err != nil {
		a.fail("get", table, err)
		return def
	}
	if rec == nil {
		return def
	}
	return rec
}

func (a *Adapter) BulkGet(ctx context.Context, table string, keys []any) []schema.Record {
	recs := make([]schema.Record, 0, len(keys))
	err := a.WithTransaction(ctx, []string{table}, ReadOnly, func(stores map[string]*Store) error {
		var errs []error
		for _, key := range keys {
			rec, err := stores[table].Get(key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if rec != nil {
				recs = append(recs, rec)
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		a.fail("bulkGet", table, err)
	}
	return recs
}

func (a *Adapter) GetAll(ctx context.Context, table string) []schema.Record {
	recs, err := a.LoadAll(ctx, table)
	if err != nil {
		a.fail("getAll", table, err)
		return []schema.Record{}
	}
	return recs
}

// LoadAll is GetAll with failures reported to the caller
func (a *Adapter) LoadAll(ctx context.Context, table string) ([]schema.Record, error) {
	var recs []schema.Record
	err := a.WithTransaction(ctx, []string{table}, ReadOnly, func(stores map[string]*Store) (err error) {
		recs, err = stores[table].All()
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (a *Adapter) Put(ctx context.Context, table string, rec schema.Record, ttl time.Duration) {
	err := a.WithTransaction(ctx, []string{table}, ReadWrite, func(stores map[string]*Store) error {
		return stores[table].Put(rec, ttl)
	})
	if err != nil {
		a.fail("put", table, err)
	}
}

func (a *Adapter) BulkPut(ctx context.Context, table string, recs []schema.Record, ttl time.Duration) {
	err := a.WithTransaction(ctx, []string{table}, ReadWrite, func(stores map[string]*Store) error {
		var errs []error
		for _, rec := range recs {
			errs = append(errs, stores[table].Put(rec, ttl))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		a.fail("bulkPut", table, err)
	}
}

func (a *Adapter) Delete(ctx context.Context, table string, key any) {
	err := a.WithTransaction(ctx, []string{table}, ReadWrite, func(stores map[string]*Store) error {
		return stores[table].Delete(key)
	})
	if err != nil {
		a.fail("delete", table, err)
	}
}

func (a *Adapter) BulkDelete(ctx context.Context, table string, keys []any) {
	err := a.WithTransaction(ctx, []string{table}, ReadWrite, func(stores map[string]*Store) error {
		var errs []error
		for _, key := range keys {
			errs = append(errs, stores[table].Delete(key))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		a.fail("bulkDelete", table, err)
	}
}

func (a *Adapter) Clear(ctx context.Context, table string) {
	err := a.WithTransaction(ctx, []string{table}, ReadWrite, func(stores map[string]*Store) error {
		return stores[table].Clear()
	})
	if err != nil {
		a.fail("clear", table, err)
	}
}

func (a *Adapter) Count(ctx context.Context, table string) int {
	var n int
	err := a.WithTransaction(ctx, []string{table}, ReadOnly, func(stores map[string]*Store) (err error) {
		n, err = stores[table].Count()
		return err
	})
	if err != nil {
		a.fail("count", table, err)
		return 0
	}
	return n
}

// FindByIndex returns the non-expired records whose field equals value.
// The lookup uses the secondary index if field is declared as an index field.
func (a *Adapter) FindByIndex(ctx context.Context, table, field string, value any) []schema.Record {
	var recs []schema.Record
	err := a.WithTransaction(ctx, []string{table}, ReadOnly, func(stores map[string]*Store) (err error) {
		recs, err = stores[table].FindByIndex(field, value)
		return err
	})
	if err != nil {
		a.fail("findByIndex", table, err)
		return []schema.Record{}
	}
	return recs
}
