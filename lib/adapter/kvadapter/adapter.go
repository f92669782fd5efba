package kvadapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/db"
	"github.com/ValentinKolb/deposit/lib/db/engines/maple"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("kvadapter")

const backend = string(adapter.KindKV)

// Options configures the key-value adapter
type Options struct {
	DBName       string        // First segment of every physical key
	Version      int           // Second segment of every physical key
	Schema       schema.Schema // Tables and their key fields
	Clock        expiry.Clock  // Time source for expiry (default: system clock)
	SnapshotPath string        // Loaded on Connect and written on Close if set
	DB           db.KVDB       // Engine to use (default: a new maple engine)
}

type adapterImpl struct {
	opts Options
	db   db.KVDB

	connectOnce sync.Once
	connectErr  error
}

// New creates a key-value adapter. The engine is usable right away, Connect
// only restores the snapshot if one is configured.
var (
	_ adapter.Adapter = (*adapterImpl)(nil)
	_ adapter.Loader  = (*adapterImpl)(nil)
)

func New(opts Options) adapter.Adapter {
	return newAdapter(opts)
}

func newAdapter(opts Options) *adapterImpl {
	if opts.Clock == nil {
		opts.Clock = expiry.SystemClock
	}
	if opts.DB == nil {
		opts.DB = maple.NewMapleDB(nil)
	}
	return &adapterImpl{opts: opts, db: opts.DB}
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// tablePrefix returns {dbName}:{version}:{table}:
func (a *adapterImpl) tablePrefix(table string) string {
	return fmt.Sprintf("%s:%d:%s:", a.opts.DBName, a.opts.Version, table)
}

// physicalKey returns {dbName}:{version}:{table}:{key}
func (a *adapterImpl) physicalKey(table string, key any) (string, error) {
	if _, err := a.opts.Schema.Lookup(table); err != nil {
		return "", adapter.WrapError(adapter.RetCUnknownTable, table, err)
	}
	k, err := schema.FormatKey(key)
	if err != nil {
		return "", adapter.WrapError(adapter.RetCInvalidKey, fmt.Sprintf("%v", key), err)
	}
	return a.tablePrefix(table) + k, nil
}

// fail logs and counts a swallowed error
func (a *adapterImpl) fail(op, table string, err error) {
	common.AdapterErrors(backend, op).Inc()
	plog.Errorf("%s on table %s failed: %v", op, table, err)
}

// ready connects lazily and logs a failed connect as a failure of op
func (a *adapterImpl) ready(ctx context.Context, op, table string) bool {
	if err := a.Connect(ctx); err != nil {
		a.fail(op, table, err)
		return false
	}
	return true
}

// read decodes the value stored under pk.
// Corrupt values and expired records are deleted and reported as absent.
func (a *adapterImpl) read(pk string) (schema.Record, bool) {
	raw, ok := a.db.Get(pk)
	if !ok {
		return nil, false
	}

	var stored schema.Record
	if err := json.Unmarshal(raw, &stored); err != nil || stored == nil {
		common.CorruptRecords(backend).Inc()
		plog.Warningf("dropping corrupt value at %s: %v", pk, err)
		a.db.Delete(pk)
		return nil, false
	}

	return expiry.UnwrapWithExpiry(stored, a.opts.Clock(), func() {
		common.ExpiredEvictions(backend).Inc()
		a.db.Delete(pk)
	})
}

func (a *adapterImpl) write(table string, rec schema.Record, ttl time.Duration) error {
	key, err := adapter.TableKey(a.opts.Schema, table, rec)
	if err != nil {
		return err
	}
	pk, err := a.physicalKey(table, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(expiry.WrapWithExpiry(rec, ttl, a.opts.Clock()))
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "encode record", err)
	}
	a.db.Set(pk, data)
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see adapter/adapter.go)
// --------------------------------------------------------------------------

func (a *adapterImpl) Kind() adapter.Kind {
	return adapter.KindKV
}

func (a *adapterImpl) Connect(_ context.Context) error {
	a.connectOnce.Do(func() {
		if a.opts.Version < 1 {
			a.connectErr = adapter.NewError(adapter.RetCVersionError, fmt.Sprintf("version must be >= 1, got %d", a.opts.Version))
			return
		}
		if strings.Contains(a.opts.DBName, ":") {
			a.connectErr = adapter.NewError(adapter.RetCInternalError, fmt.Sprintf("db name %q must not contain ':'", a.opts.DBName))
			return
		}
		for _, name := range a.opts.Schema.Tables() {
			if strings.Contains(name, ":") {
				a.connectErr = adapter.NewError(adapter.RetCUnknownTable, fmt.Sprintf("table name %q must not contain ':'", name))
				return
			}
		}
		if a.opts.SnapshotPath == "" {
			return
		}

		f, err := os.Open(a.opts.SnapshotPath)
		if errors.Is(err, os.ErrNotExist) {
			plog.Debugf("no snapshot at %s, starting empty", a.opts.SnapshotPath)
			return
		}
		if err != nil {
			a.connectErr = adapter.WrapError(adapter.RetCInternalError, "open snapshot", err)
			return
		}
		defer f.Close()

		if err := a.db.Load(f); err != nil {
			a.connectErr = adapter.WrapError(adapter.RetCCorruptData, "load snapshot "+a.opts.SnapshotPath, err)
			return
		}
		plog.Infof("loaded %d entries from %s", a.db.Len(), a.opts.SnapshotPath)
	})
	return a.connectErr
}

func (a *adapterImpl) Get(ctx context.Context, table string, key any, def schema.Record) schema.Record {
	if !a.ready(ctx, "get", table) {
		return def
	}
	pk, err := a.physicalKey(table, key)
	if err != nil {
		a.fail("get", table, err)
		return def
	}
	if rec, ok := a.read(pk); ok {
		return rec
	}
	return def
}

func (a *adapterImpl) BulkGet(ctx context.Context, table string, keys []any) []schema.Record {
	if !a.ready(ctx, "bulkGet", table) {
		return []schema.Record{}
	}
	recs := make([]schema.Record, 0, len(keys))
	for _, key := range keys {
		pk, err := a.physicalKey(table, key)
		if err != nil {
			a.fail("bulkGet", table, err)
			continue
		}
		if rec, ok := a.read(pk); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

func (a *adapterImpl) GetAll(ctx context.Context, table string) []schema.Record {
	recs, err := a.LoadAll(ctx, table)
	if err != nil {
		a.fail("getAll", table, err)
		return []schema.Record{}
	}
	return recs
}

// LoadAll is GetAll with failures reported to the caller
func (a *adapterImpl) LoadAll(ctx context.Context, table string) ([]schema.Record, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	if _, err := a.opts.Schema.Lookup(table); err != nil {
		return nil, adapter.WrapError(adapter.RetCUnknownTable, table, err)
	}

	keys := a.db.Keys(a.tablePrefix(table))
	recs := make([]schema.Record, 0, len(keys))
	for _, pk := range keys {
		if rec, ok := a.read(pk); ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (a *adapterImpl) Put(ctx context.Context, table string, rec schema.Record, ttl time.Duration) {
	if !a.ready(ctx, "put", table) {
		return
	}
	if err := a.write(table, rec, ttl); err != nil {
		a.fail("put", table, err)
	}
}

func (a *adapterImpl) BulkPut(ctx context.Context, table string, recs []schema.Record, ttl time.Duration) {
	if !a.ready(ctx, "bulkPut", table) {
		return
	}
	for _, rec := range recs {
		if err := a.write(table, rec, ttl); err != nil {
			a.fail("bulkPut", table, err)
		}
	}
}

func (a *adapterImpl) Delete(ctx context.Context, table string, key any) {
	if !a.ready(ctx, "delete", table) {
		return
	}
	pk, err := a.physicalKey(table, key)
	if err != nil {
		a.fail("delete", table, err)
		return
	}
	a.db.Delete(pk)
}

func (a *adapterImpl) BulkDelete(ctx context.Context, table string, keys []any) {
	if !a.ready(ctx, "bulkDelete", table) {
		return
	}
	for _, key := range keys {
		pk, err := a.physicalKey(table, key)
		if err != nil {
			a.fail("bulkDelete", table, err)
			continue
		}
		a.db.Delete(pk)
	}
}

func (a *adapterImpl) Clear(ctx context.Context, table string) {
	if !a.ready(ctx, "clear", table) {
		return
	}
	if _, err := a.opts.Schema.Lookup(table); err != nil {
		a.fail("clear", table, adapter.WrapError(adapter.RetCUnknownTable, table, err))
		return
	}
	for _, pk := range a.db.Keys(a.tablePrefix(table)) {
		a.db.Delete(pk)
	}
}

func (a *adapterImpl) Count(ctx context.Context, table string) int {
	return len(a.GetAll(ctx, table))
}

// Close writes the snapshot (if configured) and closes the engine.
func (a *adapterImpl) Close() error {
	var saveErr error
	if a.opts.SnapshotPath != "" {
		// an adapter that never loaded its snapshot must not overwrite it
		if saveErr = a.Connect(context.Background()); saveErr == nil {
			saveErr = a.saveSnapshot()
		}
	}
	return errors.Join(saveErr, a.db.Close())
}

// saveSnapshot writes to a temporary file and renames it into place
func (a *adapterImpl) saveSnapshot() error {
	tmp := a.opts.SnapshotPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "create snapshot", err)
	}
	if err := a.db.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return adapter.WrapError(adapter.RetCInternalError, "write snapshot", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return adapter.WrapError(adapter.RetCInternalError, "close snapshot", err)
	}
	if err := os.Rename(tmp, a.opts.SnapshotPath); err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "rename snapshot", err)
	}
	plog.Infof("saved %d entries to %s", a.db.Len(), a.opts.SnapshotPath)
	return nil
}

// Info returns the engine statistics (used by the CLI info command)
func (a *adapterImpl) Info() db.DatabaseInfo {
	return a.db.GetInfo()
}
