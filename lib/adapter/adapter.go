package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/deposit/lib/schema"
)

// --------------------------------------------------------------------------
// Backend Kind (tagged variant)
// --------------------------------------------------------------------------

// Kind selects the backend implementation of an Adapter
type Kind string

const (
	KindKV  Kind = "kv"  // prefix-namespaced key-value backend (kvadapter)
	KindSQL Kind = "sql" // versioned, indexed SQLite backend (sqladapter)
)

// ParseKind converts a configuration value into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kv", "keyvalue", "key-value":
		return KindKV, nil
	case "sql", "sqlite", "indexed":
		return KindSQL, nil
	default:
		return "", fmt.Errorf("invalid backend %q: must be one of kv, sql", s)
	}
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Adapter is the storage contract both backends implement.
//
// Data methods never return errors: failures are logged, counted in the
// deposit_adapter_errors_total metric and answered with a zero value. Callers that
// need to tell "absent" apart from "failed" have to inspect the logs or metrics.
// Only Connect and Close report errors.
//
// A ttl of 0 means the record never expires, a negative ttl stores an already expired record.
type Adapter interface {
	// Kind reports which backend this adapter implements.
	Kind() Kind

	// Connect prepares the backend. Data methods connect lazily if needed.
	Connect(ctx context.Context) (err error)

	// Get returns the record stored under key, or def if it is absent, expired or unreadable.
	Get(ctx context.Context, table string, key any, def schema.Record) (rec schema.Record)

	// BulkGet returns the found, non-expired records in the order of keys.
	BulkGet(ctx context.Context, table string, keys []any) (recs []schema.Record)

	// GetAll returns every non-expired record and evicts the expired ones it encounters.
	GetAll(ctx context.Context, table string) (recs []schema.Record)

	// Put inserts or replaces rec, identified by the table's key field.
	Put(ctx context.Context, table string, rec schema.Record, ttl time.Duration)

	// BulkPut puts every record with the same ttl.
	BulkPut(ctx context.Context, table string, recs []schema.Record, ttl time.Duration)

	// Delete removes the record stored under key. Missing keys are ignored.
	Delete(ctx context.Context, table string, key any)

	// BulkDelete removes the records stored under keys.
	BulkDelete(ctx context.Context, table string, keys []any)

	// Clear removes every record of the table.
	Clear(ctx context.Context, table string)

	// Count returns the number of non-expired records.
	Count(ctx context.Context, table string) (n int)

	// Close releases the backend. Pending background work is finished first.
	Close() (err error)
}

// Loader is implemented by adapters that can read a whole table and report failures.
// Both backends implement it; GetAll is LoadAll with the error logged and swallowed.
type Loader interface {
	// LoadAll returns every non-expired record or the error that prevented reading them.
	LoadAll(ctx context.Context, table string) (recs []schema.Record, err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code (of type RetCode) and an error message.
// Two *Error values match with errors.Is if their codes are equal.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message
	Cause error   // Optional underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("AdapterError (code %s): %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("AdapterError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a new Error with the given code and message wrapping cause.
func WrapError(code RetCode, msg string, cause error) *Error {
	return &Error{
		Code:  code,
		Msg:   msg,
		Cause: cause,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess         RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                  // 1: Backend failure (I/O, driver, encoding).
	RetCUnknownTable                   // 2: Table is not part of the schema.
	RetCMissingKey                     // 3: Record has no value for the table's key field.
	RetCInvalidKey                     // 4: Key has a type that can not be stored.
	RetCCorruptData                    // 5: Stored data could not be decoded.
	RetCVersionError                   // 6: Stored version is newer than the configured one, or version < 1.
	RetCMigrationFailed                // 7: Migration callback failed, upgrade rolled back.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnknownTable:
		return "UnknownTable"
	case RetCMissingKey:
		return "MissingKey"
	case RetCInvalidKey:
		return "InvalidKey"
	case RetCCorruptData:
		return "CorruptData"
	case RetCVersionError:
		return "VersionError"
	case RetCMigrationFailed:
		return "MigrationFailed"
	default:
		return "Unknown"
	}
}

// Sentinel values for errors.Is checks
var (
	ErrUnknownTable    = NewError(RetCUnknownTable, "unknown table")
	ErrMissingKey      = NewError(RetCMissingKey, "missing key field")
	ErrInvalidKey      = NewError(RetCInvalidKey, "invalid key")
	ErrCorruptData     = NewError(RetCCorruptData, "corrupt data")
	ErrVersion         = NewError(RetCVersionError, "version error")
	ErrMigrationFailed = NewError(RetCMigrationFailed, "migration failed")
)

// --------------------------------------------------------------------------
// Helpers shared by the implementations
// --------------------------------------------------------------------------

// TableKey resolves the table schema and the normalized key of rec.
func TableKey(s schema.Schema, table string, rec schema.Record) (any, error) {
	t, err := s.Lookup(table)
	if err != nil {
		return nil, WrapError(RetCUnknownTable, table, err)
	}
	key, err := t.KeyOf(rec)
	if err != nil {
		return nil, WrapError(RetCMissingKey, fmt.Sprintf("table %s requires field %q", table, t.KeyField), err)
	}
	return key, nil
}

// NormalizeKey normalizes key and converts failures into RetCInvalidKey errors.
func NormalizeKey(key any) (any, error) {
	k, err := schema.NormalizeKey(key)
	if err != nil {
		return nil, WrapError(RetCInvalidKey, fmt.Sprintf("%v", key), err)
	}
	return k, nil
}
