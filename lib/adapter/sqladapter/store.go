package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/expiry"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/goccy/go-json"
)

// --------------------------------------------------------------------------
// Physical layout
// --------------------------------------------------------------------------

// quoteIdent quotes a table or index name for SQLite
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal for SQLite
func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// fieldExpr returns the expression a secondary index on field is built on.
// Queries have to use exactly this expression for SQLite to pick the index.
func fieldExpr(field string) string {
	path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	return fmt.Sprintf("json_extract(doc, %s)", quoteLiteral(path))
}

// isObject is true for rows whose document decodes to a JSON object
const isObject = `(CASE WHEN json_valid(doc) THEN json_type(doc) = 'object' ELSE 0 END)`

// IndexName returns the name of the secondary index on field: {table}__{field}
func IndexName(table, field string) string {
	return table + "__" + field
}

// createTableStatements returns the idempotent DDL for one table.
// pk is declared without a type so keys keep their storage class
// (numbers sort before strings and numerically).
func createTableStatements(name string, t schema.Table) []string {
	stmts := []string{fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (pk PRIMARY KEY NOT NULL, doc TEXT NOT NULL, expires_at INTEGER)`,
		quoteIdent(name))}
	for _, field := range t.IndexFields {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			quoteIdent(IndexName(name, field)), quoteIdent(name), fieldExpr(field)))
	}
	return stmts
}

// --------------------------------------------------------------------------
// Store (one table inside a transaction)
// --------------------------------------------------------------------------

// Store is the handle of one table inside WithTransaction.
// It is only valid until fn returns and must not be shared between goroutines.
// Expired and corrupt rows found by reads are collected and evicted after the transaction.
type Store struct {
	ctx   context.Context
	tx    *sql.Tx
	name  string
	table schema.Table
	now   expiry.Clock

	expired []any
	corrupt []any
}

// Tx returns the native transaction, e.g. for statements the Store does not cover
func (s *Store) Tx() *sql.Tx {
	return s.tx
}

// decode parses a stored row. Corrupt rows and expired records are queued for
// eviction and reported as absent.
func (s *Store) decode(pk any, doc []byte) schema.Record {
	var stored schema.Record
	if err := json.Unmarshal(doc, &stored); err != nil || stored == nil {
		common.CorruptRecords(backend).Inc()
		plog.Warningf("dropping corrupt row %v in %s: %v", pk, s.name, err)
		s.corrupt = append(s.corrupt, pk)
		return nil
	}
	rec, _ := expiry.UnwrapWithExpiry(stored, s.now(), func() {
		s.expired = append(s.expired, pk)
	})
	return rec
}

// query runs a SELECT of (pk, doc) rows and decodes them in order
func (s *Store) query(query string, args ...any) ([]schema.Record, error) {
	rows, err := s.tx.QueryContext(s.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []schema.Record{}
	for rows.Next() {
		var (
			pk  any
			doc []byte
		)
		if err := rows.Scan(&pk, &doc); err != nil {
			return nil, err
		}
		if rec := s.decode(pk, doc); rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, rows.Err()
}

// Get returns the record stored under key or nil
func (s *Store) Get(key any) (schema.Record, error) {
	k, err := adapter.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = s.tx.QueryRowContext(s.ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE pk = ?`, quoteIdent(s.name)), k).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, adapter.WrapError(adapter.RetCInternalError, "select", err)
	}
	return s.decode(k, doc), nil
}

// All returns every non-expired record ordered by key
func (s *Store) All() ([]schema.Record, error) {
	recs, err := s.query(fmt.Sprintf(`SELECT pk, doc FROM %s ORDER BY pk`, quoteIdent(s.name)))
	if err != nil {
		return nil, adapter.WrapError(adapter.RetCInternalError, "select all", err)
	}
	return recs, nil
}

// FindByIndex returns the non-expired records whose field equals value
func (s *Store) FindByIndex(field string, value any) ([]schema.Record, error) {
	arg := value
	switch v := value.(type) {
	case bool:
		// json_extract yields 1/0 for JSON booleans
		if v {
			arg = 1
		} else {
			arg = 0
		}
	default:
		if n, ok := schema.ToNumber(value); ok {
			arg = n
		}
	}
	recs, err := s.query(fmt.Sprintf(`SELECT pk, doc FROM %s WHERE %s = ? ORDER BY pk`,
		quoteIdent(s.name), fieldExpr(field)), arg)
	if err != nil {
		return nil, adapter.WrapError(adapter.RetCInternalError, "select by "+field, err)
	}
	return recs, nil
}

// Put inserts or replaces rec
func (s *Store) Put(rec schema.Record, ttl time.Duration) error {
	key, err := s.table.KeyOf(rec)
	if err != nil {
		return adapter.WrapError(adapter.RetCMissingKey, fmt.Sprintf("table %s requires field %q", s.name, s.table.KeyField), err)
	}

	stored := expiry.WrapWithExpiry(rec, ttl, s.now())
	doc, err := json.Marshal(stored)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "encode record", err)
	}

	var expiresAt sql.NullInt64
	if ms, ok := expiry.ExpiresAt(stored); ok {
		expiresAt = sql.NullInt64{Int64: ms, Valid: true}
	}

	_, err = s.tx.ExecContext(s.ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (pk, doc, expires_at) VALUES (?, ?, ?)`, quoteIdent(s.name)),
		key, string(doc), expiresAt)
	if err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "insert", err)
	}
	return nil
}

// Delete removes the record stored under key
func (s *Store) Delete(key any) error {
	k, err := adapter.NormalizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(s.ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quoteIdent(s.name)), k); err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "delete", err)
	}
	return nil
}

// Clear removes every record of the table
func (s *Store) Clear() error {
	if _, err := s.tx.ExecContext(s.ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(s.name))); err != nil {
		return adapter.WrapError(adapter.RetCInternalError, "clear", err)
	}
	return nil
}

// Count returns the number of live records, matching what All returns.
// Expired and corrupt rows are not counted and are queued for eviction.
func (s *Store) Count() (int, error) {
	now := s.now().UnixMilli()

	var n int
	err := s.tx.QueryRowContext(s.ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE (expires_at IS NULL OR expires_at > ?) AND %s`,
			quoteIdent(s.name), isObject), now).Scan(&n)
	if err != nil {
		return 0, adapter.WrapError(adapter.RetCInternalError, "count", err)
	}

	rows, err := s.tx.QueryContext(s.ctx,
		fmt.Sprintf(`SELECT pk, %s FROM %s WHERE (expires_at IS NOT NULL AND expires_at <= ?) OR NOT %s`,
			isObject, quoteIdent(s.name), isObject), now)
	if err != nil {
		return 0, adapter.WrapError(adapter.RetCInternalError, "select evictable", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pk    any
			valid bool
		)
		if err := rows.Scan(&pk, &valid); err != nil {
			return 0, adapter.WrapError(adapter.RetCInternalError, "select evictable", err)
		}
		if valid {
			s.expired = append(s.expired, pk)
		} else {
			common.CorruptRecords(backend).Inc()
			s.corrupt = append(s.corrupt, pk)
		}
	}
	return n, rows.Err()
}

// deleteIfExpired deletes key only if the stored row is still expired
func (s *Store) deleteIfExpired(key any) error {
	_, err := s.tx.ExecContext(s.ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND expires_at IS NOT NULL AND expires_at <= ?`, quoteIdent(s.name)),
		key, s.now().UnixMilli())
	return err
}

// deleteIfCorrupt deletes key only if the stored document is still not a JSON object
func (s *Store) deleteIfCorrupt(key any) error {
	_, err := s.tx.ExecContext(s.ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND NOT %s`, quoteIdent(s.name), isObject),
		key)
	return err
}
