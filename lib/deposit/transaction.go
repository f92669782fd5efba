package deposit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/schema"
)

// TxView holds the content of every table of a transaction. Entries can be read,
// modified, appended to or replaced. A table removed from the view is committed empty.
type TxView map[string][]schema.Record

// TransactionError is returned when the callback of Transaction fails.
// Nothing has been committed.
type TransactionError struct {
	Tables []string
	Cause  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction on [%s] failed: %v", strings.Join(e.Tables, ", "), e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// Transaction loads every table of tables into a TxView and passes it to fn.
// If fn returns nil every listed table is cleared and rewritten with the view's
// content, including tables fn did not touch. Records are written with ttl.
//
// If fn returns an error or panics nothing is written and a *TransactionError is returned.
// The same holds if a table can not be read, so a failed read never commits an empty table.
//
// Transactions are optimistic: two transactions on the same table race and the
// one committing last wins. The commit consists of several adapter calls and is
// not atomic as a whole.
func (d *Deposit) Transaction(ctx context.Context, tables []string, fn func(view TxView) error, ttl time.Duration) error {
	view := make(TxView, len(tables))
	for _, table := range tables {
		recs, err := d.load(ctx, table)
		if err != nil {
			common.Transactions("failed").Inc()
			return &TransactionError{Tables: tables, Cause: fmt.Errorf("load %s: %w", table, err)}
		}
		view[table] = recs
	}

	if err := runTx(view, fn); err != nil {
		common.Transactions("failed").Inc()
		plog.Debugf("transaction on %v failed: %v", tables, err)
		return &TransactionError{Tables: tables, Cause: err}
	}

	for _, table := range tables {
		d.adapter.Clear(ctx, table)
		if recs := view[table]; len(recs) > 0 {
			d.adapter.BulkPut(ctx, table, recs, ttl)
		}
	}
	common.Transactions("committed").Inc()
	return nil
}

// load reads a table for a transaction. Adapters without adapter.Loader can not
// report read failures, for them a failed read looks like an empty table.
func (d *Deposit) load(ctx context.Context, table string) ([]schema.Record, error) {
	if l, ok := d.adapter.(adapter.Loader); ok {
		return l.LoadAll(ctx, table)
	}
	return d.adapter.GetAll(ctx, table), nil
}

// runTx calls fn and turns a panic into an error
func runTx(view TxView, fn func(TxView) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(view)
}
