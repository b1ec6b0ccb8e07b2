// Package sqlutil collects the small pieces of boilerplate every storage
// backend in palpo needs: preparing named statements, running a callback
// inside a transaction with retry-on-serialization-failure, and picking
// the right placeholder style for the two supported drivers.
package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
)

// A Statement is a single (target, SQL) pair to prepare.
type Statement struct {
	Target **sql.Stmt
	SQL    string
}

// StatementList is a batch of statements to prepare against one *sql.DB.
type StatementList []Statement

// Prepare prepares every statement in the list, stopping at the first error.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Target, err = db.Prepare(statement.SQL); err != nil {
			return pkgerrors.Wrapf(err, "sqlutil: preparing %q", statement.SQL)
		}
	}
	return nil
}

// TxStmt returns the statement bound to a transaction if txn is non-nil,
// otherwise the bare statement. Every storage method takes an optional
// *sql.Tx for exactly this reason: callers that need atomicity across
// several statements (e.g. persist + sequence allocation) open one
// transaction and thread it through.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back (and returning the original error) otherwise. Panics inside
// fn are converted into a rollback before repropagating.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			panic(r)
		}
	}()
	if err = fn(txn); err != nil {
		if rerr := txn.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("sqlutil: commit: %w", err)
	}
	return nil
}

// IsUniqueConstraintViolation reports whether err is a driver-specific
// unique/primary-key violation, used by the event store to treat a second
// persist() of the same event_id as a no-op rather than an error.
func IsUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// QueryVariadicP builds a "column IN ($1, $2, ...)" postgres placeholder
// list for a variable-length argument slice.
func QueryVariadicP(column string, n int, start int) (placeholder string, nextIdx int) {
	var b strings.Builder
	b.WriteString(column)
	b.WriteString(" IN (")
	for i := 0; i < n; i++ {
		if i != 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	b.WriteString(")")
	return b.String(), start + n
}

// QueryVariadic builds a "(?, ?, ...)" placeholder list for sqlite3-style
// queries with n arguments.
func QueryVariadic(n int) string {
	var b strings.Builder
	b.WriteString("(")
	for i := 0; i < n; i++ {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	return b.String()
}

// RetryableTxn retries fn a few times if it fails with a serialization
// error, which postgres can return under heavy concurrent writers to the
// sequence table.
func RetryableTxn(db *sql.DB, attempts int, fn func(txn *sql.Tx) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = WithTransaction(db, fn)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "40001" {
			time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return err
}

// Context key for carrying a shared transaction across helper calls without
// threading it through every function signature explicitly.
type txnCtxKey struct{}

// WithContextTxn attaches a transaction to a context for nested calls that
// accept a context but not a *sql.Tx parameter.
func WithContextTxn(ctx context.Context, txn *sql.Tx) context.Context {
	return context.WithValue(ctx, txnCtxKey{}, txn)
}

// TxnFromContext retrieves a transaction previously attached with
// WithContextTxn, or nil if none was attached.
func TxnFromContext(ctx context.Context) *sql.Tx {
	txn, _ := ctx.Value(txnCtxKey{}).(*sql.Tx)
	return txn
}
