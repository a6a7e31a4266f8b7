package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busy-retry policy: the store runs one writer against WAL readers, so
// lock contention resolves quickly. Attempts sleep 100/200 ms between
// tries before giving up.
const busyAttempts = 3

// IsBusy reports whether err is SQLite lock contention. modernc surfaces
// it as SQLITE_BUSY or one of the "locked" message forms.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retryBusy runs op under the busy-retry policy. Non-busy errors pass
// through on the first attempt.
func retryBusy(ctx context.Context, label string, op func() error) error {
	for i := range busyAttempts {
		err := op()
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == busyAttempts-1 {
			return err
		}
		pause := time.Duration(100*(i+1)) * time.Millisecond
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: %w", label, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("dbopen: %s: retries exhausted", label)
}

// RunTx executes fn inside a transaction, retrying the whole
// transaction when SQLite reports lock contention. fn must be safe to
// re-run.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement with busy retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
