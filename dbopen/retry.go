package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxRetries = 4

// IsBusy reports whether err is an SQLite BUSY/LOCKED condition that a
// retry can clear.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction. A BUSY failure rolls back and retries
// the whole function, so fn must not keep state across attempts.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxRetries {
		if err = runOnce(ctx, db, fn); err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if serr := sleepCtx(ctx, time.Duration(50<<i)*time.Millisecond); serr != nil {
			return fmt.Errorf("dbopen: retry cancelled: %w", serr)
		}
	}
	return fmt.Errorf("dbopen: RunTx: busy after %d attempts: %w", maxRetries, err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
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
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exec runs a single statement outside a transaction, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var (
		res sql.Result
		err error
	)
	for i := range maxRetries {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) {
			return res, err
		}
		if serr := sleepCtx(ctx, time.Duration(50<<i)*time.Millisecond); serr != nil {
			return nil, fmt.Errorf("dbopen: retry cancelled: %w", serr)
		}
	}
	return nil, fmt.Errorf("dbopen: Exec: busy after %d attempts: %w", maxRetries, err)
}
