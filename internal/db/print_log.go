package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PrintLog struct {
	db *DB
}

func NewPrintLog(database *DB) *PrintLog {
	return &PrintLog{db: database}
}

func (l *PrintLog) Record(ctx context.Context, e *PrintLogEntry) error {
	result, err := l.db.ExecContext(ctx, InsertPrintLog,
		e.JobID, e.Filename, e.Printer, e.Copies, e.Orientation,
		e.Attempt, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record print attempt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get print log id: %w", err)
	}
	e.ID = id
	return nil
}

func (l *PrintLog) Recent(ctx context.Context, limit int) ([]*PrintLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, ListRecentPrintLog, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list print log: %w", err)
	}
	return scanPrintLog(rows)
}

func (l *PrintLog) ForJob(ctx context.Context, jobID int64) ([]*PrintLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, ListPrintLogByJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list print log for job %d: %w", jobID, err)
	}
	return scanPrintLog(rows)
}

// Prune removes entries older than the retention window and returns how many were deleted.
func (l *PrintLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format("2006-01-02 15:04:05")
	result, err := l.db.ExecContext(ctx, PrunePrintLog, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune print log: %w", err)
	}
	return result.RowsAffected()
}

func scanPrintLog(rows *sql.Rows) ([]*PrintLogEntry, error) {
	defer rows.Close()

	var entries []*PrintLogEntry
	for rows.Next() {
		e := &PrintLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.Filename, &e.Printer, &e.Copies, &e.Orientation,
			&e.Attempt, &e.Status, &e.Error, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan print log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
