package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	archiveBatchSize    = 32
	archiveFlushEvery   = 5 * time.Second
	archivePendingLimit = 4096
)

// SQLiteArchive persists audit events to a SQLite database. Appends
// are buffered and flushed in batches so recording stays cheap on the
// hot path; Close flushes whatever remains.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Event

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// OpenSQLiteArchive opens (creating if needed) the archive database.
func OpenSQLiteArchive(path string, logger *slog.Logger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode and a busy timeout keep the writer from blocking
	// concurrent readers.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			seq           INTEGER PRIMARY KEY,
			timestamp     TEXT NOT NULL,
			work_order_id TEXT,
			type          TEXT NOT NULL,
			from_status   TEXT,
			to_status     TEXT,
			event         TEXT,
			details       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_work_order
			ON audit_events(work_order_id, seq);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	a := &SQLiteArchive{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Append buffers an event for archiving. When the buffer is saturated
// the oldest pending entries are dropped with a warning rather than
// blocking the caller.
func (a *SQLiteArchive) Append(e *Event) {
	a.mu.Lock()
	a.pending = append(a.pending, e)
	if len(a.pending) > archivePendingLimit {
		dropped := len(a.pending) - archivePendingLimit
		a.pending = a.pending[dropped:]
		a.logger.Warn("audit archive backlogged, dropping oldest pending events",
			"dropped", dropped)
	}
	flushNow := len(a.pending) >= archiveBatchSize
	a.mu.Unlock()

	if flushNow {
		a.flush()
	}
}

func (a *SQLiteArchive) flushLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(archiveFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			a.flush()
			return
		}
	}
}

func (a *SQLiteArchive) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := a.db.Begin()
	if err != nil {
		a.logger.Warn("audit archive flush failed", "error", err)
		return
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO audit_events
			(seq, timestamp, work_order_id, type, from_status, to_status, event, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		a.logger.Warn("audit archive prepare failed", "error", err)
		return
	}

	for _, e := range batch {
		details, _ := json.Marshal(e.Details)
		if _, err := stmt.Exec(
			e.Seq,
			e.Timestamp.Format(time.RFC3339Nano),
			e.WorkOrderID,
			string(e.Type),
			e.From,
			e.To,
			e.Event,
			string(details),
		); err != nil {
			a.logger.Warn("audit archive insert failed", "seq", e.Seq, "error", err)
		}
	}

	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		a.logger.Warn("audit archive commit failed", "error", err)
	}
}

// CountForWorkOrder reports how many archived events exist for a
// work order. Used by tests and the validate command.
func (a *SQLiteArchive) CountForWorkOrder(id string) (int, error) {
	var n int
	err := a.db.QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE work_order_id = ?`, id,
	).Scan(&n)
	return n, err
}

// Close flushes pending events and closes the database. Safe to call
// more than once.
func (a *SQLiteArchive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
		err = a.db.Close()
	})
	return err
}
