// Package history is the audit trail behind the history verb and the
// panel's history endpoint: who joined and left, what was broadcast, and
// how every transfer job ended, persisted to SQLite. All writes funnel
// through a single goroutine; SQLite serializes writers anyway, so queuing
// them keeps the engine's hot paths from ever waiting on the disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"classcast/internal/feed"
)

// Store wraps the SQLite database.
type Store struct {
	db      *sql.DB
	writeCh chan writeOp

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type writeOp struct {
	op     func(*sql.DB) error
	result chan error
}

// Open creates or opens the history database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// writeLoop applies queued writes one at a time, retrying each once
// before giving up.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			err := op.op(s.db)
			if err != nil {
				log.Printf("history: write failed, retrying: %v", err)
				time.Sleep(time.Second)
				err = op.op(s.db)
			}
			if op.result != nil {
				op.result <- err
			} else if err != nil {
				log.Printf("history: write failed after retry: %v", err)
			}
		case <-s.shutdown:
			return
		}
	}
}

// enqueue hands a write to the writer goroutine without waiting for it.
// History is advisory; the engine never blocks on the disk.
func (s *Store) enqueue(op func(*sql.DB) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.writeCh <- writeOp{op: op}:
	default:
		log.Printf("history: write queue full, dropping record")
	}
}

// RecordEvent appends one event row.
func (s *Store) RecordEvent(at time.Time, kind, studentID, detail string) {
	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO events (at, kind, student_id, detail) VALUES (?, ?, ?, ?)`,
			at, kind, studentID, detail)
		return err
	})
}

// RecordTransfer upserts the latest state of one job, keyed by job ID so
// progress updates collapse into the terminal row.
func (s *Store) RecordTransfer(ev feed.Event) {
	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO transfers (job_id, direction, student_id, relative_path, total_size, transferred, status, error, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET
			   transferred = excluded.transferred,
			   status      = excluded.status,
			   error       = excluded.error,
			   updated_at  = excluded.updated_at`,
			ev.JobID, ev.Direction, ev.StudentID, ev.RelativePath,
			ev.TotalSize, ev.Transferred, ev.Status, ev.Error, ev.At)
		return err
	})
}

// Run subscribes the store to the feed and records until ctx is
// cancelled. This is the only coupling between the engine and the disk.
func (s *Store) Run(ctx context.Context, events *feed.Feed) {
	sub := events.Subscribe(128)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == feed.TransferUpdated {
				s.RecordTransfer(ev)
			} else {
				s.RecordEvent(ev.At, string(ev.Kind), ev.StudentID, ev.Detail)
			}
		}
	}
}

// EventRow is one recorded event.
type EventRow struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	StudentID string    `json:"student_id,omitempty"`
	Detail    string    `json:"detail"`
}

// TransferRow is the recorded final (or latest) state of one job.
type TransferRow struct {
	JobID        string    `json:"job_id"`
	Direction    string    `json:"direction"`
	StudentID    string    `json:"student_id"`
	RelativePath string    `json:"relative_path"`
	TotalSize    int64     `json:"total_size"`
	Transferred  int64     `json:"transferred"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RecentEvents returns up to limit events, newest first. Reads go
// straight to the pool; only writes are serialized.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, student_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.ID, &row.At, &row.Kind, &row.StudentID, &row.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecentTransfers returns up to limit transfer rows, newest first.
func (s *Store) RecentTransfers(ctx context.Context, limit int) ([]TransferRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, direction, student_id, relative_path, total_size, transferred, status, error, updated_at
		 FROM transfers ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var row TransferRow
		if err := rows.Scan(&row.JobID, &row.Direction, &row.StudentID, &row.RelativePath,
			&row.TotalSize, &row.Transferred, &row.Status, &row.Error, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Flush blocks until every write queued before the call has been applied.
// Tests and shutdown use it; the engine never does.
func (s *Store) Flush() error {
	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{op: func(*sql.DB) error { return nil }, result: result}:
		return <-result
	case <-s.shutdown:
		return fmt.Errorf("history store closed")
	}
}

// Close drains nothing: queued writes racing shutdown may be lost, which
// is acceptable for an audit trail. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}
