// Package eventstore implements the durable event store: events flagged for
// persistence are written before dispatch, failed deliveries are parked here
// for retry, and delivered rows are removed so an event is handed out at
// most once.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/store"
)

//go:embed migrations/events/*.sql
var migrationsFS embed.FS

// Store persists event envelopes in SQLite. Writes are serialized through a
// single writer mutex, same discipline as the property store.
type Store struct {
	db     *sql.DB
	wmu    sync.Mutex
	logger logging.Logger
}

// New wraps an already-opened and migrated database handle.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logging.OrDiscard(logger).Component("eventstore")}
}

// Bootstrap opens events.db under dataDir, applies migrations, and returns
// the ready store plus an io.Closer for the handle.
func Bootstrap(dataDir string, logger logging.Logger) (*Store, io.Closer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	db, err := store.OpenDB(filepath.Join(dataDir, "events.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open events.db: %w", err)
	}
	if err := store.MigrateFS(db, migrationsFS, "migrations/events", "event_schema_migrations"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate events.db: %w", err)
	}
	return New(db, logger), dbCloser{db}, nil
}

type dbCloser struct{ db *sql.DB }

func (c dbCloser) Close() error { return c.db.Close() }

// Persist stores ev with the given attempt count. Persisting an event that
// is already stored updates its attempt count and payload in place.
func (s *Store) Persist(ctx context.Context, ev *event.Event, attempts int) error {
	if ev == nil {
		return fmt.Errorf("persist: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("persist %s: encode: %w", ev.ID, err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (event_id, device_id, kind, priority, attempts, event_json, stored_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
			attempts     = excluded.attempts,
			event_json   = excluded.event_json,
			stored_at_ns = excluded.stored_at_ns`,
		ev.ID.String(), ev.DeviceID.String(), ev.Kind.String(),
		int(ev.Routing.Priority), attempts, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("persist %s: %w", ev.ID, err)
	}
	return nil
}

// RetrieveFailed claims the next stored event: highest priority first, FIFO
// within a priority. The row is deleted as part of the claim so concurrent
// retrievers never hand out the same event twice. ok is false when the
// store is empty.
func (s *Store) RetrieveFailed(ctx context.Context) (ev *event.Event, attempts int, ok bool, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("retrieve: begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var eventJSON string
	row := tx.QueryRowContext(ctx,
		"SELECT seq, attempts, event_json FROM events ORDER BY priority DESC, seq ASC LIMIT 1")
	if err := row.Scan(&seq, &attempts, &eventJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("retrieve: scan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE seq = ?", seq); err != nil {
		return nil, 0, false, fmt.Errorf("retrieve: claim seq %d: %w", seq, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("retrieve: commit: %w", err)
	}

	var decoded event.Event
	if err := json.Unmarshal([]byte(eventJSON), &decoded); err != nil {
		// The row is already claimed; dropping it is the only sane option
		// for a payload that no longer parses.
		s.logger.WithError(err).Warnf("dropping undecodable stored event (seq %d)", seq)
		return nil, 0, false, nil
	}
	decoded.Normalize()
	return &decoded, attempts, true, nil
}

// Delete removes the stored row for eventID, if any. Used after an event
// persisted ahead of dispatch has been fully delivered.
func (s *Store) Delete(ctx context.Context, eventID uuid.UUID) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE event_id = ?", eventID.String()); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Compact discards stored events older than maxAge or already retried at
// least maxAttempts times. Returns the number of rows removed.
func (s *Store) Compact(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()

	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE stored_at_ns < ? OR attempts >= ?", cutoff, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("compact events: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Infof("compacted %d stored events", removed)
	}
	return removed, nil
}
