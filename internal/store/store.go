// Package store implements the durable property store: one SQLite database
// holding per-device property values and their metadata, with transactional
// writes serialized through a single writer per store instance.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/model"
)

// Store persists per-device properties and metadata. All writes are
// serialized by an internal mutex so a commit is atomic with respect to
// every other writer on the same instance.
type Store struct {
	db     *sql.DB
	wmu    sync.Mutex
	logger logging.Logger
}

// New wraps an already-opened and migrated database handle.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logging.OrDiscard(logger).Component("store")}
}

// Load returns the property map for id, or nil when the device has never
// been saved.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (model.PropertyMap, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value_json FROM properties WHERE device_id = ?", id.String())
	if err != nil {
		return nil, fmt.Errorf("load properties %s: %w", id, err)
	}
	defer rows.Close()

	var props model.PropertyMap
	for rows.Next() {
		var name, valueJSON string
		if err := rows.Scan(&name, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		if props == nil {
			props = model.PropertyMap{}
		}
		props[name] = decodeValue(valueJSON)
	}
	return props, rows.Err()
}

// LoadMetadata returns the metadata map for id, or nil when none exists.
func (s *Store) LoadMetadata(ctx context.Context, id uuid.UUID) (model.MetadataMap, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, editable, visible, display_name, description FROM metadata WHERE device_id = ?",
		id.String())
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", id, err)
	}
	defer rows.Close()

	var meta model.MetadataMap
	for rows.Next() {
		var name string
		var m model.PropMetadata
		if err := rows.Scan(&name, &m.Editable, &m.Visible, &m.DisplayName, &m.Description); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		if meta == nil {
			meta = model.MetadataMap{}
		}
		meta[name] = m
	}
	return meta, rows.Err()
}

// Save upserts props for id in its own transaction.
func (s *Store) Save(ctx context.Context, id uuid.UUID, props model.PropertyMap) error {
	return s.SaveWithMetadata(ctx, id, props, nil)
}

// SaveWithMetadata upserts props and, when meta is non-nil, the supplied
// metadata keys, in its own transaction. A nil meta never erases previously
// saved metadata for untouched keys.
func (s *Store) SaveWithMetadata(ctx context.Context, id uuid.UUID, props model.PropertyMap, meta model.MetadataMap) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.SaveWithMetadata(id, props, meta); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Begin opens a write transaction. The store's writer mutex is held until
// Commit or Rollback, serializing all writes through this instance.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	s.wmu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.wmu.Unlock()
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// Tx is a write transaction. Abandoning a Tx without Commit rolls it back;
// callers are expected to `defer tx.Rollback()` immediately after Begin.
type Tx struct {
	s    *Store
	tx   *sql.Tx
	done bool
}

// Save upserts props for id within the transaction.
func (t *Tx) Save(id uuid.UUID, props model.PropertyMap) error {
	return t.SaveWithMetadata(id, props, nil)
}

// SaveWithMetadata upserts props and the supplied metadata keys for id
// within the transaction. Metadata keys not present in meta are left
// untouched on disk.
func (t *Tx) SaveWithMetadata(id uuid.UUID, props model.PropertyMap, meta model.MetadataMap) error {
	if t.done {
		return fmt.Errorf("tx already finished")
	}

	if len(props) > 0 {
		stmt, err := t.tx.Prepare(upsertPropertySQL)
		if err != nil {
			return fmt.Errorf("prepare property upsert: %w", err)
		}
		defer stmt.Close()
		for name, value := range props {
			valueJSON, err := encodeValue(value)
			if err != nil {
				return fmt.Errorf("encode property %s/%s: %w", id, name, err)
			}
			if _, err := stmt.Exec(id.String(), name, valueJSON, nowNs()); err != nil {
				return fmt.Errorf("upsert property %s/%s: %w", id, name, err)
			}
		}
	}

	if len(meta) > 0 {
		stmt, err := t.tx.Prepare(upsertMetadataSQL)
		if err != nil {
			return fmt.Errorf("prepare metadata upsert: %w", err)
		}
		defer stmt.Close()
		for name, m := range meta {
			if _, err := stmt.Exec(id.String(), name, m.Editable, m.Visible, m.DisplayName, m.Description); err != nil {
				return fmt.Errorf("upsert metadata %s/%s: %w", id, name, err)
			}
		}
	}
	return nil
}

// Delete removes all rows for id within the transaction.
func (t *Tx) Delete(id uuid.UUID) error {
	if t.done {
		return fmt.Errorf("tx already finished")
	}
	if _, err := t.tx.Exec("DELETE FROM properties WHERE device_id = ?", id.String()); err != nil {
		return fmt.Errorf("delete properties %s: %w", id, err)
	}
	if _, err := t.tx.Exec("DELETE FROM metadata WHERE device_id = ?", id.String()); err != nil {
		return fmt.Errorf("delete metadata %s: %w", id, err)
	}
	return nil
}

// Commit makes the transaction's effect visible atomically and releases the
// writer mutex.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("tx already finished")
	}
	t.done = true
	defer t.s.wmu.Unlock()

	// The commit itself is not interruptible; a cancellation observed here
	// rolls back so no half-committed state is left behind.
	if err := ctx.Err(); err != nil {
		_ = t.tx.Rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback abandons the transaction. Safe to call after Commit; the first
// finisher wins.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.wmu.Unlock()
	return t.tx.Rollback()
}

const (
	upsertPropertySQL = `INSERT INTO properties (device_id, name, value_json, updated_at_ns)
	 VALUES (?, ?, ?, ?)
	 ON CONFLICT(device_id, name) DO UPDATE SET
		value_json    = excluded.value_json,
		updated_at_ns = excluded.updated_at_ns`

	upsertMetadataSQL = `INSERT INTO metadata (device_id, name, editable, visible, display_name, description)
	 VALUES (?, ?, ?, ?, ?, ?)
	 ON CONFLICT(device_id, name) DO UPDATE SET
		editable     = excluded.editable,
		visible      = excluded.visible,
		display_name = excluded.display_name,
		description  = excluded.description`
)
