package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, nil)
}

func TestLoadUnknownDeviceReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	props, err := s.Load(ctx, uuid.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if props != nil {
		t.Fatalf("expected nil for unknown device, got %v", props)
	}
	meta, err := s.LoadMetadata(ctx, uuid.New())
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if meta != nil {
		t.Fatalf("expected nil metadata, got %v", meta)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	props := model.PropertyMap{
		"FlowRate": 50.0,
		"Name":     "pump-1",
		"Enabled":  true,
	}
	meta := model.MetadataMap{
		"FlowRate": {Editable: true, Visible: true, DisplayName: "Flow Rate", Description: "l/min"},
	}
	if err := s.SaveWithMetadata(ctx, id, props, meta); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["FlowRate"] != 50.0 || got["Name"] != "pump-1" || got["Enabled"] != true {
		t.Fatalf("round-trip mismatch: %v", got)
	}

	gotMeta, err := s.LoadMetadata(ctx, id)
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if gotMeta["FlowRate"] != meta["FlowRate"] {
		t.Fatalf("metadata round-trip mismatch: %+v", gotMeta["FlowRate"])
	}
}

func TestSaveNilMetadataPreservesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := s.SaveWithMetadata(ctx, id,
		model.PropertyMap{"FlowRate": 50.0},
		model.MetadataMap{"FlowRate": {Editable: true, Visible: true, DisplayName: "Flow Rate"}},
	); err != nil {
		t.Fatalf("first save: %v", err)
	}

	if err := s.Save(ctx, id, model.PropertyMap{"FlowRate": 75.0}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	meta, err := s.LoadMetadata(ctx, id)
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if meta["FlowRate"].DisplayName != "Flow Rate" {
		t.Fatalf("metadata dropped by nil-metadata save: %+v", meta)
	}
}

func TestMetadataUntouchedKeysSurviveBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := s.SaveWithMetadata(ctx, id,
		model.PropertyMap{"FlowRate": 50.0},
		model.MetadataMap{"FlowRate": {Editable: true, Visible: true, DisplayName: "Flow Rate"}},
	); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.SaveWithMetadata(ctx, id,
		model.PropertyMap{"CurrentFlowRate": 42.0},
		model.MetadataMap{"CurrentFlowRate": {Editable: false, Visible: true, DisplayName: "Current Flow Rate"}},
	); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	meta, err := s.LoadMetadata(ctx, id)
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if meta["FlowRate"].DisplayName != "Flow Rate" {
		t.Fatalf("FlowRate metadata lost: %+v", meta)
	}
	if meta["CurrentFlowRate"].DisplayName != "Current Flow Rate" {
		t.Fatalf("CurrentFlowRate metadata wrong: %+v", meta)
	}
}

func TestTxRollbackLeavesNoTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Save(id, model.PropertyMap{"FlowRate": 50.0}); err != nil {
		t.Fatalf("tx save: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	props, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if props != nil {
		t.Fatalf("rolled-back write visible: %v", props)
	}
}

func TestTxCommitAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := tx.Save(a, model.PropertyMap{"X": 1.0}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := tx.Save(b, model.PropertyMap{"Y": 2.0}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for _, id := range []uuid.UUID{a, b} {
		props, err := s.Load(ctx, id)
		if err != nil || props == nil {
			t.Fatalf("device %s missing after commit: %v, %v", id, props, err)
		}
	}
}

func TestTxDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := s.SaveWithMetadata(ctx, id,
		model.PropertyMap{"X": 1.0},
		model.MetadataMap{"X": {Editable: true, Visible: true, DisplayName: "X"}},
	); err != nil {
		t.Fatalf("save: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := tx.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	props, _ := s.Load(ctx, id)
	meta, _ := s.LoadMetadata(ctx, id)
	if props != nil || meta != nil {
		t.Fatalf("delete left rows behind: %v / %v", props, meta)
	}
}

func TestOpaqueValueSerialization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := s.Save(ctx, id, model.PropertyMap{"Weird": make(chan int)}); err != nil {
		t.Fatalf("save of unmarshalable value must not fail: %v", err)
	}
	props, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := props["Weird"].(string); !ok {
		t.Fatalf("opaque value should come back as string, got %T", props["Weird"])
	}
}

func TestBootstrapDir(t *testing.T) {
	dir := t.TempDir()
	db, closer, err := BootstrapDir(dir)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer closer.Close()

	s := New(db, nil)
	id := uuid.New()
	if err := s.Save(context.Background(), id, model.PropertyMap{"X": 1.0}); err != nil {
		t.Fatalf("save on bootstrapped db: %v", err)
	}
}
