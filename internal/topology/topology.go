// Package topology owns the directed connection graph between devices:
// CRUD over connections, source/target indexes for routing fan-out, and the
// per-connection condition language gating delivery.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/model"
	"github.com/sproutlab/sprout/internal/store"
)

// ReservedID is the well-known store entry the connection graph persists
// under.
var ReservedID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// connectionsProperty is the single property name on the reserved entry.
const connectionsProperty = "Connections"

// Connection is one directed edge. Immutable once handed to the service;
// Update replaces the stored value wholesale.
type Connection struct {
	ConnectionID   uuid.UUID      `json:"connectionId"`
	SourceID       uuid.UUID      `json:"sourceId"`
	TargetID       uuid.UUID      `json:"targetId"`
	ConnectionType string         `json:"connectionType"`
	Enabled        bool           `json:"enabled"`
	Condition      string         `json:"condition,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PropertyReader resolves a device property for condition evaluation.
type PropertyReader interface {
	ReadProperty(ctx context.Context, deviceID uuid.UUID, name string) (value any, ok bool, err error)
}

type cachedProp struct {
	value any
	ok    bool
}

// Service owns the connection graph. Reads are lock-free on the connection
// map; the index maps share one RWMutex.
type Service struct {
	store  *store.Store
	reader PropertyReader
	logger logging.Logger

	conns *xsync.Map[uuid.UUID, Connection]

	imu      sync.RWMutex
	bySource map[uuid.UUID][]uuid.UUID
	byTarget map[uuid.UUID][]uuid.UUID

	propCache otter.Cache[string, cachedProp]
}

// NewService builds a topology service persisting through st and resolving
// condition reads through reader.
func NewService(st *store.Store, reader PropertyReader, logger logging.Logger) *Service {
	cache, err := otter.MustBuilder[string, cachedProp](4096).
		Cost(func(_ string, _ cachedProp) uint32 { return 1 }).
		WithTTL(time.Second).
		Build()
	if err != nil {
		panic("topology: failed to create property cache: " + err.Error())
	}
	return &Service{
		store:     st,
		reader:    reader,
		logger:    logging.OrDiscard(logger).Component("topology"),
		conns:     xsync.NewMap[uuid.UUID, Connection](),
		bySource:  map[uuid.UUID][]uuid.UUID{},
		byTarget:  map[uuid.UUID][]uuid.UUID{},
		propCache: cache,
	}
}

// Initialize loads all persisted connections and rebuilds both indexes.
func (s *Service) Initialize(ctx context.Context) error {
	props, err := s.store.Load(ctx, ReservedID)
	if err != nil {
		return fmt.Errorf("topology: load connections: %w", err)
	}

	conns, err := decodeConnections(props[connectionsProperty])
	if err != nil {
		return fmt.Errorf("topology: decode connections: %w", err)
	}

	s.conns.Clear()
	s.imu.Lock()
	s.bySource = map[uuid.UUID][]uuid.UUID{}
	s.byTarget = map[uuid.UUID][]uuid.UUID{}
	for _, c := range conns {
		s.conns.Store(c.ConnectionID, c)
		s.bySource[c.SourceID] = append(s.bySource[c.SourceID], c.ConnectionID)
		s.byTarget[c.TargetID] = append(s.byTarget[c.TargetID], c.ConnectionID)
	}
	s.imu.Unlock()

	s.logger.Infof("loaded %d connections", len(conns))
	return nil
}

// Create adds c to the graph and persists. A zero ConnectionID gets a fresh
// one assigned; an id already present is rejected.
func (s *Service) Create(ctx context.Context, c Connection) (Connection, error) {
	if c.ConnectionID == uuid.Nil {
		c.ConnectionID = uuid.New()
	}
	if _, exists := s.conns.Load(c.ConnectionID); exists {
		return Connection{}, fmt.Errorf("topology: connection %s already exists", c.ConnectionID)
	}

	s.conns.Store(c.ConnectionID, c)
	s.imu.Lock()
	s.bySource[c.SourceID] = append(s.bySource[c.SourceID], c.ConnectionID)
	s.byTarget[c.TargetID] = append(s.byTarget[c.TargetID], c.ConnectionID)
	s.imu.Unlock()

	if err := s.persist(ctx); err != nil {
		return Connection{}, err
	}
	s.logger.Infof("connection %s created: %s -> %s (%s)", c.ConnectionID, c.SourceID, c.TargetID, c.ConnectionType)
	return c, nil
}

// Update replaces an existing connection, re-indexing if either endpoint
// changed, and persists.
func (s *Service) Update(ctx context.Context, c Connection) error {
	old, exists := s.conns.Load(c.ConnectionID)
	if !exists {
		return fmt.Errorf("topology: connection %s not found", c.ConnectionID)
	}

	s.conns.Store(c.ConnectionID, c)
	if old.SourceID != c.SourceID || old.TargetID != c.TargetID {
		s.imu.Lock()
		s.bySource[old.SourceID] = removeID(s.bySource[old.SourceID], c.ConnectionID)
		s.byTarget[old.TargetID] = removeID(s.byTarget[old.TargetID], c.ConnectionID)
		s.bySource[c.SourceID] = append(s.bySource[c.SourceID], c.ConnectionID)
		s.byTarget[c.TargetID] = append(s.byTarget[c.TargetID], c.ConnectionID)
		s.imu.Unlock()
	}
	return s.persist(ctx)
}

// Delete removes the connection and persists. Deleting an unknown id is a
// no-op.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	c, exists := s.conns.Load(id)
	if !exists {
		return nil
	}
	s.conns.Delete(id)
	s.imu.Lock()
	s.bySource[c.SourceID] = removeID(s.bySource[c.SourceID], id)
	s.byTarget[c.TargetID] = removeID(s.byTarget[c.TargetID], id)
	s.imu.Unlock()
	return s.persist(ctx)
}

// Get returns the connection by id.
func (s *Service) Get(id uuid.UUID) (Connection, bool) {
	return s.conns.Load(id)
}

// All returns a snapshot of every connection.
func (s *Service) All() []Connection {
	out := make([]Connection, 0, s.conns.Size())
	s.conns.Range(func(_ uuid.UUID, c Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ForSource returns the enabled connections from sourceID whose condition
// currently passes. Multiple connections over the same endpoint pair are
// evaluated independently.
func (s *Service) ForSource(ctx context.Context, sourceID uuid.UUID) []Connection {
	return s.passing(ctx, s.indexed(sourceID, true))
}

// ForTarget returns the enabled connections into targetID whose condition
// currently passes.
func (s *Service) ForTarget(ctx context.Context, targetID uuid.UUID) []Connection {
	return s.passing(ctx, s.indexed(targetID, false))
}

// Close releases the condition cache.
func (s *Service) Close() {
	s.propCache.Close()
}

func (s *Service) indexed(id uuid.UUID, bySource bool) []uuid.UUID {
	s.imu.RLock()
	defer s.imu.RUnlock()
	var ids []uuid.UUID
	if bySource {
		ids = s.bySource[id]
	} else {
		ids = s.byTarget[id]
	}
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out
}

func (s *Service) passing(ctx context.Context, ids []uuid.UUID) []Connection {
	var out []Connection
	for _, id := range ids {
		c, ok := s.conns.Load(id)
		if !ok || !c.Enabled {
			continue
		}
		if s.EvaluateCondition(ctx, c) {
			out = append(out, c)
		}
	}
	return out
}

// persist writes the full connection list under the reserved entry.
func (s *Service) persist(ctx context.Context) error {
	encoded, err := json.Marshal(s.All())
	if err != nil {
		return fmt.Errorf("topology: encode connections: %w", err)
	}
	err = s.store.Save(ctx, ReservedID, model.PropertyMap{connectionsProperty: json.RawMessage(encoded)})
	if err != nil {
		return fmt.Errorf("topology: persist connections: %w", err)
	}
	return nil
}

// decodeConnections handles the two shapes the stored value can take:
// absent, or the JSON-decoded []any the property store hands back.
func decodeConnections(raw any) ([]Connection, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var conns []Connection
	if err := json.Unmarshal(encoded, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
