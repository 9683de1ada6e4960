// Package memory provides an in-process repository and outbox store for tests and
// single-node deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/observability"
	"example.com/runtracker/internal/outbox"
)

// Store implements domain.Repository and outbox.Store over maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	topic    string
	entities map[string]domain.TrackedEntity
	records  map[string]map[domain.ActivityID]domain.ActivityRecord
	bindings map[string]domain.TenantChannelBinding

	nextEventID int64
	pending     []outbox.Message
	published   []outbox.Message
	dlq         map[int64]string
	dedupe      map[string]struct{}
}

// NewStore constructs an empty Store. An empty topic uses outbox.DefaultTopic.
func NewStore(topic string) *Store {
	return &Store{
		topic:    topic,
		entities: make(map[string]domain.TrackedEntity),
		records:  make(map[string]map[domain.ActivityID]domain.ActivityRecord),
		bindings: make(map[string]domain.TenantChannelBinding),
		dlq:      make(map[int64]string),
		dedupe:   make(map[string]struct{}),
	}
}

var (
	_ domain.Repository = (*Store)(nil)
	_ outbox.Store      = (*Store)(nil)
)

func (s *Store) TrackEntity(_ context.Context, entity domain.TrackedEntity) (domain.TrackedEntity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entities {
		if existing.TenantID == entity.TenantID && existing.Identity == entity.Identity {
			return existing, false, nil
		}
	}
	s.entities[entity.ID] = entity
	return entity, true, nil
}

func (s *Store) UntrackEntity(_ context.Context, tenantID string, identity domain.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.entities {
		if existing.TenantID == tenantID && existing.Identity == identity {
			delete(s.entities, id)
			delete(s.records, id)
			return true, nil
		}
	}
	return false, nil
}

// ListEntities orders by creation time descending, matching the Postgres repository.
func (s *Store) ListEntities(_ context.Context, tenantID string, cursor *domain.Cursor, limit int) ([]domain.TrackedEntity, *domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.TrackedEntity
	for _, e := range s.entities {
		if e.TenantID == tenantID {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	results := make([]domain.TrackedEntity, 0, limit)
	for _, e := range matched {
		if cursor != nil && !before(e, *cursor) {
			continue
		}
		results = append(results, e)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

func before(e domain.TrackedEntity, c domain.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (s *Store) ListAllEntities(context.Context) ([]domain.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TrackedEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCheckedAt.Equal(out[j].LastCheckedAt) {
			return out[i].LastCheckedAt.Before(out[j].LastCheckedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetEntity(_ context.Context, tenantID, entityID string) (*domain.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) MarkChecked(_ context.Context, tenantID, entityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok || e.TenantID != tenantID {
		return domain.ErrEntityNotFound
	}
	e.LastCheckedAt = at
	s.entities[entityID] = e
	return nil
}

// RecordActivity applies the commit under the store lock so the record, marker and outbox row
// become visible together.
func (s *Store) RecordActivity(_ context.Context, commit domain.ActivityCommit) (bool, error) {
	record := commit.Record
	if record.RecordedAt.IsZero() {
		record.RecordedAt = commit.CheckedAt
	}

	var msg *outbox.Message
	if commit.Notification != nil {
		m, err := outbox.NewMessage(commit, s.topic)
		if err != nil {
			return false, err
		}
		msg = &m
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[record.EntityID]
	if !ok || e.TenantID != record.TenantID {
		return false, domain.ErrEntityNotFound
	}
	e.LastCheckedAt = commit.CheckedAt

	byID := s.records[record.EntityID]
	if byID == nil {
		byID = make(map[domain.ActivityID]domain.ActivityRecord)
		s.records[record.EntityID] = byID
	}
	_, exists := byID[record.ID]
	if !exists {
		byID[record.ID] = record
	}
	if e.LastSeen.CompletedAt.IsZero() || e.LastSeen.CompletedAt.Before(record.CompletedAt) {
		e.LastSeen = record.Marker()
	}
	s.entities[record.EntityID] = e

	if !exists && msg != nil {
		if _, dup := s.dedupe[msg.DedupeKey]; !dup {
			s.dedupe[msg.DedupeKey] = struct{}{}
			s.nextEventID++
			msg.EventID = s.nextEventID
			msg.CreatedAt = commit.CheckedAt
			s.pending = append(s.pending, *msg)
		}
	}
	observability.RecordRunPersisted(record.RecordedAt)
	return !exists, nil
}

func (s *Store) SetDestination(_ context.Context, binding domain.TenantChannelBinding) (domain.TenantChannelBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bindings[binding.TenantID]; ok {
		binding.CreatedAt = existing.CreatedAt
	}
	s.bindings[binding.TenantID] = binding
	return binding, nil
}

func (s *Store) GetDestination(_ context.Context, tenantID string) (*domain.TenantChannelBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[tenantID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// Records returns the stored runs for an entity.
func (s *Store) Records(entityID string) []domain.ActivityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActivityRecord, 0, len(s.records[entityID]))
	for _, r := range s.records[entityID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

// Claim hands out pending messages in insertion order. Claimed messages are not offered again.
func (s *Store) Claim(_ context.Context, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	out := append([]outbox.Message(nil), s.pending[:limit]...)
	s.pending = s.pending[limit:]
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, messages []outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, messages...)
	return nil
}

func (s *Store) MoveToDLQ(_ context.Context, msg outbox.Message, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq[msg.EventID] = reason
	return nil
}

// Pending returns messages not yet claimed.
func (s *Store) Pending() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Message(nil), s.pending...)
}

// DeadLettered returns the DLQ reasons keyed by event id.
func (s *Store) DeadLettered() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.dlq))
	for k, v := range s.dlq {
		out[k] = v
	}
	return out
}
