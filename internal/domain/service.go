// Package domain defines tracked entities, recorded runs and tenant bindings.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidIdentity is returned when a name or realm is missing.
	ErrInvalidIdentity = errors.New("name and realm are required")
	// ErrUnsupportedRegion is returned for regions the upstream service does not serve.
	ErrUnsupportedRegion = errors.New("unsupported region")
	// ErrInvalidTenant is returned when a tenant id is missing.
	ErrInvalidTenant = errors.New("tenant id is required")
	// ErrEntityNotFound is returned when a tracked entity cannot be located.
	ErrEntityNotFound = errors.New("tracked entity not found")
	// ErrIdentityUnknown is returned when the upstream service has no such player.
	ErrIdentityUnknown = errors.New("player not found upstream")
	// ErrDestinationNotSet is returned when a tenant has not configured a destination.
	ErrDestinationNotSet = errors.New("destination not configured")
	// ErrInvalidDestination is returned when a destination id is missing.
	ErrInvalidDestination = errors.New("destination id is required")
)

// Repository captures persistence operations for tracked entities, runs and bindings.
type Repository interface {
	TrackEntity(ctx context.Context, entity TrackedEntity) (TrackedEntity, bool, error)
	UntrackEntity(ctx context.Context, tenantID string, identity Identity) (bool, error)
	ListEntities(ctx context.Context, tenantID string, cursor *Cursor, limit int) ([]TrackedEntity, *Cursor, error)
	ListAllEntities(ctx context.Context) ([]TrackedEntity, error)
	GetEntity(ctx context.Context, tenantID, entityID string) (*TrackedEntity, error)
	MarkChecked(ctx context.Context, tenantID, entityID string, at time.Time) error
	RecordActivity(ctx context.Context, commit ActivityCommit) (bool, error)
	SetDestination(ctx context.Context, binding TenantChannelBinding) (TenantChannelBinding, error)
	GetDestination(ctx context.Context, tenantID string) (*TenantChannelBinding, error)
}

// Baseliner confirms an identity exists upstream and reports its most recent run,
// so that tracking starts after the runs a player already has.
type Baseliner interface {
	Baseline(ctx context.Context, identity Identity) (Marker, error)
}

// ServiceOption configures optional Service collaborators.
type ServiceOption func(*Service)

// WithBaseliner verifies identities and seeds markers on track.
func WithBaseliner(b Baseliner) ServiceOption {
	return func(s *Service) {
		s.baseliner = b
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// Service orchestrates the inbound tracking operations.
type Service struct {
	repo      Repository
	baseliner Baseliner
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackInput captures a tracking request.
type TrackInput struct {
	TenantID string
	Name     string
	Realm    string
	Region   string
}

// Track starts tracking an identity for a tenant. The boolean reports whether a new
// entity was created; tracking an already tracked identity returns the existing entity.
func (s *Service) Track(ctx context.Context, input TrackInput) (*TrackedEntity, bool, error) {
	tenantID := strings.TrimSpace(input.TenantID)
	if tenantID == "" {
		return nil, false, ErrInvalidTenant
	}
	identity := Identity{Name: input.Name, Realm: input.Realm, Region: input.Region}.Normalize()
	if err := identity.Validate(); err != nil {
		return nil, false, err
	}

	var marker Marker
	if s.baseliner != nil {
		m, err := s.baseliner.Baseline(ctx, identity)
		if err != nil {
			return nil, false, fmt.Errorf("baseline %s: %w", identity, err)
		}
		marker = m
	}

	now := s.now().UTC()
	entity := TrackedEntity{
		ID:        uuid.NewString(),
		Identity:  identity,
		TenantID:  tenantID,
		LastSeen:  marker,
		CreatedAt: now,
	}
	if !marker.IsZero() {
		entity.LastCheckedAt = now
	}

	stored, created, err := s.repo.TrackEntity(ctx, entity)
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// Untrack stops tracking an identity for a tenant.
func (s *Service) Untrack(ctx context.Context, tenantID string, identity Identity) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidTenant
	}
	identity = identity.Normalize()
	if err := identity.Validate(); err != nil {
		return err
	}
	removed, err := s.repo.UntrackEntity(ctx, tenantID, identity)
	if err != nil {
		return err
	}
	if !removed {
		return ErrEntityNotFound
	}
	return nil
}

// ListTracked returns a tenant's tracked entities with cursor pagination.
func (s *Service) ListTracked(ctx context.Context, tenantID string, cursor *Cursor, limit int) ([]TrackedEntity, *Cursor, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, nil, ErrInvalidTenant
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListEntities(ctx, tenantID, cursor, limit)
}

// GetTracked fetches one entity by id.
func (s *Service) GetTracked(ctx context.Context, tenantID, entityID string) (*TrackedEntity, error) {
	entity, err := s.repo.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, ErrEntityNotFound
	}
	return entity, nil
}

// SetDestination binds the tenant's notifications to a destination, replacing any prior binding.
func (s *Service) SetDestination(ctx context.Context, tenantID, destinationID string) (*TenantChannelBinding, error) {
	tenantID = strings.TrimSpace(tenantID)
	destinationID = strings.TrimSpace(destinationID)
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if destinationID == "" {
		return nil, ErrInvalidDestination
	}
	now := s.now().UTC()
	stored, err := s.repo.SetDestination(ctx, TenantChannelBinding{
		TenantID:      tenantID,
		DestinationID: destinationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetDestination returns the tenant's binding or ErrDestinationNotSet.
func (s *Service) GetDestination(ctx context.Context, tenantID string) (*TenantChannelBinding, error) {
	binding, err := s.repo.GetDestination(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		return nil, ErrDestinationNotSet
	}
	return binding, nil
}
