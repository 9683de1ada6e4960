// Package api exposes the tracking operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/runtracker/internal/auth"
	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/persistence"
	"example.com/runtracker/internal/scheduler"
	"example.com/runtracker/internal/tracker"
	"example.com/runtracker/internal/upstream"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MetadataRefresher forces a reference data refresh. *metadata.Cache satisfies it.
type MetadataRefresher interface {
	Refresh(ctx context.Context, force bool) (metadata.Snapshot, error)
}

// Checks runs polling work on demand. *scheduler.Poller satisfies it.
type Checks interface {
	TriggerNow() bool
	CheckOne(ctx context.Context, tenantID, entityID string) (tracker.Result, error)
}

// Announcer tracks a player and announces their latest run. *tracker.Announcer satisfies it.
type Announcer interface {
	TrackAndAnnounce(ctx context.Context, input domain.TrackInput) (*domain.TrackedEntity, bool, tracker.Result, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetadata enables the metadata refresh endpoint.
func WithMetadata(m MetadataRefresher) Option {
	return func(h *Handler) {
		h.metadata = m
	}
}

// WithChecks enables the check endpoints.
func WithChecks(c Checks) Option {
	return func(h *Handler) {
		h.checks = c
	}
}

// WithAnnouncer enables POST /v1/tracked?announce=true.
func WithAnnouncer(a Announcer) Option {
	return func(h *Handler) {
		h.announcer = a
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service   *domain.Service
	metadata  MetadataRefresher
	checks    Checks
	announcer Announcer
	logger    zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logging.WithComponent("api")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var req TrackRequest
	if !h.decode(w, r, &req) {
		return
	}

	input := domain.TrackInput{
		TenantID: claims.TenantID,
		Name:     req.Name,
		Realm:    req.Realm,
		Region:   req.Region,
	}

	announce, _ := strconv.ParseBool(r.URL.Query().Get("announce"))
	if announce && h.announcer == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "announcer not configured")
		return
	}

	var (
		entity  *domain.TrackedEntity
		created bool
		result  tracker.Result
		err     error
	)
	if announce {
		entity, created, result, err = h.announcer.TrackAndAnnounce(r.Context(), input)
	} else {
		entity, created, err = h.service.Track(r.Context(), input)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logging.Ctx(r.Context(), h.logger).Info().
			Str("tenant_id", claims.TenantID).
			Str("entity_id", entity.ID).
			Str("player", entity.Identity.String()).
			Msg("tracking started")
	}
	resp := TrackResponse{Entity: toTrackedView(*entity), Created: created}
	if announce {
		announcement := toCheckResponse(result)
		resp.Announcement = &announcement
	}
	writeJSON(w, status, resp)
}

func (h *Handler) untrack(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var req TrackRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.service.Untrack(r.Context(), claims.TenantID, domain.Identity{Name: req.Name, Realm: req.Realm, Region: req.Region})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTracked(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entities, next, err := h.service.ListTracked(r.Context(), claims.TenantID, cursor, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	items := make([]TrackedView, 0, len(entities))
	for _, e := range entities {
		items = append(items, toTrackedView(e))
	}
	writeJSON(w, http.StatusOK, ListTrackedResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) getTracked(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	entity, err := h.service.GetTracked(r.Context(), claims.TenantID, chi.URLParam(r, "entityID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrackedView(*entity))
}

func (h *Handler) setDestination(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var req DestinationRequest
	if !h.decode(w, r, &req) {
		return
	}

	binding, err := h.service.SetDestination(r.Context(), claims.TenantID, req.DestinationID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDestinationView(*binding))
}

func (h *Handler) getDestination(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	binding, err := h.service.GetDestination(r.Context(), claims.TenantID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDestinationView(*binding))
}

func (h *Handler) refreshMetadata(w http.ResponseWriter, r *http.Request) {
	if h.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "metadata cache not configured")
		return
	}

	snap, err := h.metadata.Refresh(r.Context(), true)
	if err != nil {
		logging.Ctx(r.Context(), h.logger).Warn().Err(err).Msg("forced metadata refresh failed")
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, MetadataView{
		PartitionKey: snap.PartitionKey,
		RefreshedAt:  snap.RefreshedAt,
		Dungeons:     len(snap.Entries),
	})
}

func (h *Handler) runChecks(w http.ResponseWriter, r *http.Request) {
	if h.checks == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "poller not configured")
		return
	}

	var req CheckRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	if req.EntityID == "" {
		queued := h.checks.TriggerNow()
		writeJSON(w, http.StatusAccepted, CheckResponse{Queued: queued})
		return
	}

	claims, _ := auth.FromContext(r.Context())
	result, err := h.checks.CheckOne(r.Context(), claims.TenantID, req.EntityID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckResponse(result))
}

func toCheckResponse(result tracker.Result) CheckResponse {
	resp := CheckResponse{Outcome: result.Outcome.String(), DestinationID: result.DestinationID}
	if result.Record != nil {
		resp.RunID = result.Record.ID.String()
	}
	return resp
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	if err := validateRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity),
		errors.Is(err, domain.ErrUnsupportedRegion),
		errors.Is(err, domain.ErrInvalidTenant),
		errors.Is(err, domain.ErrInvalidDestination):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrEntityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "tracked player not found")
	case errors.Is(err, domain.ErrDestinationNotSet):
		writeError(w, http.StatusNotFound, "not_found", "destination not configured")
	case errors.Is(err, domain.ErrIdentityUnknown):
		writeError(w, http.StatusUnprocessableEntity, "unknown_player", "player not found on raider.io")
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, upstream.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "raider.io is unavailable, try again later")
	default:
		logging.Ctx(r.Context(), h.logger).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// TrackRequest is the payload for POST and DELETE /v1/tracked.
type TrackRequest struct {
	Name   string `json:"name" validate:"required,max=64"`
	Realm  string `json:"realm" validate:"required,max=64"`
	Region string `json:"region" validate:"required,alpha,len=2"`
}

// DestinationRequest is the payload for PUT /v1/destination.
type DestinationRequest struct {
	DestinationID string `json:"destination_id" validate:"required,max=128"`
}

// CheckRequest is the optional payload for POST /v1/admin/checks. Without an entity id a
// full pass is queued.
type CheckRequest struct {
	EntityID string `json:"entity_id" validate:"omitempty,uuid"`
}

// TrackedView exposes a tracked player.
type TrackedView struct {
	EntityID      string     `json:"entity_id"`
	Name          string     `json:"name"`
	Realm         string     `json:"realm"`
	Region        string     `json:"region"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_completed_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TrackResponse describes the result of a track call.
type TrackResponse struct {
	Entity  TrackedView `json:"entity"`
	Created bool        `json:"created"`
	// Announcement is set when the request asked for the latest run to be announced.
	Announcement *CheckResponse `json:"announcement,omitempty"`
}

// ListTrackedResponse packages list results.
type ListTrackedResponse struct {
	Items      []TrackedView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// DestinationView exposes a tenant binding.
type DestinationView struct {
	DestinationID string    `json:"destination_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetadataView summarises a refreshed snapshot.
type MetadataView struct {
	PartitionKey string    `json:"season"`
	RefreshedAt  time.Time `json:"refreshed_at"`
	Dungeons     int       `json:"dungeons"`
}

// CheckResponse reports either a queued pass or the outcome of a single check.
type CheckResponse struct {
	Queued        bool   `json:"queued,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toTrackedView(e domain.TrackedEntity) TrackedView {
	view := TrackedView{
		EntityID:  e.ID,
		Name:      e.Name,
		Realm:     e.Realm,
		Region:    e.Region,
		CreatedAt: e.CreatedAt,
	}
	if !e.LastSeen.ID.IsZero() {
		view.LastRunID = e.LastSeen.ID.String()
	}
	if !e.LastSeen.CompletedAt.IsZero() {
		at := e.LastSeen.CompletedAt
		view.LastRunAt = &at
	}
	if !e.LastCheckedAt.IsZero() {
		at := e.LastCheckedAt
		view.LastCheckedAt = &at
	}
	return view
}

func toDestinationView(b domain.TenantChannelBinding) DestinationView {
	return DestinationView{DestinationID: b.DestinationID, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt}
}
