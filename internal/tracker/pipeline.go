// Package tracker runs the per-entity check: fetch the profile, find the latest run, decide
// whether it is new, enrich it, route it and commit it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/notify"
	"example.com/runtracker/internal/resolver"
	"example.com/runtracker/internal/upstream"
)

// Session is the upstream surface a check needs. *upstream.Session satisfies it.
type Session interface {
	FetchProfile(ctx context.Context, identity domain.Identity) (upstream.Document, error)
	EnrichRun(ctx context.Context, run upstream.Document) upstream.Enrichment
}

// Store is the subset of domain.Repository a check writes to.
type Store interface {
	MarkChecked(ctx context.Context, tenantID, entityID string, at time.Time) error
	RecordActivity(ctx context.Context, commit domain.ActivityCommit) (bool, error)
}

// Router resolves where a tenant's notifications go. *notify.Router satisfies it.
type Router interface {
	Route(ctx context.Context, entity domain.TrackedEntity) (notify.Destination, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline checks one entity at a time. It holds no per-entity state and is safe for
// concurrent use.
type Pipeline struct {
	store    Store
	router   Router
	renderer notify.Renderer
	policy   resolver.SeasonPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPipeline constructs a Pipeline.
func NewPipeline(store Store, router Router, renderer notify.Renderer, policy resolver.SeasonPolicy, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		router:   router,
		renderer: renderer,
		policy:   policy,
		logger:   logging.WithComponent("tracker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs the pipeline for entity using session for upstream calls. Upstream trouble and
// runs that are not worth announcing end the check softly with lastCheckedAt advanced. An
// error is returned only when the result could not be persisted; lastCheckedAt is then left
// untouched.
func (p *Pipeline) Check(ctx context.Context, session Session, entity domain.TrackedEntity) (Result, error) {
	start := time.Now()
	defer func() { checkDuration.Observe(time.Since(start).Seconds()) }()

	logger := logging.Ctx(ctx, p.logger).With().
		Str("entity_id", entity.ID).
		Str("tenant_id", entity.TenantID).
		Str("player", entity.Identity.String()).
		Logger()

	result, err := p.check(ctx, session, entity, &logger)
	if err != nil {
		checkErrors.Inc()
		logger.Error().Err(err).Msg("check failed")
		return Result{}, err
	}
	checkCounter.WithLabelValues(result.Outcome.String()).Inc()
	logger.Debug().Str("outcome", result.Outcome.String()).Msg("check finished")
	return result, nil
}

func (p *Pipeline) check(ctx context.Context, session Session, entity domain.TrackedEntity, logger *zerolog.Logger) (Result, error) {
	profile, err := session.FetchProfile(ctx, entity.Identity)
	if err != nil {
		outcome := OutcomeUnavailable
		if errors.Is(err, upstream.ErrNotFound) {
			outcome = OutcomeNotFound
		}
		logger.Warn().Err(err).Msg("profile fetch failed")
		return p.markChecked(ctx, entity, outcome)
	}

	parsed := resolver.ParseActivities(profile)
	if len(parsed.Activities) == 0 {
		if parsed.Shape == resolver.ShapeUnrecognized {
			logger.Warn().Msg("profile carried no recognisable run list")
		}
		return p.markChecked(ctx, entity, OutcomeNoData)
	}

	candidate, ok := resolver.SelectLatest(parsed.Activities)
	if !ok {
		return p.markChecked(ctx, entity, OutcomeNoData)
	}
	if !resolver.IsNovel(candidate, entity) {
		return p.markChecked(ctx, entity, OutcomeNotNovel)
	}
	return p.commit(ctx, session, entity, profile, candidate, logger)
}

// Announce records and notifies the entity's latest run even when its marker already points
// at it, which is the case right after a baseline. A run that was stored before is reported
// as a duplicate and queues nothing.
func (p *Pipeline) Announce(ctx context.Context, session Session, entity domain.TrackedEntity) (Result, error) {
	logger := logging.Ctx(ctx, p.logger).With().
		Str("entity_id", entity.ID).
		Str("tenant_id", entity.TenantID).
		Str("player", entity.Identity.String()).
		Logger()

	profile, err := session.FetchProfile(ctx, entity.Identity)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return Result{Outcome: OutcomeNotFound}, nil
		}
		logger.Warn().Err(err).Msg("profile fetch failed")
		return Result{Outcome: OutcomeUnavailable}, nil
	}

	candidate, ok := resolver.SelectLatest(resolver.ParseActivities(profile).Activities)
	if !ok {
		return Result{Outcome: OutcomeNoData}, nil
	}
	result, err := p.commit(ctx, session, entity, profile, candidate, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("announce failed")
		return Result{}, err
	}
	checkCounter.WithLabelValues(result.Outcome.String()).Inc()
	return result, nil
}

func (p *Pipeline) commit(ctx context.Context, session Session, entity domain.TrackedEntity, profile upstream.Document, candidate resolver.Run, logger *zerolog.Logger) (Result, error) {
	if p.policy.RejectsByURL(candidate) {
		logger.Info().Str("run_id", candidate.ID.String()).Str("url", candidate.URL).Msg("skipping run outside the tracked season")
		return p.markChecked(ctx, entity, OutcomeOutOfSeason)
	}

	enriched := session.EnrichRun(ctx, candidate.Doc)
	if !p.policy.Accept(candidate, enriched.Season) {
		logger.Info().Str("run_id", candidate.ID.String()).Str("season", enriched.Season).Msg("skipping run outside the tracked season")
		return p.markChecked(ctx, entity, OutcomeOutOfSeason)
	}

	now := p.now().UTC()
	record, err := resolver.ToRecord(candidate, enriched, entity, now)
	if err != nil {
		return Result{}, err
	}

	commit := domain.ActivityCommit{Record: record, CheckedAt: now}
	dest, err := p.router.Route(ctx, entity)
	switch {
	case err == nil:
		msg := p.renderer.Render(notify.RenderInput{Entity: entity, Profile: profile, Run: enriched.Run})
		notification, buildErr := notify.BuildNotification(dest, entity, record, msg)
		if buildErr != nil {
			return Result{}, fmt.Errorf("build notification: %w", buildErr)
		}
		commit.Notification = notification
	case errors.Is(err, notify.ErrUnroutable):
	default:
		return Result{}, fmt.Errorf("route: %w", err)
	}

	inserted, err := p.store.RecordActivity(ctx, commit)
	if err != nil {
		return Result{}, fmt.Errorf("record run %s: %w", record.ID, err)
	}

	result := Result{Record: &record}
	switch {
	case !inserted:
		result.Outcome = OutcomeDuplicate
	case commit.Notification == nil:
		result.Outcome = OutcomeUnroutable
	default:
		result.Outcome = OutcomeNotified
		result.DestinationID = dest.DestinationID
		logger.Info().
			Str("run_id", record.ID.String()).
			Str("dungeon", record.ActivityType).
			Int("level", record.DifficultyLevel).
			Str("destination_id", dest.DestinationID).
			Msg("new run queued for notification")
	}
	return result, nil
}

func (p *Pipeline) markChecked(ctx context.Context, entity domain.TrackedEntity, outcome Outcome) (Result, error) {
	if err := p.store.MarkChecked(ctx, entity.TenantID, entity.ID, p.now().UTC()); err != nil {
		return Result{}, fmt.Errorf("mark checked: %w", err)
	}
	return Result{Outcome: outcome}, nil
}
