// Package scheduler runs the periodic polling passes over every tracked entity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/observability"
	"example.com/runtracker/internal/tracker"
)

// ErrBusy is returned by CheckOne when the entity is already being checked.
var ErrBusy = errors.New("entity check already in progress")

// EntitySource lists the entities a pass visits.
type EntitySource interface {
	ListAllEntities(ctx context.Context) ([]domain.TrackedEntity, error)
	GetEntity(ctx context.Context, tenantID, entityID string) (*domain.TrackedEntity, error)
}

// Checker runs the pipeline for one entity. *tracker.Pipeline satisfies it.
type Checker interface {
	Check(ctx context.Context, session tracker.Session, entity domain.TrackedEntity) (tracker.Result, error)
}

// PassReport summarises one polling pass.
type PassReport struct {
	Scheduled  int
	Skipped    int
	Notified   int
	Unroutable int
	Failed     int
	Duration   time.Duration
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger overrides the poller logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithWorkers bounds how many entities are checked at once across all passes.
func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

// Poller starts a pass every interval. Passes may overlap; a shared semaphore bounds the
// number of concurrent checks and an entity still being checked is skipped by later passes.
type Poller struct {
	source   EntitySource
	checker  Checker
	open     tracker.SessionOpener
	interval time.Duration
	workers  int
	logger   zerolog.Logger

	sem      *semaphore.Weighted
	trigger  chan struct{}
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPoller constructs a Poller.
func NewPoller(source EntitySource, checker Checker, open tracker.SessionOpener, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	p := &Poller{
		source:   source,
		checker:  checker,
		open:     open,
		interval: interval,
		workers:  4,
		logger:   logging.WithComponent("scheduler"),
		trigger:  make(chan struct{}, 1),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.workers))
	return p
}

// Serve runs a pass immediately and then on every tick or trigger until ctx is cancelled.
// Checks already started are allowed to finish before Serve returns.
func (p *Poller) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var passes sync.WaitGroup
	defer passes.Wait()

	start := func() {
		passes.Add(1)
		go func() {
			defer passes.Done()
			if _, err := p.RunPass(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("polling pass failed")
			}
		}()
	}

	p.logger.Info().Dur("interval", p.interval).Int("workers", p.workers).Msg("poller started")
	start()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopping")
			return ctx.Err()
		case <-ticker.C:
			start()
		case <-p.trigger:
			start()
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (p *Poller) String() string { return "poller" }

// TriggerNow asks Serve to start a pass. It reports false when a request is already queued.
func (p *Poller) TriggerNow() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunPass checks every tracked entity once. The error is non-nil only when the entity list
// could not be loaded; per-entity failures are counted in the report.
func (p *Poller) RunPass(ctx context.Context) (PassReport, error) {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	logger := logging.Ctx(ctx, p.logger)
	start := time.Now()
	passCounter.Inc()

	var report PassReport
	entities, err := p.source.ListAllEntities(ctx)
	if err != nil {
		return report, fmt.Errorf("list tracked entities: %w", err)
	}
	if len(entities) == 0 {
		logger.Debug().Msg("no tracked entities")
		p.finish(&report, start)
		return report, nil
	}

	session, closeSession := p.open()
	defer closeSession()

	// Tasks outlive cancellation of the pass so a check is never cut off half way.
	taskCtx := context.WithoutCancel(ctx)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, entity := range entities {
		if !p.claim(entity.ID) {
			report.Skipped++
			skippedCounter.Inc()
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.release(entity.ID)
			logger.Info().Msg("pass interrupted, remaining entities left for the next pass")
			break
		}
		report.Scheduled++

		g.Go(func() error {
			defer p.sem.Release(1)
			defer p.release(entity.ID)

			result, err := p.checkSafely(taskCtx, session, entity)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
			case result.Outcome == tracker.OutcomeNotified:
				report.Notified++
			case result.Outcome == tracker.OutcomeUnroutable:
				report.Unroutable++
			}
			return nil
		})
	}
	_ = g.Wait()

	p.finish(&report, start)
	logger.Info().
		Int("scheduled", report.Scheduled).
		Int("skipped", report.Skipped).
		Int("notified", report.Notified).
		Int("unroutable", report.Unroutable).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("polling pass complete")
	return report, nil
}

// CheckOne runs the pipeline for a single entity outside the regular schedule.
func (p *Poller) CheckOne(ctx context.Context, tenantID, entityID string) (tracker.Result, error) {
	entity, err := p.source.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		return tracker.Result{}, err
	}
	if entity == nil {
		return tracker.Result{}, domain.ErrEntityNotFound
	}
	if !p.claim(entity.ID) {
		return tracker.Result{}, ErrBusy
	}
	defer p.release(entity.ID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return tracker.Result{}, err
	}
	defer p.sem.Release(1)

	session, closeSession := p.open()
	defer closeSession()
	return p.checkSafely(logging.ContextWithNewCorrelationID(ctx), session, *entity)
}

func (p *Poller) checkSafely(ctx context.Context, session tracker.Session, entity domain.TrackedEntity) (result tracker.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicCounter.Inc()
			logging.Ctx(ctx, p.logger).Error().
				Str("entity_id", entity.ID).
				Interface("panic", r).
				Msg("entity check panicked")
			err = fmt.Errorf("check %s panicked: %v", entity.ID, r)
		}
	}()
	return p.checker.Check(ctx, session, entity)
}

func (p *Poller) claim(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[entityID]; busy {
		return false
	}
	p.inFlight[entityID] = struct{}{}
	inFlightGauge.Inc()
	return true
}

func (p *Poller) release(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[entityID]; ok {
		delete(p.inFlight, entityID)
		inFlightGauge.Dec()
	}
}

func (p *Poller) finish(report *PassReport, start time.Time) {
	report.Duration = time.Since(start)
	passDuration.Observe(report.Duration.Seconds())
	observability.RecordPassCompleted(time.Now())
}
