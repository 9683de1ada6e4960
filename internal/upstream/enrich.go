package upstream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// DetailFetcher fetches a run detail document under a season.
type DetailFetcher interface {
	FetchRunDetail(ctx context.Context, runID, season string) (Document, error)
}

// Enrichment is the outcome of enriching one run.
type Enrichment struct {
	Run      Document
	Season   string
	Inferred bool
	Enriched bool
	Lookups  int
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithEnricherLogger overrides the enricher logger.
func WithEnricherLogger(logger zerolog.Logger) EnricherOption {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// Enricher runs the season fallback search for runs whose season is not known up front.
type Enricher struct {
	seasons Seasons
	fetcher DetailFetcher
	logger  zerolog.Logger
}

// NewEnricher constructs an Enricher.
func NewEnricher(seasons Seasons, fetcher DetailFetcher, opts ...EnricherOption) *Enricher {
	e := &Enricher{seasons: seasons, fetcher: fetcher, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID returns the natural identifier of a run: mythic_plus_id, else keystone_run_id.
func RunID(run Document) (string, bool) {
	for _, key := range []string{"mythic_plus_id", "keystone_run_id"} {
		if !run.Has(key) {
			continue
		}
		if id := run.String(key); id != "" {
			return id, true
		}
	}
	return "", false
}

// Enrich fetches the run's detail document and merges it into the run. When the season can
// be read from the run URL exactly one request is made; otherwise seasons are tried in
// order until one returns a document. Failures never surface: the run comes back unchanged.
func (e *Enricher) Enrich(ctx context.Context, run Document) Enrichment {
	result := Enrichment{Run: run}

	runID, ok := RunID(run)
	if !ok {
		return result
	}

	candidates := e.seasons.LookupOrder()
	if season, inferred := e.seasons.Infer(run.String("url")); inferred {
		candidates = []string{season}
		result.Season = season
		result.Inferred = true
	}

	for _, season := range candidates {
		result.Lookups++
		detail, err := e.fetcher.FetchRunDetail(ctx, runID, season)
		if err != nil {
			outcome := "absent"
			if !errors.Is(err, ErrAbsent) {
				outcome = "error"
			}
			lookupCounter.WithLabelValues(outcome).Inc()
			e.logger.Debug().Err(err).Str("run_id", runID).Str("season", season).Msg("run detail lookup missed")
			continue
		}
		lookupCounter.WithLabelValues("hit").Inc()
		result.Run = Merge(run, detail)
		result.Season = season
		result.Enriched = true
		return result
	}

	e.logger.Info().Str("run_id", runID).Int("lookups", result.Lookups).Msg("run detail unavailable in every season, keeping profile data")
	return result
}

// Merge fills gaps in base from detail. A base field that is present and non-empty is
// never overwritten.
func Merge(base, detail Document) Document {
	out := base.Clone()
	for key, value := range detail {
		if existing, ok := out[key]; ok && !IsEmptyValue(existing) {
			continue
		}
		if IsEmptyValue(value) {
			if _, ok := out[key]; ok {
				continue
			}
		}
		out[key] = value
	}
	return out
}
