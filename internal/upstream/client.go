// Package upstream talks to the Raider.IO scoring API and owns the season fallback search
// used to enrich runs with detail documents.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
)

var (
	// ErrNotFound means the upstream service does not know the requested player.
	ErrNotFound = errors.New("upstream: not found")
	// ErrAbsent means a detail document does not exist for the requested season.
	ErrAbsent = errors.New("upstream: detail absent")
	// ErrUnavailable covers network failures, unexpected statuses and an open circuit.
	ErrUnavailable = errors.New("upstream: unavailable")
)

const maxBodyBytes = 8 << 20

// Config holds upstream client tunables.
type Config struct {
	BaseURL            string
	AccessKey          string
	Expansion          int
	Seasons            Seasons
	SeasonShortName    string
	RequestTimeout     time.Duration
	RatePerSecond      float64
	Burst              int
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithLogger overrides the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport sets the base transport cloned by every session. Intended for tests.
func WithTransport(rt *http.Transport) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

type response struct {
	status int
	body   []byte
}

// Client is shared process-wide. It carries the rate limiter and circuit breaker; the
// connections themselves belong to a Session.
type Client struct {
	cfg       Config
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[response]
	transport *http.Transport
	logger    zerolog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		transport: http.DefaultTransport.(*http.Transport),
		logger:    logging.WithComponent("upstream"),
	}
	for _, opt := range opts {
		opt(c)
	}

	maxFailures := cfg.BreakerMaxFailures
	c.breaker = gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "raiderio",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.Set(float64(to))
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream circuit state changed")
		},
	})
	return c
}

// Seasons returns the configured season list.
func (c *Client) Seasons() Seasons {
	return c.cfg.Seasons
}

// NewSession opens a connection scope. Callers must Close it when the pass or command ends.
func (c *Client) NewSession() *Session {
	transport := c.transport.Clone()
	s := &Session{
		client:    c,
		transport: transport,
		http:      &http.Client{Timeout: c.cfg.RequestTimeout, Transport: transport},
	}
	s.enricher = NewEnricher(c.cfg.Seasons, s, WithEnricherLogger(c.logger))
	openSessions.Inc()
	return s
}

// Session owns the HTTP connections used during one polling pass or one command.
// It is safe for concurrent use by the workers of that pass.
type Session struct {
	client    *Client
	transport *http.Transport
	http      *http.Client
	enricher  *Enricher
	closed    atomic.Bool
}

// Close releases idle connections. Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.transport.CloseIdleConnections()
	openSessions.Dec()
}

// FetchProfile loads a character profile with recent runs and current season scores.
func (s *Session) FetchProfile(ctx context.Context, identity domain.Identity) (Document, error) {
	params := url.Values{}
	params.Set("region", identity.Region)
	params.Set("realm", identity.Realm)
	params.Set("name", identity.Name)
	params.Set("fields", fmt.Sprintf("mythic_plus_recent_runs,mythic_plus_scores_by_season:%s", s.client.cfg.Seasons.Current))

	resp, err := s.get(ctx, endpointProfile, "/characters/profile", params)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.status == http.StatusNotFound || resp.status == http.StatusBadRequest:
		return nil, ErrNotFound
	case resp.status != http.StatusOK:
		return nil, fmt.Errorf("%w: profile status %d", ErrUnavailable, resp.status)
	}
	doc, err := ParseDocument(resp.body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", ErrUnavailable, err)
	}
	if len(doc) == 0 {
		return nil, ErrNotFound
	}
	return doc, nil
}

// FetchRunDetail loads one run's detail document under a season. A 404 or empty body
// yields ErrAbsent.
func (s *Session) FetchRunDetail(ctx context.Context, runID, season string) (Document, error) {
	params := url.Values{}
	params.Set("id", runID)
	params.Set("season", season)

	resp, err := s.get(ctx, endpointDetail, "/mythic-plus/run-details", params)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.status == http.StatusNotFound || resp.status == http.StatusBadRequest:
		return nil, ErrAbsent
	case resp.status != http.StatusOK:
		return nil, fmt.Errorf("%w: run detail status %d", ErrUnavailable, resp.status)
	}
	if len(strings.TrimSpace(string(resp.body))) == 0 {
		return nil, ErrAbsent
	}
	doc, err := ParseDocument(resp.body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode run detail: %v", ErrUnavailable, err)
	}
	if len(doc) == 0 {
		return nil, ErrAbsent
	}
	return doc, nil
}

// EnrichRun fills gaps in a profile run from its detail document.
func (s *Session) EnrichRun(ctx context.Context, run Document) Enrichment {
	return s.enricher.Enrich(ctx, run)
}

const (
	endpointProfile = "profile"
	endpointDetail  = "run_details"
	endpointStatic  = "static_data"
)

func (s *Session) get(ctx context.Context, endpoint, path string, params url.Values) (response, error) {
	if s.closed.Load() {
		return response{}, fmt.Errorf("%w: session closed", ErrUnavailable)
	}
	if s.client.cfg.AccessKey != "" {
		params.Set("access_key", s.client.cfg.AccessKey)
	}
	target := s.client.cfg.BaseURL + path + "?" + params.Encode()

	if err := s.client.limiter.Wait(ctx); err != nil {
		return response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := s.client.breaker.Execute(func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return response{}, err
		}
		req.Header.Set("Accept", "application/json")
		httpResp, err := s.http.Do(req)
		if err != nil {
			return response{}, err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return response{}, err
		}
		out := response{status: httpResp.StatusCode, body: body}
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return out, fmt.Errorf("status %d", httpResp.StatusCode)
		}
		return out, nil
	})
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		if resp.status != 0 {
			requestCounter.WithLabelValues(endpoint, strconv.Itoa(resp.status)).Inc()
			return resp, nil
		}
		requestCounter.WithLabelValues(endpoint, "error").Inc()
		return response{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	requestCounter.WithLabelValues(endpoint, strconv.Itoa(resp.status)).Inc()
	return resp, nil
}
