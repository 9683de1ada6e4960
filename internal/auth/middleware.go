package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Middleware rejects requests that do not carry a valid bearer token and stores the
// parsed claims on the request context.
type Middleware struct {
	config    Config
	openPaths map[string]struct{}
}

// MiddlewareOption customises a Middleware.
type MiddlewareOption func(*Middleware)

// WithOpenPaths replaces the set of paths served without a token.
func WithOpenPaths(paths ...string) MiddlewareOption {
	return func(m *Middleware) {
		m.openPaths = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			m.openPaths[p] = struct{}{}
		}
	}
}

// NewMiddleware leaves /healthz and /metrics open unless WithOpenPaths says otherwise.
func NewMiddleware(cfg Config, opts ...MiddlewareOption) Middleware {
	m := Middleware{config: cfg}
	WithOpenPaths("/healthz", "/metrics")(&m)
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Wrap wraps an http.Handler with authentication.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := m.openPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := Parse(bearerToken(r), m.config)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// bearerToken returns "" when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(w http.ResponseWriter, err error) {
	detail := ErrInvalidToken.Error()
	if errors.Is(err, ErrMissingToken) {
		detail = ErrMissingToken.Error()
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="run-tracker"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": detail})
}
