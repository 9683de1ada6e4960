package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/runtracker/internal/auth"
	"example.com/runtracker/internal/logging"
)

// NewRouter wires the handler's endpoints behind bearer authentication. /healthz and
// /metrics stay open.
func NewRouter(h *Handler, authCfg auth.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(h.accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(authCfg).Wrap)

		r.Route("/v1/tracked", func(r chi.Router) {
			r.With(requireScope(auth.ScopeTrackedWrite)).Post("/", h.track)
			r.With(requireScope(auth.ScopeTrackedWrite)).Delete("/", h.untrack)
			r.With(requireScope(auth.ScopeTrackedRead, auth.ScopeTrackedWrite)).Get("/", h.listTracked)
			r.With(requireScope(auth.ScopeTrackedRead, auth.ScopeTrackedWrite)).Get("/{entityID}", h.getTracked)
		})

		r.Route("/v1/destination", func(r chi.Router) {
			r.With(requireScope(auth.ScopeTrackedWrite)).Put("/", h.setDestination)
			r.With(requireScope(auth.ScopeTrackedRead, auth.ScopeTrackedWrite)).Get("/", h.getDestination)
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(requireScope(auth.ScopeAdmin))
			r.Post("/metadata/refresh", h.refreshMetadata)
			r.Post("/checks", h.runChecks)
		})
	})

	return r
}

// requireScope admits requests whose claims carry any of scopes.
func requireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			for _, scope := range scopes {
				if claims.HasScope(scope) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
		})
	}
}

// requestContext copies chi's request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		requestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		logging.Ctx(r.Context(), h.logger).Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("request served")
	})
}
