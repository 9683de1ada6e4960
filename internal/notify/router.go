// Package notify routes new runs to tenant destinations, renders the notification message
// and delivers it to the configured sink.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
)

// ErrUnroutable is returned when the owning tenant has no destination configured.
var ErrUnroutable = errors.New("notify: tenant has no destination")

// Destination is where a tenant's notifications are sent.
type Destination struct {
	TenantID      string
	DestinationID string
}

// BindingSource reads tenant destination bindings. A nil binding with no error means the
// tenant has not configured one.
type BindingSource interface {
	GetDestination(ctx context.Context, tenantID string) (*domain.TenantChannelBinding, error)
}

// Router resolves the destination for an entity from its own tenant's binding only.
type Router struct {
	bindings BindingSource
	logger   zerolog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger overrides the router logger.
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter builds a router over bindings.
func NewRouter(bindings BindingSource, opts ...RouterOption) *Router {
	r := &Router{bindings: bindings, logger: logging.WithComponent("router")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns the destination bound to entity.TenantID. There is no fallback to another
// tenant: a missing binding yields ErrUnroutable.
func (r *Router) Route(ctx context.Context, entity domain.TrackedEntity) (Destination, error) {
	if entity.TenantID == "" {
		r.unroutable(entity, "entity has no tenant")
		return Destination{}, ErrUnroutable
	}
	binding, err := r.bindings.GetDestination(ctx, entity.TenantID)
	if err != nil && !errors.Is(err, domain.ErrDestinationNotSet) {
		return Destination{}, fmt.Errorf("load destination for tenant %s: %w", entity.TenantID, err)
	}
	if binding == nil || binding.DestinationID == "" {
		r.unroutable(entity, "no destination configured")
		return Destination{}, ErrUnroutable
	}
	return Destination{TenantID: binding.TenantID, DestinationID: binding.DestinationID}, nil
}

func (r *Router) unroutable(entity domain.TrackedEntity, reason string) {
	unroutableTotal.WithLabelValues(entity.TenantID).Inc()
	r.logger.Warn().
		Str("tenant_id", entity.TenantID).
		Str("entity_id", entity.ID).
		Str("player", entity.Identity.String()).
		Msg(reason)
}
