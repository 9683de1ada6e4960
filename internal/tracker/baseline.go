package tracker

import (
	"context"
	"errors"
	"fmt"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/resolver"
	"example.com/runtracker/internal/upstream"
)

// SessionOpener opens an upstream session and returns the func that closes it.
type SessionOpener func() (Session, func())

// ClientSessions opens sessions on client.
func ClientSessions(client *upstream.Client) SessionOpener {
	return func() (Session, func()) {
		s := client.NewSession()
		return s, s.Close
	}
}

// Baseliner seeds a new entity's marker from the player's current latest run so tracking
// starts after the runs the player already has.
type Baseliner struct {
	open SessionOpener
}

// NewBaseliner constructs a Baseliner.
func NewBaseliner(open SessionOpener) *Baseliner {
	return &Baseliner{open: open}
}

var _ domain.Baseliner = (*Baseliner)(nil)

// Baseline confirms identity exists upstream and returns the marker of its latest run. A
// player without runs yields a zero marker.
func (b *Baseliner) Baseline(ctx context.Context, identity domain.Identity) (domain.Marker, error) {
	session, closeSession := b.open()
	defer closeSession()

	profile, err := session.FetchProfile(ctx, identity)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return domain.Marker{}, domain.ErrIdentityUnknown
		}
		return domain.Marker{}, fmt.Errorf("fetch profile: %w", err)
	}

	parsed := resolver.ParseActivities(profile)
	latest, ok := resolver.SelectLatest(parsed.Activities)
	if !ok {
		return domain.Marker{}, nil
	}
	return domain.Marker{ID: latest.ID, CompletedAt: latest.CompletedAt}, nil
}
