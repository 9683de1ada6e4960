package tracker

import (
	"context"

	"example.com/runtracker/internal/domain"
)

// Tracker starts tracking a player. *domain.Service satisfies it.
type Tracker interface {
	Track(ctx context.Context, input domain.TrackInput) (*domain.TrackedEntity, bool, error)
}

// Announcer tracks a player and immediately queues a notification for their latest run,
// so a tenant sees a first result without waiting for the player's next run.
type Announcer struct {
	tracker  Tracker
	pipeline *Pipeline
	open     SessionOpener
}

// NewAnnouncer constructs an Announcer.
func NewAnnouncer(tracker Tracker, pipeline *Pipeline, open SessionOpener) *Announcer {
	return &Announcer{tracker: tracker, pipeline: pipeline, open: open}
}

// TrackAndAnnounce tracks input and announces the latest run. The entity stays tracked
// when the announcement cannot be made; the Result then says why.
func (a *Announcer) TrackAndAnnounce(ctx context.Context, input domain.TrackInput) (*domain.TrackedEntity, bool, Result, error) {
	entity, created, err := a.tracker.Track(ctx, input)
	if err != nil {
		return nil, false, Result{}, err
	}

	session, closeSession := a.open()
	defer closeSession()

	result, err := a.pipeline.Announce(ctx, session, *entity)
	if err != nil {
		return entity, created, Result{}, err
	}
	return entity, created, result, nil
}
