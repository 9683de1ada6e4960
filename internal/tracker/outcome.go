package tracker

import "example.com/runtracker/internal/domain"

// Outcome is what one check concluded for an entity.
type Outcome int

const (
	OutcomeUnavailable Outcome = iota
	OutcomeNotFound
	OutcomeNoData
	OutcomeNotNovel
	OutcomeOutOfSeason
	OutcomeDuplicate
	OutcomeUnroutable
	OutcomeNotified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNoData:
		return "no_data"
	case OutcomeNotNovel:
		return "not_novel"
	case OutcomeOutOfSeason:
		return "out_of_season"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnroutable:
		return "unroutable"
	case OutcomeNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Recorded reports whether the check committed a new run.
func (o Outcome) Recorded() bool {
	return o == OutcomeNotified || o == OutcomeUnroutable
}

// Result describes a finished check.
type Result struct {
	Outcome Outcome
	// Record is set whenever a novel in-season run was found.
	Record *domain.ActivityRecord
	// DestinationID is set when a notification was queued.
	DestinationID string
}
