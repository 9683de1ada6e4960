package domain

import (
	"fmt"
	"strings"
	"time"
)

// IDSource records where an activity identifier came from.
type IDSource string

const (
	IDSourceUpstream  IDSource = "upstream"
	IDSourceSynthetic IDSource = "synthetic"
)

// ActivityID is a tagged identifier. Identifiers are compared for equality only, never ordered.
type ActivityID struct {
	Source IDSource
	Value  string
}

// IsZero reports whether the identifier is unset.
func (id ActivityID) IsZero() bool {
	return id.Value == ""
}

func (id ActivityID) String() string {
	if id.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%s", id.Source, id.Value)
}

// Marker is the last activity observed for a tracked entity.
type Marker struct {
	ID          ActivityID
	CompletedAt time.Time
}

// IsZero reports whether no activity has been observed yet.
func (m Marker) IsZero() bool {
	return m.ID.IsZero() && m.CompletedAt.IsZero()
}

// Identity names a player on the upstream service.
type Identity struct {
	Name   string
	Realm  string
	Region string
}

var supportedRegions = map[string]struct{}{
	"us": {},
	"eu": {},
	"kr": {},
	"tw": {},
	"cn": {},
}

// Normalize lower-cases and trims every component.
func (i Identity) Normalize() Identity {
	return Identity{
		Name:   strings.ToLower(strings.TrimSpace(i.Name)),
		Realm:  strings.ToLower(strings.TrimSpace(i.Realm)),
		Region: strings.ToLower(strings.TrimSpace(i.Region)),
	}
}

// Validate checks a normalized identity.
func (i Identity) Validate() error {
	if i.Name == "" || i.Realm == "" {
		return ErrInvalidIdentity
	}
	if _, ok := supportedRegions[i.Region]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedRegion, i.Region)
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s-%s (%s)", i.Name, i.Realm, i.Region)
}

// TrackedEntity is a player identity tracked on behalf of one tenant.
type TrackedEntity struct {
	ID string
	Identity
	TenantID      string
	LastSeen      Marker
	LastCheckedAt time.Time
	CreatedAt     time.Time
}

// ActivityRecord is one recorded run. Immutable once written.
type ActivityRecord struct {
	ID              ActivityID
	EntityID        string
	TenantID        string
	ActivityType    string
	DifficultyLevel int
	CompletedAt     time.Time
	WithinTimeLimit bool
	DurationMs      int64
	ParTimeMs       int64
	Score           float64
	SourceURL       string
	Season          string
	RawDetail       []byte
	RecordedAt      time.Time
}

// Marker returns the marker an entity advances to once this record is stored.
func (r ActivityRecord) Marker() Marker {
	return Marker{ID: r.ID, CompletedAt: r.CompletedAt}
}

// DedupeKey identifies the record within its entity.
func (r ActivityRecord) DedupeKey() string {
	return fmt.Sprintf("%s:%s", r.EntityID, r.ID)
}

// TenantChannelBinding is the single notification destination configured by a tenant.
type TenantChannelBinding struct {
	TenantID      string
	DestinationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notification is a rendered message queued for delivery to a destination.
type Notification struct {
	TenantID      string
	DestinationID string
	Payload       []byte
}

// ActivityCommit groups the writes that must land together when a novel run is observed.
// Notification is nil when the run could not be routed.
type ActivityCommit struct {
	Record       ActivityRecord
	CheckedAt    time.Time
	Notification *Notification
}

// Cursor models the pagination token for tracked entity listings.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
