package metadata

import (
	"strings"
	"time"
)

// DefaultImageURL is used when no dungeon banner matches.
const DefaultImageURL = "https://cdnassets.raider.io/images/fb_app_image.jpg"

// Entry is the reference data kept for one dungeon.
type Entry struct {
	ID              int64  `json:"id"`
	ChallengeModeID int64  `json:"challenge_mode_id"`
	Slug            string `json:"slug"`
	ShortName       string `json:"short_name"`
	TimerBudgetMs   int64  `json:"timer_budget_ms"`
	IconURL         string `json:"icon_url"`
	ImageURL        string `json:"image_url"`
}

// Catalog is one fetch of reference data for a season.
type Catalog struct {
	PartitionKey string
	Entries      map[string]Entry
}

// Snapshot is an immutable view of the cache. The JSON layout is also the on-disk format.
type Snapshot struct {
	Entries      map[string]Entry `json:"dungeons"`
	RefreshedAt  time.Time        `json:"last_updated"`
	PartitionKey string           `json:"current_season"`
}

// IsZero reports whether the snapshot was never filled.
func (s Snapshot) IsZero() bool {
	return s.RefreshedAt.IsZero() && len(s.Entries) == 0
}

// Age returns how long ago the snapshot was refreshed.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.RefreshedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(s.RefreshedAt)
}

// Lookup finds an entry by exact name, then case-insensitively, then by substring in either
// direction. Map iteration is avoided for the fuzzy pass so results are stable.
func (s Snapshot) Lookup(name string) (Entry, bool) {
	if name == "" || len(s.Entries) == 0 {
		return Entry{}, false
	}
	if e, ok := s.Entries[name]; ok {
		return e, true
	}
	lowered := strings.ToLower(name)
	names := sortedNames(s.Entries)
	for _, candidate := range names {
		if strings.ToLower(candidate) == lowered {
			return s.Entries[candidate], true
		}
	}
	for _, candidate := range names {
		lc := strings.ToLower(candidate)
		if strings.Contains(lc, lowered) || strings.Contains(lowered, lc) {
			return s.Entries[candidate], true
		}
	}
	return Entry{}, false
}

// Image returns the banner for a dungeon or DefaultImageURL.
func (s Snapshot) Image(name string) string {
	if e, ok := s.Lookup(name); ok && e.ImageURL != "" {
		return e.ImageURL
	}
	return DefaultImageURL
}

// TimerBudget returns the keystone timer for a dungeon in milliseconds, or 0.
func (s Snapshot) TimerBudget(name string) int64 {
	if e, ok := s.Lookup(name); ok {
		return e.TimerBudgetMs
	}
	return 0
}

func (s Snapshot) clone() Snapshot {
	entries := make(map[string]Entry, len(s.Entries))
	for k, v := range s.Entries {
		entries[k] = v
	}
	s.Entries = entries
	return s
}
