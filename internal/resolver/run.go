package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/upstream"
)

const unknownDungeon = "Unknown Dungeon"

// Run is the typed view of one run document.
type Run struct {
	Doc                 upstream.Document
	ID                  domain.ActivityID
	Dungeon             string
	Level               int
	CompletedAtRaw      string
	CompletedAt         time.Time
	URL                 string
	Score               float64
	ClearTimeMs         int64
	ParTimeMs           int64
	NumChests           int
	NumKeystoneUpgrades int
	Timed               bool
}

// DecodeRun reads the typed fields of a run document. The identifier is the upstream id
// when present, otherwise a hash of dungeon, level and completion time.
func DecodeRun(doc upstream.Document) Run {
	run := Run{
		Doc:            doc,
		Dungeon:        dungeonName(doc),
		CompletedAtRaw: strings.TrimSpace(doc.String("completed_at")),
		URL:            doc.String("url"),
	}
	if level, ok := doc.Int64("mythic_level"); ok {
		run.Level = int(level)
	}
	if score, ok := doc.Float64("score"); ok {
		run.Score = score
	}
	run.ClearTimeMs, _ = doc.Int64("clear_time_ms")
	run.ParTimeMs, _ = doc.Int64("par_time_ms")
	if chests, ok := doc.Int64("num_chests"); ok {
		run.NumChests = int(chests)
	}
	if upgrades, ok := doc.Int64("num_keystone_upgrades"); ok {
		run.NumKeystoneUpgrades = int(upgrades)
	}
	run.CompletedAt, _ = parseTimestamp(run.CompletedAtRaw)
	run.Timed = timed(doc, run)

	if id, ok := upstream.RunID(doc); ok {
		run.ID = domain.ActivityID{Source: domain.IDSourceUpstream, Value: id}
	} else {
		run.ID = domain.ActivityID{Source: domain.IDSourceSynthetic, Value: SyntheticID(run.Dungeon, run.Level, run.CompletedAtRaw)}
	}
	return run
}

// SyntheticID derives a stable identifier for runs the upstream did not number.
func SyntheticID(activityType string, level int, completedAt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", activityType, level, completedAt)))
	return hex.EncodeToString(sum[:8])
}

// SelectLatest returns the run with the greatest completion time; on ties the first run
// seen wins. Runs without a timestamp are discarded. Timestamps that do not parse are only
// used when no run has a parseable one, and are then ordered as raw strings with a zero
// CompletedAt, so such a run is novel only against an empty marker or by identifier.
func SelectLatest(activities []upstream.Document) (Run, bool) {
	var (
		best, unparsed Run
		found, loose   bool
	)
	for _, doc := range activities {
		raw := strings.TrimSpace(doc.String("completed_at"))
		if raw == "" {
			continue
		}
		ts, ok := parseTimestamp(raw)
		if !ok {
			if !loose || raw > unparsed.CompletedAtRaw {
				unparsed = DecodeRun(doc)
				loose = true
			}
			continue
		}
		if !found || ts.After(best.CompletedAt) {
			best = DecodeRun(doc)
			found = true
		}
	}
	if found {
		return best, true
	}
	if loose {
		timestampFallbacks.Inc()
	}
	return unparsed, loose
}

// IsNovel decides whether run is new for entity. Identifiers are only compared for
// equality; ordering comes from completion time. An entity with no marker treats any run
// as new.
func IsNovel(run Run, entity domain.TrackedEntity) bool {
	if !entity.LastSeen.ID.IsZero() && entity.LastSeen.ID == run.ID {
		return false
	}
	if entity.LastSeen.CompletedAt.IsZero() {
		return true
	}
	return run.CompletedAt.After(entity.LastSeen.CompletedAt)
}

// SeasonPolicy keeps only runs belonging to the tracked season.
type SeasonPolicy struct {
	Seasons upstream.Seasons
}

// Accept reports whether a run belongs to the current season. The URL is authoritative;
// otherwise the season the detail document was found under is used. A run whose season
// cannot be determined is accepted, since the profile only lists current runs.
func (p SeasonPolicy) Accept(run Run, resolvedSeason string) bool {
	if season, ok := p.Seasons.Infer(run.URL); ok {
		return p.Seasons.IsCurrent(season)
	}
	if resolvedSeason != "" {
		return p.Seasons.IsCurrent(resolvedSeason)
	}
	return true
}

// RejectsByURL reports whether the run URL alone places it outside the current season, so
// no detail fetch is needed to skip it.
func (p SeasonPolicy) RejectsByURL(run Run) bool {
	season, ok := p.Seasons.Infer(run.URL)
	return ok && !p.Seasons.IsCurrent(season)
}

// ToRecord builds the record stored for a novel run. Identity and completion time come from
// the selected candidate; descriptive fields come from the enriched document.
func ToRecord(candidate Run, enriched upstream.Enrichment, entity domain.TrackedEntity, now time.Time) (domain.ActivityRecord, error) {
	doc := enriched.Run
	if doc == nil {
		doc = candidate.Doc
	}
	detail := DecodeRun(doc)
	raw, err := doc.Marshal()
	if err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("encode run detail: %w", err)
	}
	return domain.ActivityRecord{
		ID:              candidate.ID,
		EntityID:        entity.ID,
		TenantID:        entity.TenantID,
		ActivityType:    detail.Dungeon,
		DifficultyLevel: detail.Level,
		CompletedAt:     candidate.CompletedAt,
		WithinTimeLimit: detail.Timed,
		DurationMs:      detail.ClearTimeMs,
		ParTimeMs:       detail.ParTimeMs,
		Score:           detail.Score,
		SourceURL:       detail.URL,
		Season:          enriched.Season,
		RawDetail:       raw,
		RecordedAt:      now.UTC(),
	}, nil
}

func dungeonName(doc upstream.Document) string {
	if nested, ok := doc.Object("dungeon"); ok {
		if name := nested.String("name"); name != "" {
			return name
		}
		return unknownDungeon
	}
	if name := doc.String("dungeon"); name != "" {
		return name
	}
	return unknownDungeon
}

func timed(doc upstream.Document, run Run) bool {
	if within, ok := doc.Bool("is_completed_within_time"); ok {
		return within
	}
	if run.ClearTimeMs > 0 && run.ParTimeMs > 0 {
		return run.ClearTimeMs <= run.ParTimeMs
	}
	return run.NumKeystoneUpgrades > 0
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
