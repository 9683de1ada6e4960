package notify

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/resolver"
	"example.com/runtracker/internal/upstream"
)

const (
	characterURLBase = "https://raider.io/characters"
	rosterMissing    = "*Group roster data not available for this run*"
)

// classColors maps a character class to its message colour.
var classColors = map[string]int{
	"Paladin":      0xF58CBA,
	"Priest":       0xFFFFFF,
	"Mage":         0x3FC7EB,
	"Druid":        0xFF7D0A,
	"Warrior":      0xC79C6E,
	"Evoker":       0x33937F,
	"Monk":         0x00FF96,
	"Demon Hunter": 0xA330C9,
	"Rogue":        0xFFF569,
	"Death Knight": 0xC41F3B,
	"Shaman":       0x0070DE,
	"Hunter":       0xABD473,
	"Warlock":      0x8787ED,
}

// MetadataSource serves dungeon reference data for a season.
type MetadataSource interface {
	Get(partitionKey string) metadata.Snapshot
}

// RenderInput is everything needed to describe one run.
type RenderInput struct {
	Entity  domain.TrackedEntity
	Profile upstream.Document
	Run     upstream.Document
}

// Renderer builds notification messages.
type Renderer struct {
	Metadata     MetadataSource
	Season       string
	DefaultColor int
}

// Render describes a run. Missing fields degrade to defaults; rendering never fails.
func (r Renderer) Render(in RenderInput) Message {
	run := resolver.DecodeRun(in.Run)
	profile := in.Profile
	if profile == nil {
		profile = upstream.Document{}
	}

	var snap metadata.Snapshot
	if r.Metadata != nil {
		snap = r.Metadata.Get(r.Season)
	}

	maxTime := run.ParTimeMs
	if maxTime <= 0 {
		maxTime = snap.TimerBudget(run.Dungeon)
	}

	msg := Message{
		Title:    levelLabel(run.Level, run.NumChests) + " " + run.Dungeon,
		URL:      run.URL,
		Color:    r.color(profile.String("class")),
		ImageURL: snap.Image(run.Dungeon),
		Author:   author(in.Entity.Identity, profile),
		Footer:   "Completed at " + run.CompletedAtRaw,
	}

	msg.Fields = append(msg.Fields,
		Field{Label: "Status", Value: status(run), Inline: true},
		Field{Label: "Level", Value: levelLabel(run.Level, run.NumChests), Inline: true},
		Field{Label: "Score", Value: fmt.Sprintf("%.1f", run.Score), Inline: true},
		Field{Label: "Time", Value: FormatDuration(run.ClearTimeMs), Inline: true},
		Field{Label: "Max Time", Value: FormatDuration(maxTime), Inline: true},
		Field{Label: "Difference", Value: FormatDifference(run.ClearTimeMs, maxTime), Inline: true},
	)

	if affixes := affixNames(in.Run); len(affixes) > 0 {
		msg.Fields = append(msg.Fields, Field{Label: "Affixes", Value: strings.Join(affixes, ", ")})
	}

	roster := decodeRoster(in.Run)
	if label, lines := r.members(roster, in.Entity.Identity, profile, in.Run); len(lines) > 0 {
		msg.Fields = append(msg.Fields, Field{Label: label, Value: strings.Join(lines, "\n")})
	}
	if deaths, ok := deathSummary(in.Run, roster); ok {
		msg.Fields = append(msg.Fields, Field{Label: "Deaths", Value: deaths})
	}
	return msg
}

func (r Renderer) color(class string) int {
	if c, ok := classColors[class]; ok {
		return c
	}
	return r.DefaultColor
}

// FormatDuration renders milliseconds as m:ss.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = -ms
	}
	total := ms / 1000
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// FormatDifference renders how far a clear time was under or over the limit.
func FormatDifference(clearMs, maxMs int64) string {
	diff := maxMs - clearMs
	if diff > 0 {
		return FormatDuration(diff) + " under"
	}
	return FormatDuration(diff) + " over"
}

func levelLabel(level, chests int) string {
	if chests <= 0 {
		return fmt.Sprintf("+%d", level)
	}
	return fmt.Sprintf("%d%s", level, strings.Repeat("+", chests))
}

func status(run resolver.Run) string {
	if !run.Timed {
		return "❌ Not Timed"
	}
	switch run.NumChests {
	case 1:
		return "✅ Timed (+1)"
	case 2:
		return "✅ Timed (++2)"
	case 3:
		return "✅ Timed (+++3)"
	default:
		return "✅ Timed"
	}
}

func author(id domain.Identity, profile upstream.Document) Author {
	name := firstNonEmpty(profile.String("name"), id.Name, "Unknown")
	realm := firstNonEmpty(profile.String("realm"), id.Realm, "Unknown")
	region := firstNonEmpty(id.Region, profile.String("region"), "us")
	return Author{
		Name: fmt.Sprintf("%s-%s completed a new run!", capitalize(name), capitalize(realm)),
		URL: fmt.Sprintf("%s/%s/%s/%s", characterURLBase, region,
			url.PathEscape(strings.ToLower(realm)), url.PathEscape(strings.ToLower(name))),
	}
}

func affixNames(run upstream.Document) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(run["affixes"], &items); err != nil {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &named); err == nil && named.Name != "" {
			names = append(names, named.Name)
			continue
		}
		var plain string
		if err := json.Unmarshal(item, &plain); err == nil && plain != "" {
			names = append(names, plain)
		}
	}
	return names
}

type rosterMember struct {
	Character struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Realm struct {
			Name string `json:"name"`
		} `json:"realm"`
		Spec struct {
			Name string `json:"name"`
			Role string `json:"role"`
		} `json:"spec"`
		Class struct {
			Name string `json:"name"`
		} `json:"class"`
		ScoresBySeason []seasonScore `json:"mythic_plus_scores_by_season"`
	} `json:"character"`
	Ranks *struct {
		Score float64 `json:"score"`
	} `json:"ranks"`
}

type seasonScore struct {
	Season string `json:"season"`
	Scores struct {
		All float64 `json:"all"`
	} `json:"scores"`
}

// decodeRoster keeps only members that decode cleanly.
func decodeRoster(run upstream.Document) []rosterMember {
	var items []json.RawMessage
	if err := json.Unmarshal(run["roster"], &items); err != nil {
		return nil
	}
	out := make([]rosterMember, 0, len(items))
	for _, item := range items {
		var m rosterMember
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

var roleOrder = []string{"tank", "healer", "dps", ""}

func roleIcon(role string) string {
	switch role {
	case "tank":
		return "🛡️"
	case "healer":
		return "💚"
	case "dps":
		return "⚔️"
	default:
		return "❓"
	}
}

func normalizeRole(role string) string {
	role = strings.ToLower(role)
	switch role {
	case "tank", "healer", "dps":
		return role
	default:
		return ""
	}
}

func (r Renderer) members(roster []rosterMember, id domain.Identity, profile, run upstream.Document) (string, []string) {
	byRole := map[string][]string{}

	if len(roster) > 0 {
		for _, m := range roster {
			c := m.Character
			role := normalizeRole(c.Spec.Role)
			score := "N/A"
			if m.Ranks != nil && m.Ranks.Score != 0 {
				score = fmt.Sprintf("%.1f", m.Ranks.Score)
			} else if s, ok := r.seasonScore(c.ScoresBySeason); ok {
				score = s
			}
			byRole[role] = append(byRole[role], fmt.Sprintf("%s **%s**-%s (%s %s) - %s",
				roleIcon(role),
				firstNonEmpty(c.Name, "Unknown"),
				firstNonEmpty(c.Realm.Name, "Unknown"),
				firstNonEmpty(c.Spec.Name, "Unknown"),
				firstNonEmpty(c.Class.Name, "Unknown"),
				score))
		}
	} else {
		role := normalizeRole(profile.String("active_spec_role"))
		score := "N/A"
		if v, ok := run.Float64("score"); ok {
			score = fmt.Sprintf("%.1f", v)
		} else {
			var seasons []seasonScore
			if err := json.Unmarshal(profile["mythic_plus_scores_by_season"], &seasons); err == nil {
				if s, ok := r.seasonScore(seasons); ok {
					score = s
				}
			}
		}
		byRole[role] = append(byRole[role], fmt.Sprintf("%s **%s**-%s (%s %s) - %s",
			roleIcon(role),
			firstNonEmpty(profile.String("name"), id.Name, "Unknown"),
			firstNonEmpty(profile.String("realm"), id.Realm, "Unknown"),
			firstNonEmpty(profile.String("active_spec_name"), "Unknown"),
			firstNonEmpty(profile.String("class"), "Unknown"),
			score))
	}

	var lines []string
	for _, role := range roleOrder {
		lines = append(lines, byRole[role]...)
	}
	if len(roster) > 1 {
		return "Group Members", lines
	}
	return "Tracked Player", append(lines, rosterMissing)
}

func (r Renderer) seasonScore(seasons []seasonScore) (string, bool) {
	for _, s := range seasons {
		if s.Season == r.Season {
			return fmt.Sprintf("%.1f", s.Scores.All), true
		}
	}
	return "", false
}

func deathSummary(run upstream.Document, roster []rosterMember) (string, bool) {
	details, ok := run.Object("logged_details")
	if !ok {
		return "", false
	}
	var deaths []struct {
		CharacterID int64 `json:"character_id"`
	}
	if raw, present := details["deaths"]; present {
		// malformed entries count toward the total but cannot be attributed
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			for _, item := range items {
				var d struct {
					CharacterID int64 `json:"character_id"`
				}
				_ = json.Unmarshal(item, &d)
				deaths = append(deaths, d)
			}
		}
	}
	if len(deaths) == 0 {
		return "No deaths 🎉", true
	}
	if len(roster) == 0 {
		return fmt.Sprintf("Total deaths: %d", len(deaths)), true
	}

	names := make(map[int64]string, len(roster))
	for _, m := range roster {
		if m.Character.ID != 0 {
			names[m.Character.ID] = firstNonEmpty(m.Character.Name, "Unknown")
		}
	}
	counts := map[string]int{}
	for _, d := range deaths {
		if name, ok := names[d.CharacterID]; ok {
			counts[name]++
		}
	}
	if len(counts) == 0 {
		return fmt.Sprintf("Total deaths: %d (players not identified)", len(deaths)), true
	}

	players := make([]string, 0, len(counts))
	for name := range counts {
		players = append(players, name)
	}
	sort.SliceStable(players, func(i, j int) bool {
		if counts[players[i]] != counts[players[j]] {
			return counts[players[i]] > counts[players[j]]
		}
		return players[i] < players[j]
	})

	lines := make([]string, 0, len(players)+1)
	for _, name := range players {
		lines = append(lines, fmt.Sprintf("%s: %d", name, counts[name]))
	}
	lines = append(lines, fmt.Sprintf("**Total: %d**", len(deaths)))
	return strings.Join(lines, "\n"), true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	lower := []rune(strings.ToLower(s))
	lower[0] = []rune(strings.ToUpper(string(lower[0])))[0]
	return string(lower)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
