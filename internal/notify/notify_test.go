package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/events"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/upstream"
)

type stubBindings struct {
	bindings map[string]domain.TenantChannelBinding
	err      error
}

func (s stubBindings) GetDestination(_ context.Context, tenantID string) (*domain.TenantChannelBinding, error) {
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.bindings[tenantID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func TestRouteUsesOwningTenantOnly(t *testing.T) {
	router := NewRouter(stubBindings{bindings: map[string]domain.TenantChannelBinding{
		"guild-a": {TenantID: "guild-a", DestinationID: "chan-a"},
	}}, WithRouterLogger(logging.Nop()))

	dest, err := router.Route(context.Background(), domain.TrackedEntity{ID: "e1", TenantID: "guild-a"})
	require.NoError(t, err)
	require.Equal(t, "chan-a", dest.DestinationID)

	before := testutil.ToFloat64(unroutableTotal.WithLabelValues("guild-b"))
	_, err = router.Route(context.Background(), domain.TrackedEntity{ID: "e2", TenantID: "guild-b"})
	require.ErrorIs(t, err, ErrUnroutable)
	require.Equal(t, before+1, testutil.ToFloat64(unroutableTotal.WithLabelValues("guild-b")))
}

func TestRouteStoreErrorIsNotUnroutable(t *testing.T) {
	router := NewRouter(stubBindings{err: errors.New("db down")}, WithRouterLogger(logging.Nop()))
	_, err := router.Route(context.Background(), domain.TrackedEntity{TenantID: "guild-a"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnroutable)
}

func TestRouteDestinationNotSetIsUnroutable(t *testing.T) {
	router := NewRouter(stubBindings{err: domain.ErrDestinationNotSet}, WithRouterLogger(logging.Nop()))
	_, err := router.Route(context.Background(), domain.TrackedEntity{TenantID: "guild-a"})
	require.ErrorIs(t, err, ErrUnroutable)
}

type stubMetadata struct{ snap metadata.Snapshot }

func (s stubMetadata) Get(string) metadata.Snapshot { return s.snap }

func mustDoc(t *testing.T, raw string) upstream.Document {
	t.Helper()
	d, err := upstream.ParseDocument([]byte(raw))
	require.NoError(t, err)
	return d
}

func testRenderer() Renderer {
	return Renderer{
		Season:       "season-tww-3",
		DefaultColor: 0x00FF00,
		Metadata: stubMetadata{snap: metadata.Snapshot{
			PartitionKey: "season-tww-3",
			Entries: map[string]metadata.Entry{
				"Priory of the Sacred Flame": {TimerBudgetMs: 1950000, ImageURL: "https://img/priory.jpg"},
			},
		}},
	}
}

func TestRenderTimedRunWithRoster(t *testing.T) {
	run := mustDoc(t, `{
		"dungeon": {"name": "Priory of the Sacred Flame"},
		"mythic_level": 12,
		"num_chests": 2,
		"is_completed_within_time": true,
		"score": 312.44,
		"clear_time_ms": 1500000,
		"par_time_ms": 1950000,
		"url": "https://raider.io/mythic-plus-runs/season-tww-3/1",
		"completed_at": "2025-03-01T10:00:00.000Z",
		"affixes": [{"name": "Fortified"}, "Xal'atath's Bargain: Ascendant", {"id": 3}],
		"roster": [
			{"character": {"id": 1, "name": "Healz", "realm": {"name": "Area 52"}, "spec": {"name": "Holy", "role": "healer"}, "class": {"name": "Priest"}}, "ranks": {"score": 301.2}},
			{"character": {"id": 2, "name": "Tanky", "realm": {"name": "Area 52"}, "spec": {"name": "Protection", "role": "tank"}, "class": {"name": "Warrior"}}},
			{"character": {"id": 3, "name": "Zug", "realm": {"name": "Illidan"}, "spec": {"name": "Fury", "role": "dps"}, "class": {"name": "Warrior"},
				"mythic_plus_scores_by_season": [{"season": "season-tww-3", "scores": {"all": 2750.25}}]}}
		],
		"logged_details": {"deaths": [{"character_id": 3}, {"character_id": 1}, {"character_id": 3}, {"character_id": 99}]}
	}`)
	profile := mustDoc(t, `{"name": "Zug", "realm": "Illidan", "class": "Warrior"}`)
	entity := domain.TrackedEntity{Identity: domain.Identity{Name: "zug", Realm: "illidan", Region: "us"}}

	msg := testRenderer().Render(RenderInput{Entity: entity, Profile: profile, Run: run})

	require.Equal(t, "12++ Priory of the Sacred Flame", msg.Title)
	require.Equal(t, 0xC79C6E, msg.Color)
	require.Equal(t, "https://img/priory.jpg", msg.ImageURL)
	require.Equal(t, "Zug-Illidan completed a new run!", msg.Author.Name)
	require.Equal(t, "https://raider.io/characters/us/illidan/zug", msg.Author.URL)
	require.Equal(t, "Completed at 2025-03-01T10:00:00.000Z", msg.Footer)

	assertField(t, msg, "Status", "✅ Timed (++2)")
	assertField(t, msg, "Level", "12++")
	assertField(t, msg, "Score", "312.4")
	assertField(t, msg, "Time", "25:00")
	assertField(t, msg, "Max Time", "32:30")
	assertField(t, msg, "Difference", "7:30 under")
	assertField(t, msg, "Affixes", "Fortified, Xal'atath's Bargain: Ascendant")

	members, ok := msg.Field("Group Members")
	require.True(t, ok)
	lines := strings.Split(members, "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "🛡️ **Tanky**-Area 52 (Protection Warrior) - N/A", lines[0])
	require.Equal(t, "💚 **Healz**-Area 52 (Holy Priest) - 301.2", lines[1])
	require.Equal(t, "⚔️ **Zug**-Illidan (Fury Warrior) - 2750.2", lines[2])

	assertField(t, msg, "Deaths", "Zug: 2\nHealz: 1\n**Total: 4**")
}

func TestRenderUntimedWithoutRoster(t *testing.T) {
	run := mustDoc(t, `{
		"dungeon": "Priory of the Sacred Flame",
		"mythic_level": 15,
		"clear_time_ms": 2010000,
		"completed_at": "2025-03-01T10:00:00.000Z",
		"logged_details": {"deaths": [{"character_id": 7}]}
	}`)
	profile := mustDoc(t, `{"class": "Necromancer", "active_spec_name": "Bones", "active_spec_role": "DPS",
		"mythic_plus_scores_by_season": [{"season": "season-tww-3", "scores": {"all": 1999.99}}]}`)
	entity := domain.TrackedEntity{Identity: domain.Identity{Name: "thrall", Realm: "area 52", Region: "eu"}}

	msg := testRenderer().Render(RenderInput{Entity: entity, Profile: profile, Run: run})

	require.Equal(t, "+15 Priory of the Sacred Flame", msg.Title)
	require.Equal(t, 0x00FF00, msg.Color)
	require.Equal(t, "https://raider.io/characters/eu/area%2052/thrall", msg.Author.URL)
	assertField(t, msg, "Status", "❌ Not Timed")
	assertField(t, msg, "Max Time", "32:30")
	assertField(t, msg, "Difference", "1:00 over")
	assertField(t, msg, "Tracked Player", "⚔️ **thrall**-area 52 (Bones Necromancer) - 2000.0\n"+rosterMissing)
	assertField(t, msg, "Deaths", "Total deaths: 1")
	_, hasAffixes := msg.Field("Affixes")
	require.False(t, hasAffixes)
}

func TestRenderUnknownDungeonUsesDefaultBanner(t *testing.T) {
	msg := testRenderer().Render(RenderInput{Run: mustDoc(t, `{"mythic_level": 2}`)})
	require.Equal(t, "+2 Unknown Dungeon", msg.Title)
	require.Equal(t, metadata.DefaultImageURL, msg.ImageURL)
	_, hasDeaths := msg.Field("Deaths")
	require.False(t, hasDeaths)
}

func TestDeathSummaryVariants(t *testing.T) {
	none, ok := deathSummary(mustDoc(t, `{"logged_details": {"deaths": []}}`), nil)
	require.True(t, ok)
	require.Equal(t, "No deaths 🎉", none)

	roster := []rosterMember{{}}
	roster[0].Character.ID = 5
	roster[0].Character.Name = "Someone"
	unknown, ok := deathSummary(mustDoc(t, `{"logged_details": {"deaths": [{"character_id": 9}]}}`), roster)
	require.True(t, ok)
	require.Equal(t, "Total deaths: 1 (players not identified)", unknown)
}

func TestFormatting(t *testing.T) {
	require.Equal(t, "0:00", FormatDuration(0))
	require.Equal(t, "1:05", FormatDuration(65999))
	require.Equal(t, "0:00 over", FormatDifference(1000, 1000))
	require.Equal(t, "2:00 under", FormatDifference(60000, 180000))
}

func TestBuildNotificationPayload(t *testing.T) {
	entity := domain.TrackedEntity{ID: "e1", TenantID: "guild-a", Identity: domain.Identity{Name: "zug", Realm: "illidan", Region: "us"}}
	record := domain.ActivityRecord{
		ID:          domain.ActivityID{Source: domain.IDSourceUpstream, Value: "105"},
		CompletedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Season:      "season-tww-3",
	}
	n, err := BuildNotification(Destination{TenantID: "guild-a", DestinationID: "chan-a"}, entity, record, Message{Title: "+2 X"})
	require.NoError(t, err)
	require.Equal(t, "chan-a", n.DestinationID)

	evt, err := events.Decode(n.Payload)
	require.NoError(t, err)
	require.Equal(t, "105", evt.ActivityID)
	require.Equal(t, "upstream", evt.IDSource)
	require.Equal(t, events.RunCompletedVersion, evt.Version)
	require.JSONEq(t, `{"title":"+2 X","color":0,"author":{"name":""},"fields":null}`, string(evt.Message))
}

func TestWebhookSinkDelivers(t *testing.T) {
	var received webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "secret")
	err := sink.Deliver(context.Background(), events.RunCompleted{
		TenantID: "guild-a", DestinationID: "chan-a", EntityID: "e1", IDSource: "upstream", ActivityID: "105",
		Message: json.RawMessage(`{"title":"x"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "chan-a", received.DestinationID)
	require.Equal(t, "e1:upstream:105", received.EventKey)
}

func TestWebhookSinkStatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		rejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := NewWebhookSink(srv.URL, "").Deliver(context.Background(), events.RunCompleted{Message: json.RawMessage(`{}`)})
		srv.Close()
		require.Error(t, err)
		require.Equal(t, tc.rejected, errors.Is(err, ErrRejected), "status %d", tc.status)
	}
}

func assertField(t *testing.T, msg Message, label, want string) {
	t.Helper()
	got, ok := msg.Field(label)
	require.True(t, ok, "missing field %q", label)
	require.Equal(t, want, got)
}
