package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/runtracker/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:            srv.URL,
		AccessKey:          "key-1",
		Expansion:          10,
		Seasons:            testSeasons,
		SeasonShortName:    "TWW3",
		RequestTimeout:     2 * time.Second,
		RatePerSecond:      1000,
		Burst:              100,
		BreakerMaxFailures: 100,
	})
}

func TestFetchProfileSendsFieldsAndParses(t *testing.T) {
	var query atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/characters/profile", r.URL.Path)
		query.Store(r.URL.Query())
		_, _ = w.Write([]byte(`{"name":"Thrall","class":"Shaman","mythic_plus_recent_runs":[]}`))
	}))
	session := client.NewSession()
	defer session.Close()

	doc, err := session.FetchProfile(context.Background(), domain.Identity{Name: "thrall", Realm: "draenor", Region: "eu"})
	require.NoError(t, err)
	require.Equal(t, "Shaman", doc.String("class"))

	q := query.Load().(url.Values)
	require.Equal(t, []string{"eu"}, q["region"])
	require.Equal(t, []string{"mythic_plus_recent_runs,mythic_plus_scores_by_season:season-tww-3"}, q["fields"])
	require.Equal(t, []string{"key-1"}, q["access_key"])
}

func TestFetchProfileStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrNotFound},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusForbidden, ErrUnavailable},
	}
	for _, tc := range cases {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		session := client.NewSession()
		_, err := session.FetchProfile(context.Background(), domain.Identity{Name: "a", Realm: "b", Region: "us"})
		session.Close()
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestFetchRunDetailAbsentVariants(t *testing.T) {
	bodies := map[string]string{
		"season-tww-3": "",
		"season-tww-2": "null",
		"season-tww-1": "{}",
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mythic-plus/run-details", r.URL.Path)
		season := r.URL.Query().Get("season")
		if season == "season-gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(bodies[season]))
	}))
	session := client.NewSession()
	defer session.Close()

	for _, season := range []string{"season-tww-3", "season-tww-2", "season-tww-1", "season-gone"} {
		_, err := session.FetchRunDetail(context.Background(), "11", season)
		require.ErrorIs(t, err, ErrAbsent, season)
	}
}

func TestSessionEnrichCountsRequests(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("season") != "season-tww-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"keystone_run_id": 31, "roster": [{"character": {"name": "Jaina"}}]}`))
	}))
	session := client.NewSession()
	defer session.Close()

	run := mustDoc(t, `{"keystone_run_id": 31}`)
	result := session.EnrichRun(context.Background(), run)

	require.True(t, result.Enriched)
	require.Equal(t, int32(3), calls.Load())
	require.True(t, result.Run.Has("roster"))
}

func TestClosedSessionRefusesRequests(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request made on closed session")
	}))
	session := client.NewSession()
	session.Close()
	session.Close()

	_, err := session.FetchRunDetail(context.Background(), "1", "season-tww-3")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:            srv.URL,
		Seasons:            testSeasons,
		RatePerSecond:      1000,
		Burst:              100,
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: time.Minute,
	})
	session := client.NewSession()
	defer session.Close()

	for i := 0; i < 4; i++ {
		_, err := session.FetchRunDetail(context.Background(), "1", "season-tww-3")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchCatalogSelectsSeason(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mythic-plus/static-data", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("expansion_id"))
		_, _ = w.Write([]byte(`{"seasons":[
			{"slug":"season-tww-2","short_name":"TWW2","dungeons":[{"name":"Old","keystone_timer_seconds":1800}]},
			{"slug":"season-tww-3","short_name":"TWW3","dungeons":[
				{"id":1,"challenge_mode_id":503,"slug":"ara-kara","name":"Ara-Kara, City of Echoes","short_name":"ARAK","keystone_timer_seconds":1800,"icon_url":"i","background_image_url":"https://img/ara.jpg"}
			]}
		]}`))
	}))

	catalog, err := client.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, "season-tww-3", catalog.PartitionKey)
	require.Len(t, catalog.Entries, 1)

	entry := catalog.Entries["Ara-Kara, City of Echoes"]
	require.Equal(t, int64(1800000), entry.TimerBudgetMs)
	require.Equal(t, "https://img/ara.jpg", entry.ImageURL)
}

func TestFetchCatalogKeysFallbackByTrackedSeason(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"seasons":[
			{"slug":"season-tww-3-live","short_name":"TWW3","dungeons":[{"name":"The Dawnbreaker","keystone_timer_seconds":2100}]}
		]}`))
	}))

	catalog, err := client.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, "season-tww-3", catalog.PartitionKey)
	require.Contains(t, catalog.Entries, "The Dawnbreaker")
}

func TestPickSeasonFallbacks(t *testing.T) {
	seasons := []staticSeason{{Slug: "a", ShortName: "A"}, {Slug: "b", ShortName: "B"}}

	got, ok := pickSeason(seasons, "missing", "B")
	require.True(t, ok)
	require.Equal(t, "b", got.Slug)

	got, ok = pickSeason(seasons, "missing", "missing")
	require.True(t, ok)
	require.Equal(t, "a", got.Slug)

	_, ok = pickSeason(nil, "a", "A")
	require.False(t, ok)
}
