package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"example.com/runtracker/internal/auth"
	"example.com/runtracker/internal/domain"
	"example.com/runtracker/internal/logging"
	"example.com/runtracker/internal/metadata"
	"example.com/runtracker/internal/persistence/memory"
	"example.com/runtracker/internal/scheduler"
	"example.com/runtracker/internal/tracker"
	"example.com/runtracker/internal/upstream"
)

var authCfg = auth.Config{Secret: "test-secret", Issuer: "runtracker.test"}

type stubBaseliner struct {
	marker domain.Marker
	err    error
}

func (b stubBaseliner) Baseline(context.Context, domain.Identity) (domain.Marker, error) {
	return b.marker, b.err
}

type stubChecks struct {
	queued  bool
	result  tracker.Result
	err     error
	checked []string
}

func (c *stubChecks) TriggerNow() bool { return c.queued }

func (c *stubChecks) CheckOne(_ context.Context, tenantID, entityID string) (tracker.Result, error) {
	c.checked = append(c.checked, tenantID+"/"+entityID)
	return c.result, c.err
}

type stubAnnouncer struct {
	service *domain.Service
	result  tracker.Result
	inputs  []domain.TrackInput
}

func (a *stubAnnouncer) TrackAndAnnounce(ctx context.Context, input domain.TrackInput) (*domain.TrackedEntity, bool, tracker.Result, error) {
	a.inputs = append(a.inputs, input)
	entity, created, err := a.service.Track(ctx, input)
	if err != nil {
		return nil, false, tracker.Result{}, err
	}
	return entity, created, a.result, nil
}

type stubMetadata struct {
	snap metadata.Snapshot
	err  error
}

func (m stubMetadata) Refresh(context.Context, bool) (metadata.Snapshot, error) {
	return m.snap, m.err
}

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, baseliner domain.Baseliner, opts ...Option) *testServer {
	t.Helper()
	store := memory.NewStore("")
	serviceOpts := []domain.ServiceOption{domain.WithClock(func() time.Time {
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	})}
	if baseliner != nil {
		serviceOpts = append(serviceOpts, domain.WithBaseliner(baseliner))
	}
	service := domain.NewService(store, serviceOpts...)
	opts = append(opts, WithLogger(logging.Nop()))
	return &testServer{handler: NewRouter(NewHandler(service, opts...), authCfg), store: store}
}

func (s *testServer) do(t *testing.T, method, path, tenant string, scopes []string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if tenant != "" {
		token, err := auth.Issue(authCfg, "tester", tenant, scopes, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

var (
	writeScopes = []string{auth.ScopeTrackedWrite}
	readScopes  = []string{auth.ScopeTrackedRead}
	adminScopes = []string{auth.ScopeAdmin}
)

func TestTrackLifecycle(t *testing.T) {
	marker := domain.Marker{ID: domain.ActivityID{Source: domain.IDSourceUpstream, Value: "77"}, CompletedAt: time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)}
	srv := newTestServer(t, stubBaseliner{marker: marker})
	body := TrackRequest{Name: "Thrall", Realm: "Draenor", Region: "EU"}

	rr := srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", writeScopes, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created TrackResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.True(t, created.Created)
	require.Equal(t, "thrall", created.Entity.Name)
	require.Equal(t, "eu", created.Entity.Region)
	require.Equal(t, marker.ID.String(), created.Entity.LastRunID)

	rr = srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", writeScopes, body)
	require.Equal(t, http.StatusOK, rr.Code)
	var again TrackResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &again))
	require.False(t, again.Created)
	require.Equal(t, created.Entity.EntityID, again.Entity.EntityID)

	rr = srv.do(t, http.MethodGet, "/v1/tracked/"+created.Entity.EntityID, "guild-1", readScopes, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.do(t, http.MethodGet, "/v1/tracked/"+created.Entity.EntityID, "guild-2", readScopes, nil)
	require.Equal(t, http.StatusNotFound, rr.Code, "other tenants cannot see the entity")

	rr = srv.do(t, http.MethodDelete, "/v1/tracked", "guild-1", writeScopes, body)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = srv.do(t, http.MethodDelete, "/v1/tracked", "guild-1", writeScopes, body)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTrackWithAnnouncement(t *testing.T) {
	body := TrackRequest{Name: "Thrall", Realm: "Draenor", Region: "EU"}

	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rr := srv.do(t, http.MethodPost, "/v1/tracked?announce=true", "guild-1", writeScopes, body)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("announces latest run", func(t *testing.T) {
		record := domain.ActivityRecord{ID: domain.ActivityID{Source: domain.IDSourceUpstream, Value: "77"}}
		announcer := &stubAnnouncer{result: tracker.Result{Outcome: tracker.OutcomeNotified, Record: &record, DestinationID: "chan-1"}}
		srv := newTestServer(t, nil, WithAnnouncer(announcer))
		announcer.service = domain.NewService(srv.store)

		rr := srv.do(t, http.MethodPost, "/v1/tracked?announce=true", "guild-1", writeScopes, body)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		var resp TrackResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.True(t, resp.Created)
		require.NotNil(t, resp.Announcement)
		require.Equal(t, "notified", resp.Announcement.Outcome)
		require.Equal(t, record.ID.String(), resp.Announcement.RunID)
		require.Equal(t, "chan-1", resp.Announcement.DestinationID)
		require.Len(t, announcer.inputs, 1)
		require.Equal(t, "guild-1", announcer.inputs[0].TenantID)

		rr = srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", writeScopes, body)
		require.Equal(t, http.StatusOK, rr.Code)
		require.NotContains(t, rr.Body.String(), "announcement")
		require.Len(t, announcer.inputs, 1, "plain track does not announce")
	})
}

func TestTrackErrors(t *testing.T) {
	cases := []struct {
		name      string
		baseliner domain.Baseliner
		body      any
		want      int
	}{
		{name: "missing realm", body: TrackRequest{Name: "x", Region: "eu"}, want: http.StatusBadRequest},
		{name: "unsupported region", body: TrackRequest{Name: "x", Realm: "y", Region: "xx"}, want: http.StatusBadRequest},
		{name: "garbage", body: "not an object", want: http.StatusBadRequest},
		{name: "unknown player", baseliner: stubBaseliner{err: domain.ErrIdentityUnknown}, body: TrackRequest{Name: "x", Realm: "y", Region: "us"}, want: http.StatusUnprocessableEntity},
		{name: "upstream down", baseliner: stubBaseliner{err: fmt.Errorf("fetch profile: %w", upstream.ErrUnavailable)}, body: TrackRequest{Name: "x", Realm: "y", Region: "us"}, want: http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, tc.baseliner)
			rr := srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", writeScopes, tc.body)
			require.Equal(t, tc.want, rr.Code, rr.Body.String())
		})
	}
}

func TestScopesAndAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, http.MethodGet, "/v1/tracked", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", readScopes, TrackRequest{Name: "a", Realm: "b", Region: "eu"})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(t, http.MethodPost, "/v1/admin/checks", "guild-1", writeScopes, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.do(t, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "run_tracker_api_requests_total")
}

func TestListTrackedPaginates(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		rr := srv.do(t, http.MethodPost, "/v1/tracked", "guild-1", writeScopes, TrackRequest{Name: name, Realm: "draenor", Region: "eu"})
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := srv.do(t, http.MethodPost, "/v1/tracked", "guild-2", writeScopes, TrackRequest{Name: "z", Realm: "draenor", Region: "eu"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = srv.do(t, http.MethodGet, "/v1/tracked?limit=2", "guild-1", readScopes, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page ListTrackedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	rr = srv.do(t, http.MethodGet, "/v1/tracked?limit=2&cursor="+page.NextCursor, "guild-1", readScopes, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rest ListTrackedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rest))
	require.Len(t, rest.Items, 1)
	require.Empty(t, rest.NextCursor)

	rr = srv.do(t, http.MethodGet, "/v1/tracked?cursor=bm9wZQ==", "guild-1", readScopes, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDestination(t *testing.T) {
	srv := newTestServer(t, nil)

	rr := srv.do(t, http.MethodGet, "/v1/destination", "guild-1", readScopes, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, http.MethodPut, "/v1/destination", "guild-1", writeScopes, DestinationRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPut, "/v1/destination", "guild-1", writeScopes, DestinationRequest{DestinationID: "chan-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = srv.do(t, http.MethodPut, "/v1/destination", "guild-1", writeScopes, DestinationRequest{DestinationID: "chan-2"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.do(t, http.MethodGet, "/v1/destination", "guild-1", readScopes, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view DestinationView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "chan-2", view.DestinationID)
}

func TestAdminEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rr := srv.do(t, http.MethodPost, "/v1/admin/checks", "ops", adminScopes, nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		rr = srv.do(t, http.MethodPost, "/v1/admin/metadata/refresh", "ops", adminScopes, nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("queue pass", func(t *testing.T) {
		checks := &stubChecks{queued: true}
		srv := newTestServer(t, nil, WithChecks(checks))
		rr := srv.do(t, http.MethodPost, "/v1/admin/checks", "ops", adminScopes, nil)
		require.Equal(t, http.StatusAccepted, rr.Code)
		require.JSONEq(t, `{"queued":true}`, rr.Body.String())
	})

	t.Run("check one", func(t *testing.T) {
		record := domain.ActivityRecord{ID: domain.ActivityID{Source: domain.IDSourceUpstream, Value: "5"}}
		checks := &stubChecks{result: tracker.Result{Outcome: tracker.OutcomeNotified, Record: &record, DestinationID: "chan"}}
		srv := newTestServer(t, nil, WithChecks(checks))
		entityID := "7f6d4c1e-3a9b-4a1e-8c59-2b1f0d3e4a55"

		rr := srv.do(t, http.MethodPost, "/v1/admin/checks", "guild-1", adminScopes, CheckRequest{EntityID: entityID})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp CheckResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, "notified", resp.Outcome)
		require.Equal(t, record.ID.String(), resp.RunID)
		require.Equal(t, []string{"guild-1/" + entityID}, checks.checked)

		checks.err = scheduler.ErrBusy
		rr = srv.do(t, http.MethodPost, "/v1/admin/checks", "guild-1", adminScopes, CheckRequest{EntityID: entityID})
		require.Equal(t, http.StatusConflict, rr.Code)

		rr = srv.do(t, http.MethodPost, "/v1/admin/checks", "guild-1", adminScopes, CheckRequest{EntityID: "nope"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("refresh metadata", func(t *testing.T) {
		snap := metadata.Snapshot{PartitionKey: "season-tww-3", RefreshedAt: time.Now().UTC(), Entries: map[string]metadata.Entry{"The Stonevault": {}}}
		srv := newTestServer(t, nil, WithMetadata(stubMetadata{snap: snap}))
		rr := srv.do(t, http.MethodPost, "/v1/admin/metadata/refresh", "ops", adminScopes, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var view MetadataView
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		require.Equal(t, 1, view.Dungeons)

		srv = newTestServer(t, nil, WithMetadata(stubMetadata{err: errors.New("static-data 503")}))
		rr = srv.do(t, http.MethodPost, "/v1/admin/metadata/refresh", "ops", adminScopes, nil)
		require.Equal(t, http.StatusBadGateway, rr.Code)
	})
}
