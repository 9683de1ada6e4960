package outbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaReusesLatestVersion(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subjects/run_notifications-value/versions/latest", r.URL.Path)
		if r.Method == http.MethodPost {
			posts++
		}
		_, _ = io.WriteString(w, `{"id":7,"version":3}`)
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), "run_notifications-value", runCompletedSchema)
	require.NoError(t, err)
	require.Equal(t, 7, id)
	require.Zero(t, posts)
}

func TestEnsureSchemaRegistersMissingSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			http.NotFound(w, r)
		case http.MethodPost:
			require.Equal(t, "/subjects/run_notifications-value/versions", r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			registered = string(body)
			_, _ = io.WriteString(w, `{"id":12}`)
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "run_notifications-value", runCompletedSchema)
	require.NoError(t, err)
	require.Equal(t, 12, id)
	require.Contains(t, registered, `"schemaType":"JSON"`)
}

func TestEnsureSchemaSurfacesRegistryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "status 503")
}
