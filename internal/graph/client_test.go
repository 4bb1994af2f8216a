package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/model"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/edges/count", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "local.example", r.URL.Query().Get("local"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": countResponse{Followers: 12, Following: 3}})
	})
	mux.HandleFunc("GET /v1/edges/severed", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(edgesResponse{Edges: []model.FollowEdge{
			{Follower: "a@local.example", Followee: "b@remote.example"},
		}})
	})
	mux.HandleFunc("GET /v1/edges/exists", func(w http.ResponseWriter, r *http.Request) {
		exists := r.URL.Query().Get("followee") == "present@remote.example"
		_ = json.NewEncoder(w).Encode(map[string]any{"data": existsResponse{Exists: exists}})
	})
	mux.HandleFunc("POST /v1/follows", func(w http.ResponseWriter, r *http.Request) {
		var e model.FollowEdge
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		switch e.Followee {
		case "gone@remote.example":
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":"GONE","message":"account deleted"}}`))
		case "dup@remote.example":
			w.WriteHeader(http.StatusConflict)
		case "broken@remote.example":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	})
	return httptest.NewServer(mux)
}

func TestClient(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	followers, following, err := c.CountEdges(ctx, "local.example", "remote.example")
	require.NoError(t, err)
	assert.Equal(t, 12, followers)
	assert.Equal(t, 3, following)

	edges, err := c.SeveredEdges(ctx, "local.example", "remote.example")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "b@remote.example", edges[0].Followee)

	ok, err := c.EdgeExists(ctx, model.FollowEdge{Follower: "a", Followee: "present@remote.example"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Follow(ctx, model.FollowEdge{Follower: "a", Followee: "new@remote.example"}))
	require.NoError(t, c.Follow(ctx, model.FollowEdge{Follower: "a", Followee: "dup@remote.example"}))

	err = c.Follow(ctx, model.FollowEdge{Follower: "a", Followee: "gone@remote.example"})
	require.ErrorIs(t, err, ErrAccountGone)
	assert.Contains(t, err.Error(), "account deleted")

	err = c.Follow(ctx, model.FollowEdge{Follower: "a", Followee: "broken@remote.example"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
