// ABOUTME: Tests for the agent directory client
// ABOUTME: Verifies list decoding, caching, and unknown-agent handling

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/list" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDirectory_Describe(t *testing.T) {
	srv, hits := newListServer(t, `{"agents":[
		{"agent_name":"travel_agent","description":"Books trips","tags":["travel","booking"]},
		{"agent_name":"cruse_widget_agent","description":"Builds widgets","tags":[]}
	]}`)
	d := NewDirectory(srv.URL+"/api/v1/", nil)
	ctx := context.Background()

	info, err := d.Describe(ctx, "travel_agent")
	require.NoError(t, err)
	assert.Equal(t, "Books trips", info.Description)
	assert.Equal(t, []string{"travel", "booking"}, info.Tags)

	_, err = d.Describe(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.Equal(t, int32(1), hits.Load(), "second lookup is served from cache")

	d.Invalidate()
	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDirectory_EmptyList(t *testing.T) {
	srv, _ := newListServer(t, `{}`)
	list, err := NewDirectory(srv.URL+"/api/v1", nil).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestDirectory_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewDirectory(srv.URL, nil).Describe(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}
