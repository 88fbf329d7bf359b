package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/freighter/internal/core/manifest"
)

// =============================================================================
// Test Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func v1Server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/v1/_ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, true)
	})
	r.Get("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "web", r.URL.Query().Get("q"))
		writeJSON(w, map[string]any{"results": []map[string]string{
			{"name": "itops/web-worker"},
			{"name": "itops/web-api"},
		}})
	})
	r.Get("/v1/repositories/{namespace}/{repository}/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"latest": "abc", "1.0": "def"})
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func v2Server(t *testing.T, user, password string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user != "" {
				u, p, ok := r.BasicAuth()
				if !ok || u != user || p != password {
					w.WriteHeader(http.StatusUnauthorized)
					writeJSON(w, map[string]any{"errors": []map[string]string{{"message": "authentication required"}}})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/v2/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{})
	})
	r.Get("/v2/_catalog", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"repositories": []string{"itops/web-api", "itops/cache", "other/web"}})
	})
	r.Get("/v2/{namespace}/{repository}/tags/list", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "namespace") + "/" + chi.URLParam(r, "repository")
		writeJSON(w, map[string]any{"name": name, "tags": []string{"1.0", "1.1", "latest"}})
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func testConfig() Config {
	return Config{RetryMax: 1, RetryWait: time.Millisecond, Timeout: 5 * time.Second}
}

// =============================================================================
// Detection Tests
// =============================================================================

func TestNew_DetectsV1(t *testing.T) {
	server := v1Server(t)

	c, err := New(context.Background(), manifest.Registry{Address: server.URL}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, V1, c.Version())
}

func TestNew_DetectsV2(t *testing.T) {
	server := v2Server(t, "", "")

	c, err := New(context.Background(), manifest.Registry{Address: server.URL}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, V2, c.Version())
}

func TestNew_Unsupported(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := New(context.Background(), manifest.Registry{Address: server.URL}, testConfig())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(context.Background(), manifest.Registry{Address: "not a url"}, testConfig())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestNew_BasicAuth(t *testing.T) {
	server := v2Server(t, "deployer", "secret")

	_, err := New(context.Background(), manifest.Registry{Address: server.URL}, testConfig())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	c, err := New(context.Background(), manifest.Registry{
		Address: server.URL,
		Auth:    &manifest.Auth{Type: "basic", User: "deployer", Password: "secret"},
	}, testConfig())
	require.NoError(t, err)

	auth := c.AuthConfig()
	require.NotNil(t, auth)
	assert.Equal(t, "deployer", auth.Username)
	assert.Equal(t, server.URL, auth.ServerAddress)
}

// =============================================================================
// Operation Tests
// =============================================================================

func TestSearch_V1(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v1Server(t).URL}, testConfig())
	require.NoError(t, err)

	names, err := c.Search(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"itops/web-api", "itops/web-worker"}, names)
}

func TestSearch_V2FiltersCatalog(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v2Server(t, "", "").URL}, testConfig())
	require.NoError(t, err)

	names, err := c.Search(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"itops/web-api", "other/web"}, names)
}

func TestTags_V2(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v2Server(t, "", "").URL}, testConfig())
	require.NoError(t, err)

	var tags []string
	for tag, err := range c.Tags(context.Background(), "itops/web-api") {
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Equal(t, []string{"itops/web-api:1.0", "itops/web-api:1.1", "itops/web-api:latest"}, tags)
}

func TestTags_V1MapResponse(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v1Server(t).URL}, testConfig())
	require.NoError(t, err)

	var tags []string
	for tag, err := range c.Tags(context.Background(), "itops/web-api") {
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Equal(t, []string{"itops/web-api:1.0", "itops/web-api:latest"}, tags)
}

func TestTags_Restartable(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v2Server(t, "", "").URL}, testConfig())
	require.NoError(t, err)

	seq := c.Tags(context.Background(), "itops/cache")
	for tag, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "itops/cache:1.0", tag)
		break
	}

	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestTags_InvalidName(t *testing.T) {
	c, err := New(context.Background(), manifest.Registry{Address: v2Server(t, "", "").URL}, testConfig())
	require.NoError(t, err)

	for _, err := range c.Tags(context.Background(), "redis") {
		assert.ErrorIs(t, err, ErrInvalidImageName)
	}
}

func TestLocation(t *testing.T) {
	c, err := newClient(manifest.Registry{Address: "https://registry.example.com:5000/"}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com:5000", c.Location())
	assert.Nil(t, c.AuthConfig())
}

func TestRegistryError_Message(t *testing.T) {
	assert.Equal(t, "authentication required", errorMessage([]byte(`{"errors":[{"message":"authentication required"}]}`)))
	assert.Equal(t, "denied", errorMessage([]byte(`{"error":"denied"}`)))
	assert.Empty(t, errorMessage([]byte(`<html>`)))
}
