package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves canned OData responses keyed by resource path.
type fakeAPI struct {
	t        *testing.T
	token    string
	handlers map[string]func(q map[string][]string) any
	queries  []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	f.queries = append(f.queries, r.URL.Path+"?"+r.URL.RawQuery)
	h, ok := f.handlers[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h(r.URL.Query()))
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New("api.example.io", "registry2.example.io", WithBaseURL(srv.URL)).WithToken(api.token)
}

func rows(v ...any) map[string]any { return map[string]any{"d": v} }

func TestArchitectureOf(t *testing.T) {
	api := &fakeAPI{token: "user-token", handlers: map[string]func(map[string][]string) any{
		"/v6/application": func(q map[string][]string) any {
			assert.Equal(t, "slug eq 'gh_user/app'", q["$filter"][0])
			return rows(map[string]any{
				"id": 1,
				"is_for__device_type": []any{map[string]any{
					"slug":                    "raspberrypi4-64",
					"is_of__cpu_architecture": []any{map[string]any{"slug": "aarch64"}},
				}},
			})
		},
	}}
	c := newTestClient(t, api)

	arch, err := c.ArchitectureOf(context.Background(), "gh_user/app")
	require.NoError(t, err)
	assert.Equal(t, "aarch64", arch)
}

func TestArchitectureOf_NotFound(t *testing.T) {
	api := &fakeAPI{token: "tok", handlers: map[string]func(map[string][]string) any{
		"/v6/application": func(map[string][]string) any { return rows() },
	}}
	c := newTestClient(t, api)

	_, err := c.ArchitectureOf(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnauthorized(t *testing.T) {
	api := &fakeAPI{token: "right", handlers: map[string]func(map[string][]string) any{}}
	c := newTestClient(t, api).WithToken("wrong")

	_, err := c.ActiveReleaseID(context.Background(), "app")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWithTokenDoesNotMutate(t *testing.T) {
	base := New("api.example.io", "registry2.example.io")
	bound := base.WithToken("abc")
	assert.Empty(t, base.token)
	assert.Equal(t, "abc", bound.token)
}

func TestActiveReleaseID(t *testing.T) {
	api := &fakeAPI{token: "tok", handlers: map[string]func(map[string][]string) any{
		"/v6/application": func(q map[string][]string) any {
			if strings.Contains(q["$filter"][0], "fresh") {
				return rows(map[string]any{"should_be_running__release": nil})
			}
			return rows(map[string]any{"should_be_running__release": map[string]any{"__id": 4021}})
		},
	}}
	c := newTestClient(t, api)

	id, err := c.ActiveReleaseID(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, int64(4021), id)

	_, err = c.ActiveReleaseID(context.Background(), "fresh")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseIDForCommit(t *testing.T) {
	api := &fakeAPI{token: "tok", handlers: map[string]func(map[string][]string) any{
		"/v6/release": func(q map[string][]string) any {
			assert.Equal(t, "commit eq 'abc123' and belongs_to__application/slug eq 'o''brien/app'", q["$filter"][0])
			return rows(map[string]any{"id": 77})
		},
	}}
	c := newTestClient(t, api)

	id, err := c.ReleaseIDForCommit(context.Background(), "o'brien/app", "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
}

func TestImagesOf_JoinsInLinkOrder(t *testing.T) {
	api := &fakeAPI{token: "tok", handlers: map[string]func(map[string][]string) any{
		"/v6/image__is_part_of__release": func(q map[string][]string) any {
			assert.Equal(t, "is_part_of__release eq 10", q["$filter"][0])
			return rows(
				map[string]any{"image": map[string]any{"__id": 3}},
				map[string]any{"image": map[string]any{"__id": 1}},
			)
		},
		"/v6/image": func(q map[string][]string) any {
			assert.Equal(t, "id in (3,1)", q["$filter"][0])
			return rows(
				map[string]any{"id": 1, "is_a_build_of__service": map[string]any{"__id": 11}, "is_stored_at__image_location": "registry2.example.io/v2/aaa", "content_hash": "sha256:a"},
				map[string]any{"id": 3, "is_a_build_of__service": map[string]any{"__id": 33}, "is_stored_at__image_location": "registry2.example.io/v2/ccc", "content_hash": "sha256:c"},
			)
		},
	}}
	c := newTestClient(t, api)

	images, err := c.ImagesOf(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []ReleaseImage{
		{ServiceID: 33, ImageLocation: "registry2.example.io/v2/ccc", ContentHash: "sha256:c"},
		{ServiceID: 11, ImageLocation: "registry2.example.io/v2/aaa", ContentHash: "sha256:a"},
	}, images)
}

func TestRegistryToken(t *testing.T) {
	api := &fakeAPI{token: "service-token", handlers: map[string]func(map[string][]string) any{
		"/auth/v1/token": func(q map[string][]string) any {
			assert.Equal(t, []string{"registry2.example.io"}, q["service"])
			assert.Equal(t, []string{"repository:v2/aaa:pull", "repository:v2/bbb:pull"}, q["scope"])
			return map[string]any{"token": "scoped"}
		},
	}}
	c := newTestClient(t, api)

	tok, err := c.RegistryToken(context.Background(), []string{
		"registry2.example.io/v2/aaa",
		"registry2.example.io/v2/bbb@sha256:0123",
	})
	require.NoError(t, err)
	assert.Equal(t, "scoped", tok)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New("x", "y", WithBaseURL(srv.URL)).WithToken("t")

	_, err := c.ReleaseIDForCommit(context.Background(), "app", "c")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
}

func TestRepositoryOf(t *testing.T) {
	tests := map[string]string{
		"registry2.example.io/v2/abc":             "v2/abc",
		"registry2.example.io/v2/abc:delta-1234":  "v2/abc",
		"registry2.example.io/v2/abc@sha256:ffff": "v2/abc",
		"other:5000/v2/abc":                       "other:5000/v2/abc",
	}
	for in, want := range tests {
		assert.Equal(t, want, repositoryOf(in, "registry2.example.io"), in)
	}
}
