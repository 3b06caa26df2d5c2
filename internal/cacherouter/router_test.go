package cacherouter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrigin struct {
	server *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	body   map[string]string
	status map[string]int
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		hits: make(map[string]int),
		body: map[string]string{
			"/":              "<html>root</html>",
			"/index.html":    "<html>shell</html>",
			"/manifest.json": `{"name":"vivo"}`,
			"/app.js":        "console.log('v1')",
		},
		status: make(map[string]int),
	}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		body, found := o.body[r.URL.Path]
		status := o.status[r.URL.Path]
		o.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".html") || r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html")
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *fakeOrigin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *fakeOrigin) Set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.body[path] = body
}

func (o *fakeOrigin) Fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[path] = status
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (c *countingObserver) CacheResult(route Route, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[string(route)+"/"+result]++
}

func newRouter(t *testing.T, origin *fakeOrigin, store Store, name string) *Router {
	t.Helper()
	r, err := New(store, Config{
		Name:      name,
		Origin:    origin.server.URL,
		Precache:  []string{"/", "/index.html", "/manifest.json"},
		LiveHosts: []string{"akamaized"},
		Client:    origin.server.Client(),
	})
	require.NoError(t, err)
	return r
}

func activeRouter(t *testing.T, origin *fakeOrigin, store Store) *Router {
	t.Helper()
	r := newRouter(t, origin, store, "vivo-shell-v1")
	require.NoError(t, r.Install(context.Background()))
	require.NoError(t, r.Activate(context.Background()))
	return r
}

func do(r http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Name: "x", Origin: "http://o"})
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), Config{Origin: "http://o"})
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), Config{Name: "x", Origin: "localhost"})
	assert.Error(t, err)
}

func TestRouter_Classify(t *testing.T) {
	r, err := New(NewMemoryStore(), Config{Name: "v1", Origin: "http://shell.local", LiveHosts: []string{"akamaized"}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		target  string
		headers map[string]string
		want    Route
	}{
		{"api call", http.MethodGet, "/api/player", nil, RouteNetworkOnly},
		{"api navigation still network", http.MethodGet, "/api/health", map[string]string{"Accept": "text/html"}, RouteNetworkOnly},
		{"manifest", http.MethodGet, "/live/master.m3u8", nil, RouteNetworkOnly},
		{"segment", http.MethodGet, "/live/seg-1.ts", nil, RouteNetworkOnly},
		{"live host", http.MethodGet, "http://telefe.akamaized.net/logo.png", nil, RouteNetworkOnly},
		{"navigation by accept", http.MethodGet, "/vivo", map[string]string{"Accept": "text/html,application/xhtml+xml"}, RouteNetworkFirst},
		{"navigation by fetch mode", http.MethodGet, "/", map[string]string{"Sec-Fetch-Mode": "navigate"}, RouteNetworkFirst},
		{"static asset", http.MethodGet, "/icon.svg", nil, RouteCacheFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, r.Classify(req))
		})
	}
}

func TestRouter_InstallPrecaches(t *testing.T) {
	origin := newFakeOrigin(t)
	store := NewMemoryStore()
	r := newRouter(t, origin, store, "vivo-shell-v1")

	require.NoError(t, r.Install(context.Background()))
	assert.Empty(t, r.Active())

	for _, path := range []string{"/", "/index.html", "/manifest.json"} {
		e, err := store.Get(context.Background(), "vivo-shell-v1", path)
		require.NoError(t, err, path)
		assert.Equal(t, 200, e.Status)
	}
}

func TestRouter_InstallFailureDiscardsGeneration(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.Fail("/manifest.json", http.StatusInternalServerError)
	store := NewMemoryStore()
	r := newRouter(t, origin, store, "vivo-shell-v1")

	err := r.Install(context.Background())
	require.Error(t, err)

	gens, _ := store.Generations(context.Background())
	assert.Empty(t, gens)
	assert.Error(t, r.Activate(context.Background()))
}

func TestRouter_ActivatePurgesOldGenerations(t *testing.T) {
	origin := newFakeOrigin(t)
	store := NewMemoryStore()
	ctx := context.Background()

	old := newRouter(t, origin, store, "vivo-shell-v1")
	require.NoError(t, old.Install(ctx))
	require.NoError(t, old.Activate(ctx))
	require.NoError(t, store.Put(ctx, "unrelated-v0", "/", &Entry{Status: 200}))

	next := newRouter(t, origin, store, "vivo-shell-v2")
	require.NoError(t, next.Install(ctx))
	require.NoError(t, next.Activate(ctx))

	gens, err := store.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vivo-shell-v2"}, gens)
	assert.Equal(t, "vivo-shell-v2", next.Active())
}

func TestRouter_NetworkOnlyIsNeverCached(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.Set("/live/master.m3u8", "#EXTM3U")
	store := NewMemoryStore()
	r := activeRouter(t, origin, store)

	for i := 0; i < 2; i++ {
		rec := do(r, http.MethodGet, "/live/master.m3u8", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "BYPASS", rec.Header().Get(headerCache))
	}
	assert.Equal(t, 2, origin.Hits("/live/master.m3u8"))

	_, err := store.Get(context.Background(), "vivo-shell-v1", "/live/master.m3u8")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRouter_CacheFirst(t *testing.T) {
	origin := newFakeOrigin(t)
	obs := &countingObserver{}
	r, err := New(NewMemoryStore(), Config{
		Name:     "vivo-shell-v1",
		Origin:   origin.server.URL,
		Precache: []string{"/index.html"},
		Client:   origin.server.Client(),
		Observer: obs,
	})
	require.NoError(t, err)
	require.NoError(t, r.Install(context.Background()))
	require.NoError(t, r.Activate(context.Background()))

	first := do(r, http.MethodGet, "/app.js", nil)
	assert.Equal(t, "MISS", first.Header().Get(headerCache))
	assert.Equal(t, "console.log('v1')", first.Body.String())

	origin.Set("/app.js", "console.log('v2')")
	second := do(r, http.MethodGet, "/app.js", nil)
	assert.Equal(t, "HIT", second.Header().Get(headerCache))
	assert.Equal(t, "console.log('v1')", second.Body.String())
	assert.Equal(t, 1, origin.Hits("/app.js"))

	// misses that are not 2xx are not stored
	do(r, http.MethodGet, "/missing.png", nil)
	do(r, http.MethodGet, "/missing.png", nil)
	assert.Equal(t, 2, origin.Hits("/missing.png"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.results["cache_first/hit"])
	assert.Equal(t, 3, obs.results["cache_first/miss"])
}

func TestRouter_OversizedBodiesPassThroughUncached(t *testing.T) {
	origin := newFakeOrigin(t)
	large := strings.Repeat("x", maxCachedBytes+maxCachedBytes/8)
	origin.Set("/bundle.js", large)
	origin.Set("/live/big.ts", large)
	store := NewMemoryStore()
	r := activeRouter(t, origin, store)

	for i := 0; i < 2; i++ {
		rec := do(r, http.MethodGet, "/bundle.js", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get(headerCache))
		assert.Equal(t, len(large), rec.Body.Len())
	}
	assert.Equal(t, 2, origin.Hits("/bundle.js"))
	_, err := store.Get(context.Background(), "vivo-shell-v1", "/bundle.js")
	assert.ErrorIs(t, err, ErrMiss)

	rec := do(r, http.MethodGet, "/live/big.ts", nil)
	assert.Equal(t, "BYPASS", rec.Header().Get(headerCache))
	assert.Equal(t, len(large), rec.Body.Len())
}

func TestRouter_InstallRejectsOversizedAsset(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.Set("/manifest.json", strings.Repeat("x", maxCachedBytes+1))
	store := NewMemoryStore()
	r := newRouter(t, origin, store, "vivo-shell-v1")

	err := r.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache limit")

	gens, _ := store.Generations(context.Background())
	assert.Empty(t, gens)
}

func TestRouter_NavigationFallsBackToShell(t *testing.T) {
	origin := newFakeOrigin(t)
	r := activeRouter(t, origin, NewMemoryStore())
	nav := map[string]string{"Accept": "text/html"}

	rec := do(r, http.MethodGet, "/vivo", nav)
	assert.Equal(t, http.StatusNotFound, rec.Code, "origin answers are passed through")
	assert.Equal(t, "MISS", rec.Header().Get(headerCache))

	origin.server.Close()

	rec = do(r, http.MethodGet, "/vivo", nav)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FALLBACK", rec.Header().Get(headerCache))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestRouter_NavigationPrefersNetwork(t *testing.T) {
	origin := newFakeOrigin(t)
	r := activeRouter(t, origin, NewMemoryStore())

	origin.Set("/index.html", "<html>fresh</html>")
	rec := do(r, http.MethodGet, "/index.html", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, "<html>fresh</html>", rec.Body.String())
	assert.Equal(t, 2, origin.Hits("/index.html"))
}

func TestRouter_BeforeActivationUsesNetwork(t *testing.T) {
	origin := newFakeOrigin(t)
	r := newRouter(t, origin, NewMemoryStore(), "vivo-shell-v1")

	do(r, http.MethodGet, "/app.js", nil)
	do(r, http.MethodGet, "/app.js", nil)
	assert.Equal(t, 2, origin.Hits("/app.js"))
}

func TestRouter_TeardownIsIdempotent(t *testing.T) {
	origin := newFakeOrigin(t)
	store := NewMemoryStore()
	r := activeRouter(t, origin, store)

	require.NoError(t, r.Teardown(context.Background()))
	require.NoError(t, r.Teardown(context.Background()))
	assert.Empty(t, r.Active())

	gens, _ := store.Generations(context.Background())
	assert.Empty(t, gens)

	rec := do(r, http.MethodGet, "/app.js", nil)
	assert.Equal(t, "BYPASS", rec.Header().Get(headerCache))
}

func TestRouter_RedisBacked(t *testing.T) {
	origin := newFakeOrigin(t)
	_, store := setupMiniRedis(t)
	r := activeRouter(t, origin, store)

	do(r, http.MethodGet, "/app.js", nil)
	rec := do(r, http.MethodGet, "/app.js", nil)
	assert.Equal(t, "HIT", rec.Header().Get(headerCache))
	assert.Equal(t, 1, origin.Hits("/app.js"))
}
