//go:build integration
// +build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/vivo/internal/config"
	"github.com/stwalsh4118/vivo/internal/db"
	"github.com/stwalsh4118/vivo/internal/hls/hlstest"
	"github.com/stwalsh4118/vivo/internal/server"
)

const (
	testReferer = "https://www.example.com/vivo"
	testOrigin  = "https://www.example.com"
)

// signer is a fake upstream token service that signs every request with the origin's master URL
type signer struct {
	server *httptest.Server

	mu       sync.Mutex
	calls    int
	referers []string
	origins  []string
	status   int
}

func newSigner(t *testing.T, origin *hlstest.Origin) *signer {
	t.Helper()
	s := &signer{status: http.StatusOK}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		s.referers = append(s.referers, r.Header.Get("Referer"))
		s.origins = append(s.origins, r.Header.Get("Origin"))
		status := s.status
		s.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("signer unavailable"))
			return
		}
		_, _ = w.Write([]byte(origin.MasterURL()))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *signer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *signer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// migrationsPath resolves the migrations directory relative to this file
// so tests work regardless of working directory
func migrationsPath(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "Failed to get current file path")
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	return "file://" + filepath.Join(root, "migrations")
}

// testEnv is a running service wired to a fake signer and a synthetic live origin
type testEnv struct {
	URL    string
	Origin *hlstest.Origin
	Signer *signer
	Server *server.Server
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	origin := hlstest.NewOrigin(6, 1.0)
	origin.Advance(6)
	t.Cleanup(origin.Close)
	sign := newSigner(t, origin)

	shell := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>vivo</html>"))
	}))
	t.Cleanup(shell.Close)

	// the service exchanges tokens through its own proxy, so its URL is needed before it exists
	var handler http.Handler
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(front.Close)

	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "vivo.db")},
		Logging:  config.LoggingConfig{Level: "info"},
		Token: config.TokenConfig{
			Upstream:        sign.server.URL,
			Referer:         testReferer,
			Origin:          testOrigin,
			RefreshInterval: time.Hour,
			Timeout:         2 * time.Second,
			RateLimit:       100,
			RateBurst:       100,
			BreakerFailures: 3,
			BreakerReset:    time.Minute,
		},
		Channel: config.ChannelConfig{
			Name:          "Telefe",
			BaseURL:       "https://example.akamaized.net/live/TOK/master.m3u8",
			TokenEndpoint: front.URL + "/api/tokenize",
			RefererPolicy: testReferer,
		},
		Engine: config.EngineConfig{
			BackBuffer:          90 * time.Second,
			MaxBuffer:           30 * time.Second,
			MaxMaxBuffer:        60 * time.Second,
			LiveSyncCount:       3,
			LiveMaxLatencyCount: 10,
			MaxNetworkRetries:   1,
			RequestTimeout:      2 * time.Second,
		},
		Cache: config.CacheConfig{
			Name:      "vivo-shell-it",
			Origin:    shell.URL,
			Precache:  []string{"/"},
			LiveHosts: []string{"akamaized"},
		},
	}

	database, err := db.New(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	sqlDB, err := database.GetSQLDB()
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(sqlDB, migrationsPath(t)), "Failed to run migrations")

	srv, err := server.New(context.Background(), cfg, database)
	require.NoError(t, err)
	handler = srv.Handler()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testEnv{URL: front.URL, Origin: origin, Signer: sign, Server: srv}
}
