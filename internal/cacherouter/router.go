// Package cacherouter serves the page shell with a versioned cache and
// per-request network or cache routing.
package cacherouter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/logger"
)

const (
	maxCachedBytes = 8 << 20
	shellDocument  = "/index.html"
	headerCache    = "X-Cache"
)

// Route is the policy applied to a request
type Route string

// Routes in priority order
const (
	RouteNetworkOnly  Route = "network_only"
	RouteNetworkFirst Route = "network_first"
	RouteCacheFirst   Route = "cache_first"
)

// Observer receives cache outcomes, typically for metrics
type Observer interface {
	CacheResult(route Route, result string)
}

// Config describes the shell cache
type Config struct {
	Name      string
	Origin    string
	Precache  []string
	LiveHosts []string
	Client    *http.Client
	Observer  Observer
}

// Router routes shell requests between the origin and the active cache generation.
// Until Activate succeeds every request goes to the network.
type Router struct {
	store     Store
	origin    *url.URL
	name      string
	precache  []string
	liveHosts []string
	client    *http.Client
	observer  Observer
	logger    zerolog.Logger

	mu        sync.RWMutex
	installed bool
	active    string
}

// New creates a router over store
func New(store Store, cfg Config) (*Router, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("cache name cannot be empty")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid cache origin %q", cfg.Origin)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Router{
		store:     store,
		origin:    origin,
		name:      cfg.Name,
		precache:  cfg.Precache,
		liveHosts: cfg.LiveHosts,
		client:    client,
		observer:  cfg.Observer,
		logger:    logger.WithComponent("cacherouter").With().Str("cache", cfg.Name).Logger(),
	}, nil
}

// Name returns the cache generation this router installs
func (r *Router) Name() string {
	return r.name
}

// Active returns the active generation, or "" before activation
func (r *Router) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Install precaches the shell assets into this router's generation.
// Any asset failing to load fails the install and discards the partial generation.
func (r *Router) Install(ctx context.Context) error {
	for _, path := range r.precache {
		entry, err := r.fetch(ctx, path)
		if err == nil && !ok(entry.Status) {
			err = fmt.Errorf("origin returned %d", entry.Status)
		}
		if err != nil {
			if delErr := r.store.DeleteGeneration(ctx, r.name); delErr != nil {
				r.logger.Warn().Err(delErr).Msg("Failed to discard partial cache generation")
			}
			return fmt.Errorf("failed to precache %s: %w", path, err)
		}
		if err := r.store.Put(ctx, r.name, path, entry); err != nil {
			return fmt.Errorf("failed to store %s: %w", path, err)
		}
	}

	r.mu.Lock()
	r.installed = true
	r.mu.Unlock()

	r.logger.Info().Int("assets", len(r.precache)).Msg("Shell cache installed")
	return nil
}

// Activate deletes every other generation and starts serving from this one
func (r *Router) Activate(ctx context.Context) error {
	r.mu.RLock()
	installed := r.installed
	r.mu.RUnlock()
	if !installed {
		return errors.New("cache must be installed before activation")
	}

	gens, err := r.store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cache generations: %w", err)
	}
	for _, gen := range gens {
		if gen == r.name {
			continue
		}
		if err := r.store.DeleteGeneration(ctx, gen); err != nil {
			return fmt.Errorf("failed to delete cache generation %s: %w", gen, err)
		}
		r.logger.Info().Str("generation", gen).Msg("Deleted stale cache generation")
	}

	r.mu.Lock()
	r.active = r.name
	r.mu.Unlock()

	r.logger.Info().Msg("Shell cache activated")
	return nil
}

// Teardown drops the active generation; later requests go to the network
func (r *Router) Teardown(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.active = ""
	r.installed = false
	r.mu.Unlock()

	if active == "" {
		return nil
	}
	if err := r.store.DeleteGeneration(ctx, active); err != nil {
		return fmt.Errorf("failed to delete cache generation %s: %w", active, err)
	}
	r.logger.Info().Msg("Shell cache torn down")
	return nil
}

// Classify returns the policy for req
func (r *Router) Classify(req *http.Request) Route {
	path := req.URL.Path
	host := req.Host
	if req.URL.Host != "" {
		host = req.URL.Host
	}

	if strings.HasPrefix(path, "/api/") ||
		strings.HasSuffix(path, ".m3u8") ||
		strings.HasSuffix(path, ".ts") ||
		r.isLiveHost(host) {
		return RouteNetworkOnly
	}
	if isNavigation(req) {
		return RouteNetworkFirst
	}
	return RouteCacheFirst
}

func (r *Router) isLiveHost(host string) bool {
	host = strings.ToLower(host)
	for _, fragment := range r.liveHosts {
		if fragment != "" && strings.Contains(host, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}

func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// ServeHTTP applies the routing policy
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	active := r.Active()
	route := r.Classify(req)

	if active == "" || route == RouteNetworkOnly || req.Method != http.MethodGet {
		r.serveNetwork(w, req)
		return
	}

	switch route {
	case RouteNetworkFirst:
		r.serveNetworkFirst(w, req, active)
	default:
		r.serveCacheFirst(w, req, active)
	}
}

func (r *Router) serveNetwork(w http.ResponseWriter, req *http.Request) {
	resp, err := r.request(req.Context(), req.Method, requestPath(req), req.Header, req.Body)
	if err != nil {
		r.observe(RouteNetworkOnly, "error")
		r.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("Network request failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer closeBody(resp)
	r.observe(RouteNetworkOnly, "bypass")
	r.stream(w, resp, resp.Body, "BYPASS")
}

func (r *Router) serveNetworkFirst(w http.ResponseWriter, req *http.Request, active string) {
	path := requestPath(req)
	resp, err := r.request(req.Context(), http.MethodGet, path, req.Header, nil)
	if err == nil {
		defer closeBody(resp)
		var entry *Entry
		var rest io.Reader
		if entry, rest, err = readEntry(resp); err == nil {
			r.observe(RouteNetworkFirst, "network")
			r.respond(w, req, resp, active, path, entry, rest)
			return
		}
	}

	r.logger.Warn().Err(err).Str("path", path).Msg("Navigation failed, serving cached shell")
	shell, cacheErr := r.store.Get(req.Context(), active, shellDocument)
	if cacheErr != nil {
		r.observe(RouteNetworkFirst, "error")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	r.observe(RouteNetworkFirst, "fallback")
	write(w, shell, "FALLBACK")
}

func (r *Router) serveCacheFirst(w http.ResponseWriter, req *http.Request, active string) {
	path := requestPath(req)
	if entry, err := r.store.Get(req.Context(), active, path); err == nil {
		r.observe(RouteCacheFirst, "hit")
		write(w, entry, "HIT")
		return
	} else if !errors.Is(err, ErrMiss) {
		r.logger.Warn().Err(err).Str("path", path).Msg("Cache lookup failed")
	}

	resp, err := r.request(req.Context(), http.MethodGet, path, req.Header, nil)
	if err != nil {
		r.observe(RouteCacheFirst, "error")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer closeBody(resp)
	entry, rest, err := readEntry(resp)
	if err != nil {
		r.observe(RouteCacheFirst, "error")
		r.logger.Warn().Err(err).Str("path", path).Msg("Failed to read origin response")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	r.observe(RouteCacheFirst, "miss")
	r.respond(w, req, resp, active, path, entry, rest)
}

// respond writes an origin reply read by readEntry, caching it when it fits
func (r *Router) respond(w http.ResponseWriter, req *http.Request, resp *http.Response, active, path string, entry *Entry, rest io.Reader) {
	if entry == nil {
		r.logger.Debug().Str("path", path).Msg("Response exceeds cache limit, not cached")
		r.stream(w, resp, rest, "MISS")
		return
	}
	if ok(entry.Status) {
		r.put(req.Context(), active, path, entry)
	}
	write(w, entry, "MISS")
}

func (r *Router) put(ctx context.Context, generation, path string, entry *Entry) {
	// a teardown may have happened while the response was in flight
	if r.Active() != generation {
		return
	}
	if err := r.store.Put(ctx, generation, path, entry); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("Failed to cache response")
	}
}

func (r *Router) observe(route Route, result string) {
	if r.observer != nil {
		r.observer.CacheResult(route, result)
	}
}

// fetch loads path for precaching. Bodies over the cache limit are an error.
func (r *Router) fetch(ctx context.Context, path string) (*Entry, error) {
	resp, err := r.request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	entry, _, err := readEntry(resp)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("response exceeds cache limit of %d bytes", maxCachedBytes)
	}
	return entry, nil
}

func (r *Router) request(ctx context.Context, method, path string, header http.Header, body io.Reader) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	target := r.origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for _, h := range []string{"Accept", "Accept-Language", "Content-Type"} {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	return r.client.Do(req)
}

// readEntry buffers resp for caching. When the body is larger than
// maxCachedBytes the entry is nil and rest yields the complete body.
func readEntry(resp *http.Response) (*Entry, io.Reader, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if len(data) > maxCachedBytes {
		return nil, io.MultiReader(bytes.NewReader(data), resp.Body), nil
	}
	return &Entry{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		StoredAt:    time.Now(),
	}, nil, nil
}

func (r *Router) stream(w http.ResponseWriter, resp *http.Response, body io.Reader, cache string) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(headerCache, cache)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, body); err != nil {
		r.logger.Debug().Err(err).Msg("Response copy interrupted")
	}
}

func closeBody(resp *http.Response) {
	_ = resp.Body.Close()
}

func requestPath(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

func write(w http.ResponseWriter, e *Entry, cache string) {
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.Header().Set(headerCache, cache)
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

func ok(status int) bool {
	return status >= 200 && status <= 299
}
