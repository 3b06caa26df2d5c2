// Package server provides the HTTP server setup and routing configuration.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/vivo/internal/api"
	"github.com/stwalsh4118/vivo/internal/cacherouter"
	"github.com/stwalsh4118/vivo/internal/catalog"
	"github.com/stwalsh4118/vivo/internal/config"
	"github.com/stwalsh4118/vivo/internal/db"
	"github.com/stwalsh4118/vivo/internal/hls"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/metrics"
	"github.com/stwalsh4118/vivo/internal/middleware"
	"github.com/stwalsh4118/vivo/internal/player"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

const cacheInstallTimeout = 30 * time.Second

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	db       *db.DB
	catalog  *catalog.Service
	metrics  *metrics.Metrics
	breaker  *token.CircuitBreaker
	upstream *token.Upstream
	limiter  *api.ClientLimiter
	player   *player.Player
	store    cacherouter.Store
	shell    *cacherouter.Router
	router   *gin.Engine
	server   *http.Server

	cancelInstall context.CancelFunc
	installDone   chan struct{}
}

// New creates a new server instance. A configured Redis address must be
// reachable; otherwise the shell cache is kept in memory.
func New(ctx context.Context, cfg *config.Config, database *db.DB) (*Server, error) {
	repos := db.NewRepositories(database)
	m := metrics.New()

	breaker := token.NewCircuitBreaker(
		cfg.Token.BreakerFailures,
		cfg.Token.BreakerReset,
		token.WithStateChange(m.BreakerStateChanged),
	)
	upstream := token.NewUpstream(cfg.Token.Upstream, cfg.Token.Referer, cfg.Token.Origin, cfg.Token.Timeout, breaker)
	gateway := token.NewGateway(
		cfg.Channel.TokenEndpoint,
		&http.Client{Timeout: cfg.Token.Timeout},
		token.WithReferer(cfg.Channel.RefererPolicy),
	)

	p := player.New(
		gateway,
		hls.NewFactory(&http.Client{}),
		func() player.Sink { return streaming.NewRecordingSink() },
		player.Config{
			RefreshInterval: cfg.Token.RefreshInterval,
			Engine:          EngineConfig(cfg.Engine),
		},
		player.WithTokenObserver(m),
		player.WithSessionObserver(m),
	)

	store, err := newStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	shell, err := cacherouter.New(store, cacherouter.Config{
		Name:      cfg.Cache.Name,
		Origin:    cfg.Cache.Origin,
		Precache:  cfg.Cache.Precache,
		LiveHosts: cfg.Cache.LiveHosts,
		Observer:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shell cache: %w", err)
	}

	return &Server{
		config:   cfg,
		db:       database,
		catalog:  catalog.NewService(database, repos, time.Local),
		metrics:  m,
		breaker:  breaker,
		upstream: upstream,
		limiter:  api.NewClientLimiter(cfg.Token.RateLimit, cfg.Token.RateBurst),
		player:   p,
		store:    store,
		shell:    shell,
	}, nil
}

func newStore(ctx context.Context, cfg config.CacheConfig) (cacherouter.Store, error) {
	if cfg.RedisAddr == "" {
		return cacherouter.NewMemoryStore(), nil
	}
	store, err := cacherouter.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to shell cache redis: %w", err)
	}
	logger.Log.Info().Str("addr", cfg.RedisAddr).Msg("Shell cache backed by Redis")
	return store, nil
}

// EngineConfig converts the engine settings into the live engine tuning
func EngineConfig(cfg config.EngineConfig) streaming.EngineConfig {
	ec := streaming.DefaultEngineConfig()
	ec.BackBuffer = cfg.BackBuffer
	ec.MaxBuffer = cfg.MaxBuffer
	ec.MaxMaxBuffer = cfg.MaxMaxBuffer
	ec.LiveSyncCount = cfg.LiveSyncCount
	ec.LiveMaxLatencyCount = cfg.LiveMaxLatencyCount
	ec.MaxNetworkRetries = cfg.MaxNetworkRetries
	ec.RequestTimeout = cfg.RequestTimeout
	return ec
}

// Catalog returns the content catalog
func (s *Server) Catalog() *catalog.Service {
	return s.catalog
}

// Player returns the player driven by /api/player
func (s *Server) Player() *player.Player {
	return s.player
}

// setupRouter initializes the Gin router with middleware and routes
func (s *Server) setupRouter() {
	if s.config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	s.router.Use(middleware.RequestLogger())
	s.router.Use(gin.Recovery())
	s.router.Use(cors.Default())

	apiGroup := s.router.Group("/api")

	api.SetupHealthRoutes(apiGroup, api.NewHealthHandler(s.db, s.breaker, s.shell))
	api.SetupTokenizeRoutes(apiGroup, api.NewTokenizeHandler(s.upstream, s.limiter, s.metrics))
	api.SetupContentRoutes(apiGroup, api.NewContentHandler(s.catalog))
	api.SetupPlayerRoutes(apiGroup, api.NewPlayerHandler(s.player, s.catalog))

	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// everything else is the page shell
	s.router.NoRoute(gin.WrapH(s.shell))
}

// Handler builds the routes and returns the root handler
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.setupRouter()
	}
	return s.router
}

// InstallShell precaches and activates the shell cache in the background.
// Until it completes every shell request goes to the origin.
func (s *Server) InstallShell() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheInstallTimeout)
	s.cancelInstall = cancel
	s.installDone = make(chan struct{})

	go func() {
		defer close(s.installDone)
		defer cancel()

		if err := s.shell.Install(ctx); err != nil {
			logger.Log.Warn().Err(err).Msg("Shell cache install failed, serving from origin")
			return
		}
		if err := s.shell.Activate(ctx); err != nil {
			logger.Log.Warn().Err(err).Msg("Shell cache activation failed, serving from origin")
		}
	}()
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.InstallShell()

	s.server = &http.Server{
		Addr:           s.config.ListenAddr(),
		Handler:        s.Handler(),
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	logger.Log.Info().
		Str("host", s.config.Server.Host).
		Int("port", s.config.Server.Port).
		Msg("Starting HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info().Msg("Shutting down server gracefully")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.player.Destroy()

	if s.cancelInstall != nil {
		s.cancelInstall()
		<-s.installDone
	}
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Log.Warn().Err(err).Msg("Failed to close shell cache store")
		}
	}

	logger.Log.Info().Msg("Server stopped")
	return nil
}
