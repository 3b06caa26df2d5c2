package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/vivo/internal/token"
)

// HealthResponse represents the response from the health check endpoint
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Token    string                 `json:"token_upstream,omitempty"`
	Cache    string                 `json:"shell_cache,omitempty"`
	Time     string                 `json:"time"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

type databaseChecker interface {
	Health(ctx context.Context) error
}

type breakerState interface {
	State() token.BreakerState
}

type cacheState interface {
	Active() string
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db      databaseChecker
	breaker breakerState
	cache   cacheState
}

// NewHealthHandler creates a new health check handler. breaker and cache may be nil.
func NewHealthHandler(database databaseChecker, breaker breakerState, cache cacheState) *HealthHandler {
	return &HealthHandler{db: database, breaker: breaker, cache: cache}
}

// Check handles the health check endpoint
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Details: make(map[string]interface{}),
	}

	if h.breaker != nil {
		state := h.breaker.State()
		response.Token = state.String()
		// an open breaker sheds token requests but existing playback continues
		if state == token.BreakerOpen {
			response.Status = "degraded"
		}
	}
	if h.cache != nil {
		if active := h.cache.Active(); active != "" {
			response.Cache = active
		} else {
			response.Cache = "inactive"
		}
	}

	if err := h.db.Health(ctx); err != nil {
		response.Status = "degraded"
		response.Database = "unhealthy"
		response.Details["database_error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Database = "healthy"
	c.JSON(http.StatusOK, response)
}

// SetupHealthRoutes registers health check routes
func SetupHealthRoutes(apiGroup *gin.RouterGroup, handler *HealthHandler) {
	apiGroup.GET("/health", handler.Check)
}
