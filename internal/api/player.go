package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/catalog"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/models"
	"github.com/stwalsh4118/vivo/internal/player"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

// playerControl is the player surface the HTTP layer drives
type playerControl interface {
	Load(req player.LoadRequest) (player.View, error)
	View() player.View
	Retry(ctx context.Context) error
	SetQuality(index int) error
	RefreshToken(ctx context.Context) (token.State, error)
	Unmute(ctx context.Context) error
	EmbedError(code int) (bool, error)
	Destroy()
}

// contentResolver looks up catalog entries by ID
type contentResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Content, error)
}

// LoadRequest is the body of POST /api/player/load. Either ContentID or URL
// must be set; Autoplay and Muted override the catalog defaults.
type LoadRequest struct {
	ContentID string `json:"content_id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	Autoplay  *Flag  `json:"autoplay"`
	Muted     *Flag  `json:"muted"`
}

// QualityRequest selects a rendition; -1 restores automatic selection
type QualityRequest struct {
	Index *int `json:"index" binding:"required"`
}

// EmbedErrorRequest carries a provider error code
type EmbedErrorRequest struct {
	Code *int `json:"code" binding:"required"`
}

// EmbedErrorResponse reports whether the provider code replaced the embed
type EmbedErrorResponse struct {
	Blocked bool        `json:"blocked"`
	Player  player.View `json:"player"`
}

// RefreshTokenResponse reports the scheduler state after a manual refresh
type RefreshTokenResponse struct {
	Token  player.TokenView `json:"token"`
	Player player.View      `json:"player"`
}

// PlayerHandler handles player control requests
type PlayerHandler struct {
	player   playerControl
	contents contentResolver
}

// NewPlayerHandler creates a new player handler
func NewPlayerHandler(p playerControl, contents contentResolver) *PlayerHandler {
	return &PlayerHandler{player: p, contents: contents}
}

// Load handles POST /api/player/load
func (h *PlayerHandler) Load(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	load, ok := h.resolve(c, req)
	if !ok {
		return
	}

	view, err := h.player.Load(load)
	if err != nil && !errors.Is(err, availability.ErrUnavailable) {
		h.respondError(c, err, "Failed to load content")
		return
	}

	logger.Log.Info().
		Str("content_id", view.ContentID).
		Str("mode", string(view.Mode)).
		Str("status", string(view.Status)).
		Msg("Player loaded content")
	c.JSON(http.StatusOK, view)
}

func (h *PlayerHandler) resolve(c *gin.Context, req LoadRequest) (player.LoadRequest, bool) {
	load := player.LoadRequest{Autoplay: true}

	switch {
	case req.ContentID != "":
		id, err := uuid.Parse(req.ContentID)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_id",
				Message: "Invalid content ID format",
			})
			return load, false
		}
		content, err := h.contents.GetByID(c.Request.Context(), id)
		if err != nil {
			if catalog.IsNotFound(err) {
				c.JSON(http.StatusNotFound, ErrorResponse{
					Error:   "not_found",
					Message: "Content not found",
				})
				return load, false
			}
			logger.Log.Error().Err(err).Str("content_id", req.ContentID).Msg("Failed to resolve content")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "internal_error",
				Message: "Failed to resolve content",
			})
			return load, false
		}
		load.Source = player.Source{
			ID:     content.ID.String(),
			Name:   content.Name,
			URL:    content.URL,
			Window: content.Window(),
		}
		load.Autoplay = content.Autoplay
		load.Muted = content.Muted
	case req.URL != "":
		load.Source = player.Source{ID: req.URL, Name: req.Name, URL: req.URL}
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "content_id or url is required",
		})
		return load, false
	}

	load.Autoplay = boolOr(req.Autoplay, load.Autoplay)
	load.Muted = boolOr(req.Muted, load.Muted)
	return load, true
}

// Get handles GET /api/player
func (h *PlayerHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.player.View())
}

// Retry handles POST /api/player/retry
func (h *PlayerHandler) Retry(c *gin.Context) {
	if err := h.player.Retry(c.Request.Context()); err != nil {
		h.respondError(c, err, "Failed to retry playback")
		return
	}
	c.JSON(http.StatusOK, h.player.View())
}

// SetQuality handles POST /api/player/quality
func (h *PlayerHandler) SetQuality(c *gin.Context) {
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}
	if err := h.player.SetQuality(*req.Index); err != nil {
		h.respondError(c, err, "Failed to set quality")
		return
	}
	c.JSON(http.StatusOK, h.player.View())
}

// RefreshToken handles POST /api/player/refresh-token
func (h *PlayerHandler) RefreshToken(c *gin.Context) {
	st, err := h.player.RefreshToken(c.Request.Context())
	if err != nil && st.Error == "" {
		h.respondError(c, err, "Failed to refresh token")
		return
	}

	resp := RefreshTokenResponse{
		Token:  player.NewTokenView(st),
		Player: h.player.View(),
	}

	// a failed refresh leaves the current signed url in use
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, resp)
}

// Unmute handles POST /api/player/unmute
func (h *PlayerHandler) Unmute(c *gin.Context) {
	if err := h.player.Unmute(c.Request.Context()); err != nil {
		h.respondError(c, err, "Failed to unmute")
		return
	}
	c.JSON(http.StatusOK, h.player.View())
}

// EmbedError handles POST /api/player/embed-error
func (h *PlayerHandler) EmbedError(c *gin.Context) {
	var req EmbedErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}
	blocked, err := h.player.EmbedError(*req.Code)
	if err != nil {
		h.respondError(c, err, "Failed to report embed error")
		return
	}
	c.JSON(http.StatusOK, EmbedErrorResponse{Blocked: blocked, Player: h.player.View()})
}

// Destroy handles DELETE /api/player
func (h *PlayerHandler) Destroy(c *gin.Context) {
	h.player.Destroy()
	c.JSON(http.StatusOK, MessageResponse{Message: "Player destroyed"})
}

func (h *PlayerHandler) respondError(c *gin.Context, err error, message string) {
	status, code := playerErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Error().Err(err).Msg(message)
	} else {
		logger.Log.Debug().Err(err).Msg(message)
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func playerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, player.ErrMissingURL),
		errors.Is(err, streaming.ErrUnknownLevel),
		errors.Is(err, streaming.ErrQualityUnsupported):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, availability.ErrUnavailable):
		return http.StatusForbidden, "unavailable"
	case errors.Is(err, player.ErrNotLoaded),
		errors.Is(err, player.ErrNotAdaptive),
		errors.Is(err, player.ErrNotEmbedded),
		errors.Is(err, streaming.ErrInvalidState),
		errors.Is(err, streaming.ErrSessionDestroyed):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, streaming.ErrCapability):
		return http.StatusUnprocessableEntity, "unsupported"
	case errors.Is(err, token.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "token_unavailable"
	case token.IsGatewayError(err):
		return http.StatusBadGateway, "token_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// SetupPlayerRoutes registers player control routes
func SetupPlayerRoutes(apiGroup *gin.RouterGroup, handler *PlayerHandler) {
	group := apiGroup.Group("/player")
	{
		group.GET("", handler.Get)
		group.DELETE("", handler.Destroy)
		group.POST("/load", handler.Load)
		group.POST("/retry", handler.Retry)
		group.POST("/quality", handler.SetQuality)
		group.POST("/refresh-token", handler.RefreshToken)
		group.POST("/unmute", handler.Unmute)
		group.POST("/embed-error", handler.EmbedError)
	}
}
