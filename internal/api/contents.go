package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/catalog"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/models"
)

// contentCatalog is the catalog surface used by ContentHandler
type contentCatalog interface {
	Create(ctx context.Context, in catalog.CreateInput) (*models.Content, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Content, error)
	List(ctx context.Context) ([]*models.Content, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// CreateContentRequest represents a request to add a content item.
// Dates are DD/MM/YYYY; an empty bound leaves that side of the window open.
type CreateContentRequest struct {
	Name           string `json:"name" binding:"required"`
	URL            string `json:"url" binding:"required"`
	AvailableSince string `json:"available_since,omitempty"`
	AvailableUntil string `json:"available_until,omitempty"`
	Autoplay       *Flag  `json:"autoplay,omitempty"`
	Muted          *Flag  `json:"muted,omitempty"`
}

// ContentResponse represents a content item in API responses
type ContentResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	URL            string              `json:"url"`
	AvailableSince *time.Time          `json:"available_since,omitempty"`
	AvailableUntil *time.Time          `json:"available_until,omitempty"`
	Autoplay       bool                `json:"autoplay"`
	Muted          bool                `json:"muted"`
	Availability   availability.Result `json:"availability"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// ContentListResponse represents a list of content items
type ContentListResponse struct {
	Contents []*ContentResponse `json:"contents"`
}

// ContentHandler handles catalog requests
type ContentHandler struct {
	catalog contentCatalog
	now     func() time.Time
}

// NewContentHandler creates a new content handler instance
func NewContentHandler(c contentCatalog) *ContentHandler {
	return &ContentHandler{catalog: c, now: time.Now}
}

func (h *ContentHandler) toResponse(c *models.Content) *ContentResponse {
	return &ContentResponse{
		ID:             c.ID.String(),
		Name:           c.Name,
		URL:            c.URL,
		AvailableSince: c.AvailableSince,
		AvailableUntil: c.AvailableUntil,
		Autoplay:       c.Autoplay,
		Muted:          c.Muted,
		Availability:   availability.Check(c.Window(), h.now()),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// CreateContent handles POST /api/contents
func (h *ContentHandler) CreateContent(c *gin.Context) {
	var req CreateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	in := catalog.CreateInput{
		Name:     req.Name,
		URL:      req.URL,
		Since:    req.AvailableSince,
		Until:    req.AvailableUntil,
		Autoplay: boolOr(req.Autoplay, true),
		Muted:    boolOr(req.Muted, false),
	}

	content, err := h.catalog.Create(c.Request.Context(), in)
	if err != nil {
		switch {
		case catalog.IsValidation(err):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
			})
		case catalog.IsDuplicateName(err):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "duplicate_name",
				Message: "Content with this name already exists",
			})
		default:
			logger.Log.Error().Err(err).Str("name", req.Name).Msg("Failed to create content")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "internal_error",
				Message: "Failed to create content",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, h.toResponse(content))
}

// ListContents handles GET /api/contents
func (h *ContentHandler) ListContents(c *gin.Context) {
	contents, err := h.catalog.List(c.Request.Context())
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to list contents")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list contents",
		})
		return
	}

	resp := ContentListResponse{Contents: make([]*ContentResponse, 0, len(contents))}
	for _, content := range contents {
		resp.Contents = append(resp.Contents, h.toResponse(content))
	}
	c.JSON(http.StatusOK, resp)
}

// GetContent handles GET /api/contents/:id
func (h *ContentHandler) GetContent(c *gin.Context) {
	id, ok := parseContentID(c)
	if !ok {
		return
	}

	content, err := h.catalog.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondLookupError(c, err, "Failed to get content")
		return
	}
	c.JSON(http.StatusOK, h.toResponse(content))
}

// DeleteContent handles DELETE /api/contents/:id
func (h *ContentHandler) DeleteContent(c *gin.Context) {
	id, ok := parseContentID(c)
	if !ok {
		return
	}

	if err := h.catalog.Delete(c.Request.Context(), id); err != nil {
		h.respondLookupError(c, err, "Failed to delete content")
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Content deleted successfully"})
}

func (h *ContentHandler) respondLookupError(c *gin.Context, err error, message string) {
	if catalog.IsNotFound(err) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Content not found",
		})
		return
	}
	logger.Log.Error().Err(err).Str("content_id", c.Param("id")).Msg(message)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}

func parseContentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid content ID format",
		})
		return uuid.Nil, false
	}
	return id, true
}

// SetupContentRoutes registers catalog routes
func SetupContentRoutes(apiGroup *gin.RouterGroup, handler *ContentHandler) {
	contents := apiGroup.Group("/contents")
	{
		contents.GET("", handler.ListContents)
		contents.POST("", handler.CreateContent)
		contents.GET("/:id", handler.GetContent)
		contents.DELETE("/:id", handler.DeleteContent)
	}
}
