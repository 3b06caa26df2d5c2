package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/token"
)

const maxTokenizeRequestBytes = 16 << 10

// tokenUpstream is the signer the proxy forwards to
type tokenUpstream interface {
	Tokenize(ctx context.Context, body []byte) (*token.UpstreamResponse, error)
}

// ProxyRecorder receives tokenize proxy outcomes
type ProxyRecorder interface {
	RateLimited()
	ProxyResponse(status int)
}

type noopRecorder struct{}

func (noopRecorder) RateLimited()      {}
func (noopRecorder) ProxyResponse(int) {}

// TokenizeHandler proxies token requests to the upstream signer
type TokenizeHandler struct {
	upstream tokenUpstream
	limiter  *ClientLimiter
	recorder ProxyRecorder
}

// NewTokenizeHandler creates a tokenize proxy. limiter and recorder may be nil.
func NewTokenizeHandler(upstream tokenUpstream, limiter *ClientLimiter, recorder ProxyRecorder) *TokenizeHandler {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &TokenizeHandler{upstream: upstream, limiter: limiter, recorder: recorder}
}

// Tokenize handles /api/tokenize. Only POST is accepted.
func (h *TokenizeHandler) Tokenize(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		h.respondJSON(c, http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(c.ClientIP()) {
		h.recorder.RateLimited()
		logger.Log.Warn().
			Str("client_ip", c.ClientIP()).
			Msg("Tokenize request rate limited")
		h.respondJSON(c, http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTokenizeRequestBytes))
	if err != nil || (len(body) > 0 && !json.Valid(body)) {
		h.respondJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	resp, err := h.upstream.Tokenize(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, token.ErrCircuitOpen) {
			logger.Log.Warn().Msg("Tokenize upstream circuit open, shedding request")
			h.respondJSON(c, http.StatusServiceUnavailable, gin.H{"error": "Token service unavailable"})
			return
		}
		logger.Log.Error().Err(err).Msg("Tokenize upstream request failed")
		h.respondJSON(c, http.StatusInternalServerError, gin.H{"error": "Failed to fetch token"})
		return
	}

	h.recorder.ProxyResponse(resp.Status)
	if resp.Status < 200 || resp.Status > 299 {
		logger.Log.Warn().
			Int("status", resp.Status).
			Msg("Tokenize upstream rejected request")
		c.Data(resp.Status, "text/html; charset=utf-8", resp.Body)
		return
	}
	c.Data(http.StatusOK, "text/plain", resp.Body)
}

func (h *TokenizeHandler) respondJSON(c *gin.Context, status int, body gin.H) {
	h.recorder.ProxyResponse(status)
	c.JSON(status, body)
}

// SetupTokenizeRoutes registers the proxy for every method so that non-POST
// requests get a JSON 405 instead of the router's default
func SetupTokenizeRoutes(apiGroup *gin.RouterGroup, handler *TokenizeHandler) {
	apiGroup.Any("/tokenize", handler.Tokenize)
}
