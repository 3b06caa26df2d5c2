package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/catalog"
	"github.com/stwalsh4118/vivo/internal/delivery"
	"github.com/stwalsh4118/vivo/internal/models"
	"github.com/stwalsh4118/vivo/internal/player"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

// mockPlayer is a test helper that implements playerControl
type mockPlayer struct {
	loaded     *player.LoadRequest
	loadErr    error
	view       player.View
	retryErr   error
	quality    *int
	qualityErr error
	refresh    token.State
	refreshErr error
	unmuted    bool
	unmuteErr  error
	embedCode  int
	blocked    bool
	embedErr   error
	destroyed  int
}

func (m *mockPlayer) Load(req player.LoadRequest) (player.View, error) {
	m.loaded = &req
	v := m.view
	v.ContentID = req.Source.ID
	return v, m.loadErr
}

func (m *mockPlayer) View() player.View { return m.view }

func (m *mockPlayer) Retry(context.Context) error { return m.retryErr }

func (m *mockPlayer) Destroy() { m.destroyed++ }

func (m *mockPlayer) Unmute(context.Context) error {
	m.unmuted = true
	return m.unmuteErr
}

func (m *mockPlayer) SetQuality(index int) error {
	m.quality = &index
	return m.qualityErr
}

func (m *mockPlayer) EmbedError(code int) (bool, error) {
	m.embedCode = code
	return m.blocked, m.embedErr
}

func (m *mockPlayer) RefreshToken(context.Context) (token.State, error) {
	return m.refresh, m.refreshErr
}

type mockResolver struct {
	contents map[uuid.UUID]*models.Content
	err      error
}

func (m *mockResolver) GetByID(_ context.Context, id uuid.UUID) (*models.Content, error) {
	if m.err != nil {
		return nil, m.err
	}
	content, ok := m.contents[id]
	if !ok {
		return nil, catalog.ErrContentNotFound
	}
	return content, nil
}

func setupPlayerRouter(p *mockPlayer, resolver *mockResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupPlayerRoutes(router.Group("/api"), NewPlayerHandler(p, resolver))
	return router
}

func playerRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPlayerLoad_ByContentID(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	content := models.NewContent("Final", "https://cdn.example.com/final/master.m3u8")
	content.AvailableSince = &since
	content.Muted = true
	resolver := &mockResolver{contents: map[uuid.UUID]*models.Content{content.ID: content}}
	p := &mockPlayer{view: player.View{Status: streaming.StatusLoading, Mode: delivery.ModeAdaptive}}
	router := setupPlayerRouter(p, resolver)

	w := playerRequest(t, router, http.MethodPost, "/api/player/load", map[string]interface{}{
		"content_id": content.ID.String(),
		"autoplay":   false,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, p.loaded)
	assert.Equal(t, content.ID.String(), p.loaded.Source.ID)
	assert.Equal(t, content.URL, p.loaded.Source.URL)
	assert.Equal(t, &since, p.loaded.Source.Window.Since)
	assert.False(t, p.loaded.Autoplay, "request overrides catalog autoplay")
	assert.True(t, p.loaded.Muted, "catalog muted is kept")

	var view player.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, streaming.StatusLoading, view.Status)
}

func TestPlayerLoad_ByURL(t *testing.T) {
	p := &mockPlayer{}
	router := setupPlayerRouter(p, &mockResolver{})

	w := playerRequest(t, router, http.MethodPost, "/api/player/load", map[string]interface{}{
		"url":  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"name": "Clip",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p.loaded)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", p.loaded.Source.URL)
	assert.True(t, p.loaded.Autoplay)
	assert.False(t, p.loaded.Muted)
}

func TestPlayerLoad_UnavailableStillReturnsView(t *testing.T) {
	p := &mockPlayer{
		view:    player.View{Status: streaming.StatusError, ErrorCode: streaming.CodeUnavailable},
		loadErr: &availability.AvailabilityError{Reason: "Available from 01/02/2099"},
	}
	router := setupPlayerRouter(p, &mockResolver{})

	w := playerRequest(t, router, http.MethodPost, "/api/player/load", map[string]interface{}{"url": "https://cdn.example.com/a.m3u8"})

	assert.Equal(t, http.StatusOK, w.Code)
	var view player.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, streaming.CodeUnavailable, view.ErrorCode)
}

func TestPlayerLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		resolver *mockResolver
		wantCode int
	}{
		{"missing source", map[string]interface{}{}, &mockResolver{}, http.StatusBadRequest},
		{"invalid id", map[string]interface{}{"content_id": "nope"}, &mockResolver{}, http.StatusBadRequest},
		{"unknown id", map[string]interface{}{"content_id": uuid.New().String()}, &mockResolver{}, http.StatusNotFound},
		{"catalog failure", map[string]interface{}{"content_id": uuid.New().String()}, &mockResolver{err: errors.New("db closed")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPlayer{}
			w := playerRequest(t, setupPlayerRouter(p, tt.resolver), http.MethodPost, "/api/player/load", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Nil(t, p.loaded)
		})
	}
}

func TestPlayerGet(t *testing.T) {
	p := &mockPlayer{view: player.View{
		Status:              streaming.StatusPlaying,
		CurrentQualityIndex: streaming.AutoQuality,
		CurrentQualityLabel: "Auto",
		QualityLevels:       []streaming.QualityLevel{{Index: 0, Height: 720, Label: "720p"}},
	}}
	w := playerRequest(t, setupPlayerRouter(p, &mockResolver{}), http.MethodGet, "/api/player", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "playing", view["status"])
	assert.Equal(t, float64(-1), view["current_quality_index"])
	assert.Len(t, view["quality_levels"], 1)
}

func TestPlayerSetQuality(t *testing.T) {
	p := &mockPlayer{}
	router := setupPlayerRouter(p, &mockResolver{})

	w := playerRequest(t, router, http.MethodPost, "/api/player/quality", map[string]int{"index": 0})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p.quality)
	assert.Equal(t, 0, *p.quality)

	w = playerRequest(t, router, http.MethodPost, "/api/player/quality", map[string]int{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	p.qualityErr = streaming.ErrUnknownLevel
	w = playerRequest(t, router, http.MethodPost, "/api/player/quality", map[string]int{"index": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	p.qualityErr = player.ErrNotAdaptive
	w = playerRequest(t, router, http.MethodPost, "/api/player/quality", map[string]int{"index": 0})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPlayerRetry(t *testing.T) {
	p := &mockPlayer{}
	router := setupPlayerRouter(p, &mockResolver{})

	assert.Equal(t, http.StatusOK, playerRequest(t, router, http.MethodPost, "/api/player/retry", nil).Code)

	p.retryErr = streaming.ErrInvalidState
	assert.Equal(t, http.StatusConflict, playerRequest(t, router, http.MethodPost, "/api/player/retry", nil).Code)

	p.retryErr = streaming.ErrCapability
	assert.Equal(t, http.StatusUnprocessableEntity, playerRequest(t, router, http.MethodPost, "/api/player/retry", nil).Code)

	p.retryErr = &availability.AvailabilityError{Reason: "expired"}
	assert.Equal(t, http.StatusForbidden, playerRequest(t, router, http.MethodPost, "/api/player/retry", nil).Code)
}

func TestPlayerRefreshToken(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &mockPlayer{refresh: token.State{URL: &token.SignedURL{Value: "https://cdn.example.com/m.m3u8?hdnts=1", IssuedAt: issued}}}
	router := setupPlayerRouter(p, &mockResolver{})

	w := playerRequest(t, router, http.MethodPost, "/api/player/refresh-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hdnts", "signed url is never exposed")

	var resp RefreshTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Token.IssuedAt)
	assert.True(t, issued.Equal(*resp.Token.IssuedAt))

	p.refresh = token.State{Error: "Could not reach the token service", ConsecutiveFailures: 2}
	p.refreshErr = errors.New(p.refresh.Error)
	w = playerRequest(t, router, http.MethodPost, "/api/player/refresh-token", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Token.ConsecutiveFailures)

	p.refreshErr = player.ErrNotAdaptive
	p.refresh = token.State{}
	assert.Equal(t, http.StatusConflict, playerRequest(t, router, http.MethodPost, "/api/player/refresh-token", nil).Code)
}

func TestPlayerUnmuteAndDestroy(t *testing.T) {
	p := &mockPlayer{}
	router := setupPlayerRouter(p, &mockResolver{})

	assert.Equal(t, http.StatusOK, playerRequest(t, router, http.MethodPost, "/api/player/unmute", nil).Code)
	assert.True(t, p.unmuted)

	assert.Equal(t, http.StatusOK, playerRequest(t, router, http.MethodDelete, "/api/player", nil).Code)
	assert.Equal(t, http.StatusOK, playerRequest(t, router, http.MethodDelete, "/api/player", nil).Code)
	assert.Equal(t, 2, p.destroyed)

	p.unmuteErr = player.ErrNotLoaded
	assert.Equal(t, http.StatusConflict, playerRequest(t, router, http.MethodPost, "/api/player/unmute", nil).Code)
}

func TestPlayerEmbedError(t *testing.T) {
	p := &mockPlayer{blocked: true}
	router := setupPlayerRouter(p, &mockResolver{})

	w := playerRequest(t, router, http.MethodPost, "/api/player/embed-error", map[string]int{"code": 232403})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 232403, p.embedCode)

	var resp EmbedErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Blocked)

	assert.Equal(t, http.StatusBadRequest, playerRequest(t, router, http.MethodPost, "/api/player/embed-error", map[string]int{}).Code)

	p.embedErr = player.ErrNotEmbedded
	assert.Equal(t, http.StatusConflict, playerRequest(t, router, http.MethodPost, "/api/player/embed-error", map[string]int{"code": 100}).Code)
}
