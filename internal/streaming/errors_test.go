package streaming

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		in          EngineError
		code        ErrorCode
		terminal    bool
		recoverable bool
	}{
		{"fatal network", EngineError{Kind: KindNetwork, Fatal: true}, CodeNetwork, false, true},
		{"fatal media", EngineError{Kind: KindMedia, Fatal: true}, CodeMedia, false, true},
		{"fatal other", EngineError{Kind: KindOther, Fatal: true}, CodeFatalOther, true, false},
		{"non-fatal network", EngineError{Kind: KindNetwork}, CodeNetwork, false, false},
		{"non-fatal other", EngineError{Kind: KindOther}, CodeFatalOther, false, false},
		{"geo provider code", EngineError{Kind: KindNetwork, Code: 232403}, CodeGeoBlocked, true, false},
		{"unavailable provider code", EngineError{Kind: KindMedia, Code: 232404}, CodeUnavailable, true, false},
		{"unknown provider code", EngineError{Kind: KindOther, Fatal: true, Code: 100}, CodeFatalOther, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.terminal, got.Terminal())
			assert.Equal(t, tt.recoverable, got.Recoverable)
			assert.Equal(t, MessageFor(tt.code), got.Message)
		})
	}
}

func TestStreamError_Is(t *testing.T) {
	geo := Classify(EngineError{Code: 232401})
	assert.True(t, errors.Is(geo, ErrGeoBlocked))
	assert.True(t, errors.Is(geo, ErrStreamFatal))
	assert.False(t, errors.Is(geo, ErrContentUnavailable))

	unavailable := Classify(EngineError{Code: 232402})
	assert.True(t, errors.Is(unavailable, ErrContentUnavailable))

	network := Classify(EngineError{Kind: KindNetwork, Fatal: true})
	assert.False(t, errors.Is(network, ErrStreamFatal))
}

func TestStreamError_Unwrap(t *testing.T) {
	cause := errors.New("socket reset")
	se := Classify(EngineError{Kind: KindOther, Fatal: true, Err: cause})

	assert.True(t, errors.Is(se, cause))

	var engErr EngineError
	assert.True(t, errors.As(se, &engErr))
	assert.Equal(t, KindOther, engErr.Kind)

	wrapped := fmt.Errorf("playback: %w", se)
	var target *StreamError
	assert.True(t, errors.As(wrapped, &target))
}

func TestEngineError_TokenRelated(t *testing.T) {
	tests := []struct {
		details string
		status  int
		want    bool
	}{
		{DetailManifestLoad, http.StatusForbidden, true},
		{DetailManifestLoad, http.StatusUnauthorized, true},
		{DetailLevelLoad, http.StatusGone, true},
		{DetailManifestLoad, http.StatusNotFound, false},
		{DetailFragmentLoad, http.StatusForbidden, false},
		{DetailManifestParse, http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.details, tt.status), func(t *testing.T) {
			e := EngineError{Kind: KindNetwork, Fatal: true, Details: tt.details, HTTPStatus: tt.status}
			assert.Equal(t, tt.want, e.TokenRelated())
		})
	}
}

func TestEngineError_Error(t *testing.T) {
	e := EngineError{Kind: KindNetwork, Fatal: true, Details: DetailLevelLoad, HTTPStatus: 403, Err: errors.New("denied")}
	assert.Equal(t, "network error (fatal=true): level_load_error [http 403] (caused by: denied)", e.Error())
}

func TestPlaceholder(t *testing.T) {
	code, msg, ok := Placeholder(232401)
	assert.True(t, ok)
	assert.Equal(t, CodeGeoBlocked, code)
	assert.Equal(t, MsgGeoBlocked, msg)

	code, msg, ok = Placeholder(232404)
	assert.True(t, ok)
	assert.Equal(t, CodeUnavailable, code)
	assert.Equal(t, MsgUnavailable, msg)

	_, _, ok = Placeholder(150)
	assert.False(t, ok)
}

func TestMessageFor(t *testing.T) {
	assert.Equal(t, MsgNetwork, MessageFor(CodeNetwork))
	assert.Equal(t, MsgMedia, MessageFor(CodeMedia))
	assert.Equal(t, MsgFatal, MessageFor(CodeFatalOther))
	assert.Equal(t, MsgFatal, MessageFor(ErrorCode("mystery")))
}
