package streaming

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the unified playback error taxonomy shared by the adaptive and embedded paths
type ErrorCode string

// Error codes
const (
	CodeNetwork     ErrorCode = "network"
	CodeMedia       ErrorCode = "media"
	CodeGeoBlocked  ErrorCode = "geo_blocked"
	CodeUnavailable ErrorCode = "unavailable"
	CodeFatalOther  ErrorCode = "fatal_other"
)

// String returns the string representation of ErrorCode
func (c ErrorCode) String() string {
	return string(c)
}

// ErrorKind is the engine's own category for an error
type ErrorKind string

// Engine error kinds
const (
	KindNetwork ErrorKind = "network"
	KindMedia   ErrorKind = "media"
	KindOther   ErrorKind = "other"
)

// Engine error details
const (
	DetailManifestLoad  = "manifest_load_error"
	DetailManifestParse = "manifest_parse_error"
	DetailLevelLoad     = "level_load_error"
	DetailFragmentLoad  = "frag_load_error"
	DetailBufferAppend  = "buffer_append_error"
)

// Sentinel errors for terminal conditions
var (
	ErrGeoBlocked         = errors.New("content is geo-restricted")
	ErrContentUnavailable = errors.New("content unavailable")
	ErrStreamFatal        = errors.New("unrecoverable stream error")
	ErrCapability         = errors.New("no playback technology available")
	ErrTokenRejected      = errors.New("signed url rejected")
)

// providerCodes maps provider numeric codes to the taxonomy.
// Codes absent from the table fall through to the engine's fatal flag.
var providerCodes = map[int]ErrorCode{
	232401: CodeGeoBlocked,
	232403: CodeGeoBlocked,
	232402: CodeUnavailable,
	232404: CodeUnavailable,
}

// User-facing messages
const (
	MsgNetwork       = "Network error. Retrying..."
	MsgMedia         = "Media error. Recovering..."
	MsgFatal         = "Fatal player error"
	MsgGeoBlocked    = "Content restricted in your region"
	MsgUnavailable   = "Content unavailable"
	MsgCapability    = "This runtime does not support HLS playback"
	MsgTokenRejected = "Stream authorization expired"
)

// EngineError is reported by an engine. It doubles as the error event variant.
type EngineError struct {
	Kind       ErrorKind
	Fatal      bool
	Code       int    // provider-specific numeric code, 0 when none
	Details    string // engine detail such as DetailManifestLoad
	HTTPStatus int
	URL        string
	Err        error
}

func (EngineError) isEvent() {}

// Error implements the error interface
func (e EngineError) Error() string {
	msg := fmt.Sprintf("%s error (fatal=%t)", e.Kind, e.Fatal)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" [http %d]", e.HTTPStatus)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e EngineError) Unwrap() error {
	return e.Err
}

// TokenRelated reports whether the failure means the signed URL was refused
func (e EngineError) TokenRelated() bool {
	if e.Details != DetailManifestLoad && e.Details != DetailLevelLoad {
		return false
	}
	switch e.HTTPStatus {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return true
	default:
		return false
	}
}

// StreamError represents a classified playback error
type StreamError struct {
	Code        ErrorCode
	Message     string
	Fatal       bool
	Recoverable bool // handled in place by the session without a status change
	Cause       error
}

// NewStreamError creates a new StreamError with the given code, fatal flag and cause
func NewStreamError(code ErrorCode, fatal bool, cause error) *StreamError {
	return &StreamError{
		Code:        code,
		Message:     MessageFor(code),
		Fatal:       fatal,
		Recoverable: fatal && (code == CodeNetwork || code == CodeMedia),
		Cause:       cause,
	}
}

// Error implements the error interface
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Is matches the taxonomy sentinels
func (e *StreamError) Is(target error) bool {
	switch target {
	case ErrGeoBlocked:
		return e.Code == CodeGeoBlocked
	case ErrContentUnavailable:
		return e.Code == CodeUnavailable
	case ErrStreamFatal:
		return e.Fatal && !e.Recoverable
	default:
		return false
	}
}

// Terminal reports whether the error moves a session to the error status
func (e *StreamError) Terminal() bool {
	return e.Fatal && !e.Recoverable
}

// MessageFor returns the user-facing message for a code
func MessageFor(code ErrorCode) string {
	switch code {
	case CodeNetwork:
		return MsgNetwork
	case CodeMedia:
		return MsgMedia
	case CodeGeoBlocked:
		return MsgGeoBlocked
	case CodeUnavailable:
		return MsgUnavailable
	default:
		return MsgFatal
	}
}

// ClassifyProviderCode looks code up in the provider table
func ClassifyProviderCode(code int) (ErrorCode, bool) {
	c, ok := providerCodes[code]
	return c, ok
}

// Classify maps an engine error onto the taxonomy.
// Provider codes win; otherwise the engine kind and fatal flag decide.
// Provider-table hits are always terminal.
func Classify(e EngineError) *StreamError {
	if code, ok := ClassifyProviderCode(e.Code); ok {
		return NewStreamError(code, true, e)
	}

	switch e.Kind {
	case KindNetwork:
		return NewStreamError(CodeNetwork, e.Fatal, e)
	case KindMedia:
		return NewStreamError(CodeMedia, e.Fatal, e)
	default:
		return NewStreamError(CodeFatalOther, e.Fatal, e)
	}
}

// Placeholder returns the text shown instead of an embed for a provider code.
// ok is false when the code does not block playback.
func Placeholder(code int) (ErrorCode, string, bool) {
	c, ok := ClassifyProviderCode(code)
	if !ok {
		return "", "", false
	}
	return c, MessageFor(c), true
}
