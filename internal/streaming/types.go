// Package streaming provides the adaptive playback session and its error taxonomy.
package streaming

import (
	"errors"
	"fmt"
	"sort"
)

// Status represents the current state of a playback session
type Status string

// Playback status constants
const (
	StatusIdle    Status = "idle"    // No source attached
	StatusLoading Status = "loading" // Engine attached, waiting for first fragment
	StatusPlaying Status = "playing" // First fragment (or native metadata) loaded
	StatusError   Status = "error"   // Terminal failure, needs explicit retry
)

// AutoQuality is the quality index that requests automatic level selection
const AutoQuality = -1

// Common errors
var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidState           = errors.New("operation not allowed in current state")
	ErrSessionDestroyed       = errors.New("session has been destroyed")
	ErrNoSource               = errors.New("no signed url to attach")
	ErrUnknownLevel           = errors.New("unknown quality level")
	ErrQualityUnsupported     = errors.New("quality selection unavailable in native playback")
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is a known valid value
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusLoading, StatusPlaying, StatusError:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a transition from current status to next is valid
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusIdle:
		return next == StatusLoading
	case StatusLoading:
		// Re-attach restarts at loading
		return next == StatusPlaying || next == StatusError || next == StatusLoading
	case StatusPlaying:
		return next == StatusError || next == StatusLoading
	case StatusError:
		// Only an explicit retry leaves the error state
		return next == StatusLoading
	default:
		return false
	}
}

// QualityLevel describes one rendition from a parsed manifest.
// Index is assigned by the engine and is not necessarily height-sorted.
type QualityLevel struct {
	Index      int    `json:"index"`
	Height     int    `json:"height"`
	Width      int    `json:"width"`
	BitrateBps int    `json:"bitrate_bps"`
	Label      string `json:"label"`
}

// LevelLabel returns the display label for a rendition height
func LevelLabel(height int) string {
	if height <= 0 {
		return "audio"
	}
	return fmt.Sprintf("%dp", height)
}

// SortForDisplay returns a copy of levels ordered by height descending.
// Ties keep the higher bitrate first, then the engine order.
func SortForDisplay(levels []QualityLevel) []QualityLevel {
	out := make([]QualityLevel, len(levels))
	copy(out, levels)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height > out[j].Height
		}
		return out[i].BitrateBps > out[j].BitrateBps
	})
	return out
}

// QualityLabel returns the label for index, or "Auto" for AutoQuality and unknown indexes
func QualityLabel(levels []QualityLevel, index int) string {
	if index == AutoQuality {
		return "Auto"
	}
	for _, l := range levels {
		if l.Index == index {
			return l.Label
		}
	}
	return "Auto"
}

// Snapshot is a consistent view of a session for the presentation layer
type Snapshot struct {
	ID            string         `json:"id"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     ErrorCode      `json:"error_code,omitempty"`
	QualityLevels []QualityLevel `json:"quality_levels"`
	CurrentLevel  int            `json:"current_quality_index"`
	QualityLabel  string         `json:"current_quality_label"`
	ActiveLevel   int            `json:"active_level"`
	Native        bool           `json:"native"`
	Muted         bool           `json:"muted"`
	AutoplayBlock bool           `json:"autoplay_blocked"`
	Retryable     bool           `json:"retryable"`
	SourceURL     string         `json:"source_url,omitempty"`
}
