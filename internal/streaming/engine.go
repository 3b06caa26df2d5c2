package streaming

import (
	"context"
	"time"
)

// HLSMimeType is the stream format a sink must accept for native playback
const HLSMimeType = "application/vnd.apple.mpegurl"

// Event is the closed set of notifications an engine or sink delivers to a session:
// ManifestParsed, FragmentLoaded, LevelSwitched, EngineError and MetadataLoaded.
type Event interface {
	isEvent()
}

// ManifestParsed is emitted once per manifest with the available renditions
type ManifestParsed struct {
	Levels []QualityLevel
}

// FragmentLoaded is emitted after a media fragment was fetched and handed to the sink
type FragmentLoaded struct {
	Level    int
	Sequence uint64
	Bytes    int
}

// LevelSwitched is emitted when the engine changes the active rendition
type LevelSwitched struct {
	Level int
}

// MetadataLoaded is emitted by a sink in native playback once the stream metadata is known
type MetadataLoaded struct{}

func (ManifestParsed) isEvent() {}
func (FragmentLoaded) isEvent() {}
func (LevelSwitched) isEvent()  {}
func (MetadataLoaded) isEvent() {}

// EngineConfig is the fixed configuration every engine instance is created with
type EngineConfig struct {
	LowLatency           bool
	BackBuffer           time.Duration
	MaxBuffer            time.Duration
	MaxMaxBuffer         time.Duration
	LiveSyncCount        int
	LiveMaxLatencyCount  int
	LiveDurationInfinity bool
	MaxNetworkRetries    int
	RequestTimeout       time.Duration
}

// DefaultEngineConfig returns the low-latency live tuning
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LowLatency:           true,
		BackBuffer:           90 * time.Second,
		MaxBuffer:            30 * time.Second,
		MaxMaxBuffer:         60 * time.Second,
		LiveSyncCount:        3,
		LiveMaxLatencyCount:  10,
		LiveDurationInfinity: true,
		MaxNetworkRetries:    3,
		RequestTimeout:       10 * time.Second,
	}
}

// Engine is an adaptive-bitrate playback engine bound to one source and one sink.
// Events are delivered through the emit callback given to the factory and may
// arrive from any goroutine. Every method except Destroy must be safe to call
// from inside emit.
type Engine interface {
	LoadSource(url string)
	AttachMedia(sink Sink)
	// StartLoad resumes loading after a network failure, keeping buffers
	StartLoad()
	// RecoverMediaError resets the decode pipeline without discarding the session
	RecoverMediaError()
	// SetLevel pins a rendition index, or AutoQuality for adaptive selection
	SetLevel(index int)
	// Destroy stops all loading and releases the sink. It is idempotent and
	// returns once no further calls into the sink can happen.
	Destroy()
}

// EngineFactory creates engines and reports whether the runtime supports them
type EngineFactory interface {
	Supported() bool
	New(cfg EngineConfig, emit func(Event)) Engine
}

// Fragment is one media segment delivered to a sink
type Fragment struct {
	Level    int
	Sequence uint64
	URI      string
	Duration time.Duration
	Data     []byte
}

// Sink is the video output a session attaches to
type Sink interface {
	SetMuted(muted bool)
	Muted() bool
	// Play starts playback. It may be rejected by the platform autoplay policy.
	Play(ctx context.Context) error
	CanPlayType(mime string) bool
	// SetSource assigns a URL for native playback; onMetadata fires once when metadata loads
	SetSource(url string, onMetadata func()) error
	Feed(f Fragment) error
	// Attach binds the sink to an engine; Detach releases it
	Attach()
	Detach()
}
