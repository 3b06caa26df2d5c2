package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const defaultRecentFragments = 32

// ErrAutoplayBlocked is returned by Play when unmuted playback needs a user gesture
var ErrAutoplayBlocked = errors.New("autoplay blocked: unmuted playback requires user action")

// ErrSinkDetached is returned when a detached sink is fed or assigned a source
var ErrSinkDetached = errors.New("sink detached")

// SinkStats summarizes what a RecordingSink has received
type SinkStats struct {
	Fragments   int           `json:"fragments"`
	Bytes       int64         `json:"bytes"`
	Buffered    time.Duration `json:"buffered"`
	LastLevel   int           `json:"last_level"`
	LastSeq     uint64        `json:"last_sequence"`
	Playing     bool          `json:"playing"`
	NativeURL   string        `json:"native_url,omitempty"`
	Attachments int           `json:"attachments"`
}

// RecordingSink is a headless video output. It keeps the most recent fragments,
// optionally copies fragment data to a writer, and applies an autoplay policy
// that refuses unmuted Play until the user has interacted once.
type RecordingSink struct {
	nativeHLS      bool
	strictAutoplay bool
	out            io.Writer
	keep           int

	mu          sync.Mutex
	muted       bool
	playing     bool
	gestured    bool
	detached    bool
	recent      []Fragment
	fragments   int
	bytes       int64
	buffered    time.Duration
	lastLevel   int
	lastSeq     uint64
	nativeURL   string
	attachments int
}

// SinkOption configures a RecordingSink
type SinkOption func(*RecordingSink)

// WithNativeHLS makes the sink report that it can play HLS without an engine
func WithNativeHLS(enabled bool) SinkOption {
	return func(s *RecordingSink) { s.nativeHLS = enabled }
}

// WithStrictAutoplay rejects unmuted Play before the first user gesture
func WithStrictAutoplay(enabled bool) SinkOption {
	return func(s *RecordingSink) { s.strictAutoplay = enabled }
}

// WithOutput copies fragment payloads to w
func WithOutput(w io.Writer) SinkOption {
	return func(s *RecordingSink) { s.out = w }
}

// WithRecentFragments sets how many fragments are retained for inspection
func WithRecentFragments(n int) SinkOption {
	return func(s *RecordingSink) {
		if n > 0 {
			s.keep = n
		}
	}
}

// NewRecordingSink creates a sink
func NewRecordingSink(opts ...SinkOption) *RecordingSink {
	s := &RecordingSink{
		strictAutoplay: true,
		keep:           defaultRecentFragments,
		lastLevel:      AutoQuality,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMuted sets the mute flag
func (s *RecordingSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports the mute flag
func (s *RecordingSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Play starts playback unless the autoplay policy forbids it
func (s *RecordingSink) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strictAutoplay && !s.muted && !s.gestured {
		return ErrAutoplayBlocked
	}
	s.playing = true
	return nil
}

// Gesture records a user interaction, lifting the autoplay restriction
func (s *RecordingSink) Gesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gestured = true
}

// CanPlayType reports native support for mime
func (s *RecordingSink) CanPlayType(mime string) bool {
	return s.nativeHLS && mime == HLSMimeType
}

// SetSource assigns a URL for native playback. Metadata is reported immediately.
func (s *RecordingSink) SetSource(url string, onMetadata func()) error {
	s.mu.Lock()
	if !s.nativeHLS {
		s.mu.Unlock()
		return fmt.Errorf("native playback of %s not supported", HLSMimeType)
	}
	s.detached = false
	s.nativeURL = url
	s.attachments++
	s.mu.Unlock()

	if onMetadata != nil {
		onMetadata()
	}
	return nil
}

// Feed accepts a fragment from an engine
func (s *RecordingSink) Feed(f Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrSinkDetached
	}

	s.fragments++
	s.bytes += int64(len(f.Data))
	s.buffered += f.Duration
	s.lastLevel = f.Level
	s.lastSeq = f.Sequence

	kept := f
	kept.Data = nil
	s.recent = append(s.recent, kept)
	if len(s.recent) > s.keep {
		s.recent = s.recent[len(s.recent)-s.keep:]
	}

	if s.out != nil && len(f.Data) > 0 {
		if _, err := s.out.Write(f.Data); err != nil {
			return fmt.Errorf("failed to write fragment %d: %w", f.Sequence, err)
		}
	}
	return nil
}

// Attach marks the sink as bound to an engine
func (s *RecordingSink) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = false
	s.attachments++
}

// Detach releases the sink from its engine or native source
func (s *RecordingSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	s.playing = false
	s.nativeURL = ""
	s.buffered = 0
}

// Recent returns the retained fragments, oldest first, without payloads
func (s *RecordingSink) Recent() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fragment, len(s.recent))
	copy(out, s.recent)
	return out
}

// Stats returns counters describing what the sink has received
func (s *RecordingSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		Fragments:   s.fragments,
		Bytes:       s.bytes,
		Buffered:    s.buffered,
		LastLevel:   s.lastLevel,
		LastSeq:     s.lastSeq,
		Playing:     s.playing,
		NativeURL:   s.nativeURL,
		Attachments: s.attachments,
	}
}
