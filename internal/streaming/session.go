package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/token"
)

const defaultAutoplayTimeout = 5 * time.Second

// Refresher obtains a new signed URL on demand
type Refresher interface {
	Refresh(ctx context.Context) token.State
}

// Observer receives session lifecycle notifications, typically for metrics.
// Calls may be made while the session lock is held and must not call back into the session.
type Observer interface {
	StatusChanged(from, to Status)
	ErrorClassified(code ErrorCode, fatal bool)
	Recovery(kind ErrorKind)
	EngineCreated()
	EngineReleased()
}

type noopObserver struct{}

func (noopObserver) StatusChanged(Status, Status)     {}
func (noopObserver) ErrorClassified(ErrorCode, bool) {}
func (noopObserver) Recovery(ErrorKind)              {}
func (noopObserver) EngineCreated()                  {}
func (noopObserver) EngineReleased()                 {}

// Session owns at most one engine and drives the playback status from its events.
//
// Attach, Retry and Destroy may be called from any goroutine. Engine events
// carry the generation of the engine that produced them; events from an engine
// that has since been replaced are dropped.
type Session struct {
	id              string
	sink            Sink
	factory         EngineFactory
	cfg             EngineConfig
	autoplay        bool
	autoplayTimeout time.Duration
	refresher       Refresher
	observer        Observer
	logger          zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// attachMu serializes engine replacement
	attachMu sync.Mutex

	mu              sync.Mutex
	status          Status
	errCode         ErrorCode
	errMsg          string
	engine          Engine
	gen             uint64
	native          bool
	levels          []QualityLevel
	currentLevel    int
	activeLevel     int
	source          *token.SignedURL
	destroyed       bool
	autoplayDone    bool
	autoplayBlocked bool
	autoRefreshUsed bool
	tokenRejected   bool
	capabilityErr   bool

	retiring   sync.WaitGroup
	background sync.WaitGroup
}

// Option configures a Session
type Option func(*Session)

// WithEngineConfig sets the configuration every engine is created with
func WithEngineConfig(cfg EngineConfig) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithAutoplay enables muted autoplay once the manifest is parsed
func WithAutoplay(enabled bool) Option {
	return func(s *Session) { s.autoplay = enabled }
}

// WithAutoplayTimeout bounds how long the autoplay attempt may wait on the sink
func WithAutoplayTimeout(d time.Duration) Option {
	return func(s *Session) { s.autoplayTimeout = d }
}

// WithRefresher lets the session obtain a new signed URL when the current one is refused
func WithRefresher(r Refresher) Option {
	return func(s *Session) { s.refresher = r }
}

// WithSessionObserver registers a lifecycle observer
func WithSessionObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewSession creates an idle session rendering into sink
func NewSession(sink Sink, factory EngineFactory, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              uuid.NewString(),
		sink:            sink,
		factory:         factory,
		cfg:             DefaultEngineConfig(),
		autoplay:        true,
		autoplayTimeout: defaultAutoplayTimeout,
		observer:        noopObserver{},
		ctx:             ctx,
		cancel:          cancel,
		status:          StatusIdle,
		currentLevel:    AutoQuality,
		activeLevel:     AutoQuality,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.WithComponent("session").With().Str("session_id", s.id).Logger()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Attach plays url, replacing any engine that is already attached.
// Attaching the URL that is already loading or playing is a no-op.
func (s *Session) Attach(url token.SignedURL) error {
	if url.Value == "" {
		return ErrNoSource
	}

	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	if s.source != nil && s.source.Value == url.Value && (s.engine != nil || s.native) &&
		(s.status == StatusLoading || s.status == StatusPlaying) {
		s.mu.Unlock()
		return nil
	}

	old := s.engine
	wasNative := s.native
	s.engine = nil
	s.gen++
	gen := s.gen
	src := url
	s.source = &src
	s.levels = nil
	s.currentLevel = AutoQuality
	s.activeLevel = AutoQuality
	s.native = false
	s.errCode = ""
	s.errMsg = ""
	s.tokenRejected = false
	s.capabilityErr = false
	s.autoplayDone = false
	s.setStatusLocked(StatusLoading)
	s.mu.Unlock()

	// The old engine may be blocked emitting into us, so release it without the lock
	if old != nil {
		s.releaseEngine(old)
	}
	if wasNative {
		s.sink.Detach()
	}
	s.retiring.Wait()

	s.logger.Info().
		Time("issued_at", url.IssuedAt).
		Msg("Attaching signed url")

	if s.factory != nil && s.factory.Supported() {
		return s.attachEngine(gen, url)
	}
	if s.sink.CanPlayType(HLSMimeType) {
		return s.attachNative(gen, url)
	}

	s.mu.Lock()
	if s.gen == gen && !s.destroyed {
		s.capabilityErr = true
		s.setErrorLocked(CodeFatalOther, MsgCapability)
	}
	s.mu.Unlock()
	s.logger.Error().Msg("No adaptive engine and no native playback support")
	return ErrCapability
}

func (s *Session) attachEngine(gen uint64, url token.SignedURL) error {
	eng := s.factory.New(s.cfg, func(ev Event) { s.handle(gen, ev) })
	s.observer.EngineCreated()

	s.mu.Lock()
	if s.destroyed || s.gen != gen {
		s.mu.Unlock()
		s.releaseEngine(eng)
		if s.isDestroyed() {
			return ErrSessionDestroyed
		}
		return nil
	}
	s.engine = eng
	s.mu.Unlock()

	eng.AttachMedia(s.sink)
	eng.LoadSource(url.Value)
	return nil
}

func (s *Session) attachNative(gen uint64, url token.SignedURL) error {
	s.mu.Lock()
	if s.destroyed || s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.native = true
	s.mu.Unlock()

	s.logger.Info().Msg("Adaptive engine unavailable, using native playback")

	if err := s.sink.SetSource(url.Value, func() { s.handle(gen, MetadataLoaded{}) }); err != nil {
		s.mu.Lock()
		if s.gen == gen && !s.destroyed {
			s.setErrorLocked(CodeFatalOther, MsgFatal)
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Native playback rejected source")
		return err
	}
	return nil
}

func (s *Session) releaseEngine(eng Engine) {
	eng.Destroy()
	s.observer.EngineReleased()
}

// handle applies one event from the engine or sink of generation gen
func (s *Session) handle(gen uint64, ev Event) {
	s.mu.Lock()
	if s.destroyed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case ManifestParsed:
		s.levels = make([]QualityLevel, len(e.Levels))
		for i, l := range e.Levels {
			if l.Label == "" {
				l.Label = LevelLabel(l.Height)
			}
			s.levels[i] = l
		}
		s.logger.Info().Int("levels", len(e.Levels)).Msg("Manifest parsed")
		s.maybeAutoplayLocked(gen)
		s.mu.Unlock()

	case FragmentLoaded:
		if s.status == StatusLoading {
			s.setStatusLocked(StatusPlaying)
			s.autoRefreshUsed = false
			s.logger.Info().Int("level", e.Level).Msg("First fragment loaded")
		}
		s.clearAdvisoryLocked()
		s.mu.Unlock()

	case LevelSwitched:
		s.activeLevel = e.Level
		s.mu.Unlock()
		s.logger.Debug().Int("level", e.Level).Msg("Level switched")

	case MetadataLoaded:
		if s.native && s.status == StatusLoading {
			s.setStatusLocked(StatusPlaying)
			s.autoRefreshUsed = false
			s.maybeAutoplayLocked(gen)
		}
		s.clearAdvisoryLocked()
		s.mu.Unlock()

	case EngineError:
		s.handleErrorLocked(e)

	default:
		s.mu.Unlock()
		s.logger.Warn().Msgf("Ignoring unknown event %T", ev)
	}
}

// handleErrorLocked is entered with s.mu held and releases it
func (s *Session) handleErrorLocked(e EngineError) {
	if e.Fatal && e.TokenRelated() {
		s.tokenRejected = true
		s.setErrorLocked(CodeNetwork, MsgTokenRejected)
		s.observer.ErrorClassified(CodeNetwork, true)
		s.retireEngineLocked()
		auto := s.refresher != nil && !s.autoRefreshUsed
		gen := s.gen
		if auto {
			s.autoRefreshUsed = true
			s.background.Add(1)
		}
		s.mu.Unlock()

		s.logger.Warn().
			Int("http_status", e.HTTPStatus).
			Str("details", e.Details).
			Bool("auto_refresh", auto).
			Msg("Signed url rejected by origin")

		if auto {
			go s.refreshAndAttach(gen)
		}
		return
	}

	se := Classify(e)
	s.observer.ErrorClassified(se.Code, se.Fatal)

	if !se.Fatal {
		s.mu.Unlock()
		s.logger.Debug().Err(e).Msg("Non-fatal engine error")
		return
	}

	if se.Recoverable {
		eng := s.engine
		// advisory only; status is left alone while the engine recovers
		if s.status != StatusError {
			s.errCode = se.Code
			s.errMsg = se.Message
		}
		s.observer.Recovery(e.Kind)
		s.mu.Unlock()
		if eng == nil {
			return
		}
		switch se.Code {
		case CodeNetwork:
			s.logger.Warn().Err(e).Msg("Fatal network error, restarting load")
			eng.StartLoad()
		case CodeMedia:
			s.logger.Warn().Err(e).Msg("Fatal media error, recovering decoder")
			eng.RecoverMediaError()
		}
		return
	}

	s.setErrorLocked(se.Code, se.Message)
	s.retireEngineLocked()
	s.mu.Unlock()
	s.logger.Error().Err(se).Msg("Unrecoverable playback error")
}

// retireEngineLocked detaches the current engine and destroys it in the background.
// The engine may be the caller of handle, so it cannot be destroyed synchronously.
func (s *Session) retireEngineLocked() {
	old := s.engine
	s.engine = nil
	s.gen++
	if old == nil {
		return
	}
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		s.releaseEngine(old)
	}()
}

// refreshAndAttach requests a new signed URL and attaches it, unless the
// session was attached again while the refresh was running
func (s *Session) refreshAndAttach(gen uint64) {
	defer s.background.Done()

	st := s.refresher.Refresh(s.ctx)
	if st.URL == nil || st.Error != "" {
		s.logger.Warn().Str("error", st.Error).Msg("Automatic token refresh failed")
		return
	}
	if s.generation() != gen {
		return
	}
	if err := s.Attach(*st.URL); err != nil && !errors.Is(err, ErrSessionDestroyed) {
		s.logger.Error().Err(err).Msg("Re-attach after token refresh failed")
	}
}

func (s *Session) maybeAutoplayLocked(gen uint64) {
	if !s.autoplay || s.autoplayDone {
		return
	}
	s.autoplayDone = true
	s.background.Add(1)
	go s.runAutoplay(gen)
}

// runAutoplay makes the single muted play attempt for a source. A rejection is
// recorded and left for the user to resolve with Unmute.
func (s *Session) runAutoplay(gen uint64) {
	defer s.background.Done()

	s.sink.SetMuted(true)
	ctx, cancel := context.WithTimeout(s.ctx, s.autoplayTimeout)
	defer cancel()

	err := s.sink.Play(ctx)

	s.mu.Lock()
	stale := s.gen != gen || s.destroyed
	if err != nil && !stale {
		s.autoplayBlocked = true
	}
	s.mu.Unlock()

	if err != nil && !stale {
		s.logger.Warn().Err(err).Msg("Autoplay rejected, waiting for user action")
	}
}

// Unmute unmutes the sink and, if autoplay was rejected, starts playback.
// It is the explicit user action that autoplay policies require.
func (s *Session) Unmute(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	blocked := s.autoplayBlocked
	s.mu.Unlock()

	s.sink.SetMuted(false)
	if !blocked {
		return nil
	}
	if err := s.sink.Play(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.autoplayBlocked = false
	s.mu.Unlock()
	return nil
}

// SetQuality pins a rendition by engine index, or AutoQuality for adaptive selection
func (s *Session) SetQuality(index int) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	if s.status != StatusLoading && s.status != StatusPlaying {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.native {
		s.mu.Unlock()
		return ErrQualityUnsupported
	}
	if index != AutoQuality && !hasLevel(s.levels, index) {
		s.mu.Unlock()
		return ErrUnknownLevel
	}
	s.currentLevel = index
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		eng.SetLevel(index)
	}
	s.logger.Info().Int("level", index).Msg("Quality selected")
	return nil
}

func hasLevel(levels []QualityLevel, index int) bool {
	for _, l := range levels {
		if l.Index == index {
			return true
		}
	}
	return false
}

// Retry re-attaches after an error. When the origin refused the signed URL a
// new one is requested first; otherwise the last signed URL is reused.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	if s.capabilityErr {
		s.mu.Unlock()
		return ErrCapability
	}
	if s.status != StatusError {
		s.mu.Unlock()
		return ErrInvalidState
	}
	src := s.source
	gen := s.gen
	needToken := s.tokenRejected && s.refresher != nil
	s.mu.Unlock()

	if needToken {
		st := s.refresher.Refresh(ctx)
		if st.URL == nil || st.Error != "" {
			return &StreamError{Code: CodeNetwork, Message: MsgTokenRejected, Fatal: true, Cause: ErrTokenRejected}
		}
		// a subscriber of the refresher may already have attached the new URL
		if s.generation() != gen {
			return nil
		}
		src = st.URL
	}
	if src == nil {
		return ErrNoSource
	}

	s.logger.Info().Bool("new_token", needToken).Msg("Retrying playback")
	return s.Attach(*src)
}

// Destroy tears the session down and returns it to idle. It is idempotent;
// after it returns no engine is alive and the sink is no longer used.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	old := s.engine
	native := s.native
	s.engine = nil
	s.native = false
	s.gen++
	from := s.status
	s.status = StatusIdle
	s.errCode = ""
	s.errMsg = ""
	if from != StatusIdle {
		s.observer.StatusChanged(from, StatusIdle)
	}
	s.mu.Unlock()

	s.cancel()
	if old != nil {
		s.releaseEngine(old)
	}
	if native {
		s.sink.Detach()
	}
	s.retiring.Wait()
	s.background.Wait()

	s.logger.Info().Msg("Session destroyed")
}

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a consistent view of the session
func (s *Session) Snapshot() Snapshot {
	muted := s.sink.Muted()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.id,
		Status:        s.status,
		Error:         s.errMsg,
		ErrorCode:     s.errCode,
		QualityLevels: SortForDisplay(s.levels),
		CurrentLevel:  s.currentLevel,
		QualityLabel:  QualityLabel(s.levels, s.currentLevel),
		ActiveLevel:   s.activeLevel,
		Native:        s.native,
		Muted:         muted,
		AutoplayBlock: s.autoplayBlocked,
		Retryable:     s.status == StatusError && !s.capabilityErr && !s.destroyed,
	}
	if s.source != nil {
		snap.SourceURL = s.source.Value
	}
	return snap
}

func (s *Session) setStatusLocked(next Status) bool {
	if s.status == next {
		return true
	}
	if !s.status.CanTransitionTo(next) {
		s.logger.Warn().
			Str("from", s.status.String()).
			Str("to", next.String()).
			Msg("Ignoring invalid status transition")
		return false
	}
	from := s.status
	s.status = next
	s.observer.StatusChanged(from, next)
	return true
}

// clearAdvisoryLocked drops a recovery message once media flows again
func (s *Session) clearAdvisoryLocked() {
	if s.status == StatusError {
		return
	}
	s.errCode = ""
	s.errMsg = ""
}

func (s *Session) setErrorLocked(code ErrorCode, msg string) {
	s.errCode = code
	s.errMsg = msg
	s.setStatusLocked(StatusError)
}
