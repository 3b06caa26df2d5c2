// Package player wires the availability gate, delivery selection, token
// scheduling and the playback session into one loadable player.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/delivery"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/streaming"
	"github.com/stwalsh4118/vivo/internal/token"
)

const defaultRefreshInterval = 90 * time.Minute

var (
	// ErrNotLoaded is returned when no content is loaded
	ErrNotLoaded = errors.New("no content loaded")

	// ErrNotAdaptive is returned for operations that need the adaptive path
	ErrNotAdaptive = errors.New("operation requires adaptive playback")

	// ErrNotEmbedded is returned for operations that need the embedded path
	ErrNotEmbedded = errors.New("operation requires embedded playback")

	// ErrMissingURL is returned when a source has no canonical URL
	ErrMissingURL = errors.New("source url is required")
)

// Sink is the video output the player renders into. Gesture records the user
// interaction that lifts autoplay restrictions.
type Sink interface {
	streaming.Sink
	Gesture()
}

// Source is a loadable content item
type Source struct {
	ID     string
	Name   string
	URL    string
	Window availability.Window
}

// LoadRequest describes one load
type LoadRequest struct {
	Source   Source
	Autoplay bool
	Muted    bool
}

// Config holds the fixed player settings
type Config struct {
	RefreshInterval time.Duration
	Engine          streaming.EngineConfig
}

// Player holds at most one loaded content item. Loading a new item tears the
// previous one down first.
type Player struct {
	exchanger     token.Exchanger
	factory       streaming.EngineFactory
	newSink       func() Sink
	cfg           Config
	now           func() time.Time
	tokenObserver token.Observer
	sessObserver  streaming.Observer
	logger        zerolog.Logger

	// loadMu serializes Load and Destroy
	loadMu sync.Mutex

	mu      sync.Mutex
	current *playback
}

// playback is one loaded item. Exactly one of the path-specific fields is set,
// unless the item was refused by the availability gate.
type playback struct {
	source       Source
	availability availability.Result
	decision     delivery.Decision

	// adaptive path
	scheduler   *token.Scheduler
	session     *streaming.Session
	sink        Sink
	unsubscribe func()

	// embedded path
	embedMu   sync.Mutex
	autoplay  bool
	muted     bool
	embedCode streaming.ErrorCode
	embedMsg  string
}

// Option configures a Player
type Option func(*Player)

// WithClock overrides the clock used by the availability gate
func WithClock(now func() time.Time) Option {
	return func(p *Player) { p.now = now }
}

// WithTokenObserver registers an observer on every scheduler the player creates
func WithTokenObserver(o token.Observer) Option {
	return func(p *Player) { p.tokenObserver = o }
}

// WithSessionObserver registers an observer on every session the player creates
func WithSessionObserver(o streaming.Observer) Option {
	return func(p *Player) { p.sessObserver = o }
}

// New creates a player. newSink is called once per adaptive load.
func New(exchanger token.Exchanger, factory streaming.EngineFactory, newSink func() Sink, cfg Config, opts ...Option) *Player {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	p := &Player{
		exchanger: exchanger,
		factory:   factory,
		newSink:   newSink,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.WithComponent("player"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load gates, classifies and starts req.Source. The view is returned even when
// the availability gate refuses the item, together with an *availability.AvailabilityError.
func (p *Player) Load(req LoadRequest) (View, error) {
	if req.Source.URL == "" {
		return View{}, ErrMissingURL
	}

	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.teardown()

	log := p.logger.With().Str("content_id", req.Source.ID).Logger()
	pb := &playback{source: req.Source}

	pb.availability = availability.Check(req.Source.Window, p.now())
	if !pb.availability.Eligible {
		p.setCurrent(pb)
		log.Info().Str("reason", pb.availability.Reason).Msg("Content outside availability window")
		return p.View(), pb.availability.Err()
	}

	pb.decision = delivery.Select(req.Source.URL)
	if pb.decision.IsEmbedded() {
		pb.autoplay = req.Autoplay
		pb.muted = req.Muted
		p.setCurrent(pb)
		log.Info().
			Str("provider", pb.decision.Provider).
			Str("provider_id", pb.decision.ContentID).
			Msg("Loading embedded content")
		return p.View(), nil
	}

	p.startAdaptive(pb, req)
	p.setCurrent(pb)
	log.Info().Msg("Loading adaptive content")
	return p.View(), nil
}

func (p *Player) startAdaptive(pb *playback, req LoadRequest) {
	var schedOpts []token.SchedulerOption
	if p.tokenObserver != nil {
		schedOpts = append(schedOpts, token.WithObserver(p.tokenObserver))
	}
	pb.scheduler = token.NewScheduler(p.exchanger, req.Source.URL, p.cfg.RefreshInterval, schedOpts...)

	pb.sink = p.newSink()
	pb.sink.SetMuted(req.Muted)

	sessOpts := []streaming.Option{
		streaming.WithEngineConfig(p.cfg.Engine),
		streaming.WithAutoplay(req.Autoplay),
		streaming.WithRefresher(pb.scheduler),
	}
	if p.sessObserver != nil {
		sessOpts = append(sessOpts, streaming.WithSessionObserver(p.sessObserver))
	}
	pb.session = streaming.NewSession(pb.sink, p.factory, sessOpts...)

	session := pb.session
	pb.unsubscribe = pb.scheduler.Subscribe(func(u token.SignedURL) {
		if err := session.Attach(u); err != nil && !errors.Is(err, streaming.ErrSessionDestroyed) {
			p.logger.Error().Err(err).Str("content_id", req.Source.ID).Msg("Failed to attach refreshed url")
		}
	})
	pb.scheduler.Start()
}

func (p *Player) setCurrent(pb *playback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = pb
}

func (p *Player) loaded() (*playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, ErrNotLoaded
	}
	return p.current, nil
}

func (p *Player) adaptive() (*playback, error) {
	pb, err := p.loaded()
	if err != nil {
		return nil, err
	}
	if pb.session == nil {
		return nil, ErrNotAdaptive
	}
	return pb, nil
}

func (p *Player) embedded() (*playback, error) {
	pb, err := p.loaded()
	if err != nil {
		return nil, err
	}
	if !pb.decision.IsEmbedded() {
		return nil, ErrNotEmbedded
	}
	return pb, nil
}

// Retry retries the loaded item after an error. In embedded mode it clears
// the provider placeholder so the embed is shown again.
func (p *Player) Retry(ctx context.Context) error {
	pb, err := p.loaded()
	if err != nil {
		return err
	}
	switch {
	case pb.session != nil:
		return pb.session.Retry(ctx)
	case pb.decision.IsEmbedded():
		pb.embedMu.Lock()
		pb.embedCode = ""
		pb.embedMsg = ""
		pb.embedMu.Unlock()
		return nil
	default:
		// availability is decided once per load
		return pb.availability.Err()
	}
}

// SetQuality pins a rendition, or streaming.AutoQuality
func (p *Player) SetQuality(index int) error {
	pb, err := p.adaptive()
	if err != nil {
		return err
	}
	return pb.session.SetQuality(index)
}

// RefreshToken requests a new signed URL now, joining any refresh in flight
func (p *Player) RefreshToken(ctx context.Context) (token.State, error) {
	pb, err := p.adaptive()
	if err != nil {
		return token.State{}, err
	}
	st := pb.scheduler.Refresh(ctx)
	if st.Error != "" {
		return st, errors.New(st.Error)
	}
	return st, nil
}

// Unmute is the explicit user action that unmutes playback
func (p *Player) Unmute(ctx context.Context) error {
	pb, err := p.loaded()
	if err != nil {
		return err
	}
	if pb.decision.IsEmbedded() {
		pb.embedMu.Lock()
		pb.muted = false
		pb.embedMu.Unlock()
		return nil
	}
	if pb.session == nil {
		return ErrNotAdaptive
	}
	pb.sink.Gesture()
	return pb.session.Unmute(ctx)
}

// EmbedError reports an error code raised by the embedded provider. It returns
// true when the code blocks playback and a placeholder replaces the embed.
func (p *Player) EmbedError(code int) (bool, error) {
	pb, err := p.embedded()
	if err != nil {
		return false, err
	}

	ec, msg, blocked := streaming.Placeholder(code)
	if !blocked {
		p.logger.Debug().Int("code", code).Msg("Ignoring non-blocking embed error")
		return false, nil
	}

	pb.embedMu.Lock()
	pb.embedCode = ec
	pb.embedMsg = msg
	pb.embedMu.Unlock()

	p.logger.Warn().
		Int("code", code).
		Str("error_code", ec.String()).
		Str("content_id", pb.source.ID).
		Msg("Embedded provider blocked playback")
	return true, nil
}

// Destroy tears the loaded item down. It is idempotent.
func (p *Player) Destroy() {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	p.teardown()
}

// teardown is called with loadMu held
func (p *Player) teardown() {
	p.mu.Lock()
	pb := p.current
	p.current = nil
	p.mu.Unlock()

	if pb == nil || pb.session == nil {
		return
	}
	pb.unsubscribe()
	pb.scheduler.Stop()
	pb.session.Destroy()
	p.logger.Info().Str("content_id", pb.source.ID).Msg("Playback torn down")
}

func (pb *playback) embedURL() (string, error) {
	pb.embedMu.Lock()
	autoplay, muted := pb.autoplay, pb.muted
	pb.embedMu.Unlock()

	u, err := delivery.EmbedURL(pb.decision, autoplay, muted)
	if err != nil {
		return "", fmt.Errorf("failed to build embed url: %w", err)
	}
	return u, nil
}
