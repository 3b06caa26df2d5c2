// Package hls implements the adaptive playback engine for live HLS streams.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/streaming"
)

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxPlaylistBytes  = 2 << 20
	maxSegmentBytes   = 64 << 20
	eventBuffer       = 64
	// a level is chosen only when its bitrate fits this share of measured throughput
	bandwidthSafety = 0.7
	ewmaWeight      = 0.3
)

// Factory creates engines backed by an HTTP client
type Factory struct {
	client     *http.Client
	retryDelay time.Duration
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithRetryDelay sets the base delay between network retries
func WithRetryDelay(d time.Duration) FactoryOption {
	return func(f *Factory) { f.retryDelay = d }
}

// NewFactory creates an engine factory. A nil client uses http.DefaultClient.
func NewFactory(client *http.Client, opts ...FactoryOption) *Factory {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Factory{client: client, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Supported reports that this runtime can run the engine
func (f *Factory) Supported() bool {
	return true
}

// New creates an idle engine; loading begins once both a source and a sink are set
func (f *Factory) New(cfg streaming.EngineConfig, emit func(streaming.Event)) streaming.Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:     f.client,
		cfg:        cfg,
		retryDelay: f.retryDelay,
		emit:       emit,
		logger:     logger.WithComponent("hls"),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		events:     make(chan streaming.Event, eventBuffer),
		pinned:     streaming.AutoQuality,
	}
}

// Engine loads a live HLS stream and feeds its fragments to a sink.
// A loader goroutine fetches playlists and segments; a dispatcher goroutine
// delivers events so that emit never runs on the loader.
type Engine struct {
	client     *http.Client
	cfg        streaming.EngineConfig
	retryDelay time.Duration
	emit       func(streaming.Event)
	logger     zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	events  chan streaming.Event
	workers sync.WaitGroup
	once    sync.Once

	mu         sync.Mutex
	source     string
	sink       streaming.Sink
	started    bool
	pinned     int
	resumeLoad bool
	resetMedia bool
}

// LoadSource sets the master (or media) playlist URL
func (e *Engine) LoadSource(url string) {
	e.mu.Lock()
	e.source = url
	e.mu.Unlock()
	e.maybeStart()
}

// AttachMedia binds the sink fragments are fed into
func (e *Engine) AttachMedia(sink streaming.Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	sink.Attach()
	e.maybeStart()
}

func (e *Engine) maybeStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.source == "" || e.sink == nil || e.ctx.Err() != nil {
		return
	}
	e.started = true
	e.workers.Add(2)
	go e.dispatch()
	go e.run(e.source, e.sink)
}

// StartLoad resumes loading after a fatal network error
func (e *Engine) StartLoad() {
	e.mu.Lock()
	e.resumeLoad = true
	e.mu.Unlock()
	e.signal()
}

// RecoverMediaError re-attaches the sink and resumes loading after a fatal media error
func (e *Engine) RecoverMediaError() {
	e.mu.Lock()
	e.resumeLoad = true
	e.resetMedia = true
	e.mu.Unlock()
	e.signal()
}

// SetLevel pins a rendition, or streaming.AutoQuality for adaptive selection
func (e *Engine) SetLevel(index int) {
	e.mu.Lock()
	e.pinned = index
	e.mu.Unlock()
	e.signal()
}

// Destroy stops loading and releases the sink. It is idempotent.
func (e *Engine) Destroy() {
	e.once.Do(func() {
		e.cancel()
		e.workers.Wait()

		e.mu.Lock()
		sink := e.sink
		e.sink = nil
		e.mu.Unlock()
		if sink != nil {
			sink.Detach()
		}
		e.logger.Debug().Msg("Engine destroyed")
	})
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatch() {
	defer e.workers.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			if e.ctx.Err() != nil {
				return
			}
			e.emit(ev)
		}
	}
}

func (e *Engine) send(ev streaming.Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// waitResume blocks until StartLoad or RecoverMediaError. It returns false once destroyed.
func (e *Engine) waitResume() bool {
	for {
		e.mu.Lock()
		resume := e.resumeLoad
		e.resumeLoad = false
		e.mu.Unlock()
		if resume {
			return true
		}
		select {
		case <-e.ctx.Done():
			return false
		case <-e.wake:
		}
	}
}

// sleep waits for d, returning early on signal. It returns false once destroyed.
func (e *Engine) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-e.wake:
		return true
	case <-timer.C:
		return true
	}
}

// playback tracks the loader position and a simulated playhead for buffer accounting
type playback struct {
	level     int
	nextSeq   uint64
	synced    bool
	playStart time.Time
	bufferEnd time.Duration
	bandwidth float64
}

func (p *playback) bufferedAhead(now time.Time) time.Duration {
	if p.playStart.IsZero() {
		return 0
	}
	ahead := p.bufferEnd - now.Sub(p.playStart)
	if ahead < 0 {
		// stalled: the playhead waits for data
		p.playStart = now.Add(-p.bufferEnd)
		return 0
	}
	return ahead
}

func (p *playback) resetBuffer() {
	p.playStart = time.Time{}
	p.bufferEnd = 0
}

func (e *Engine) run(source string, sink streaming.Sink) {
	defer e.workers.Done()

	variants, err := e.loadManifest(source)
	for err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.send(asEngineError(err))
		if !e.waitResume() {
			return
		}
		variants, err = e.loadManifest(source)
	}

	levels := make([]streaming.QualityLevel, len(variants))
	for i, v := range variants {
		levels[i] = v.level
	}
	e.logger.Info().Int("levels", len(levels)).Msg("Manifest loaded")
	e.send(streaming.ManifestParsed{Levels: levels})

	p := &playback{level: -1}
	for e.ctx.Err() == nil {
		if e.takeMediaReset() {
			sink.Detach()
			sink.Attach()
			p.resetBuffer()
			e.logger.Info().Msg("Media pipeline reset")
		}

		// media sequence numbers are aligned across renditions, so a switch keeps the position
		level := e.chooseLevel(variants, p)
		if level != p.level {
			p.level = level
			e.send(streaming.LevelSwitched{Level: level})
		}

		body, err := e.fetchWithRetry(variants[level].uri, streaming.DetailLevelLoad, maxPlaylistBytes)
		if err != nil {
			if !e.fail(err) {
				return
			}
			continue
		}
		_, window, err := parsePlaylist(variants[level].uri, body)
		if err != nil || window == nil {
			if window == nil && err == nil {
				err = errors.New("expected a media playlist")
			}
			if !e.fail(streaming.EngineError{
				Kind:    streaming.KindNetwork,
				Fatal:   true,
				Details: streaming.DetailLevelLoad,
				URL:     variants[level].uri,
				Err:     err,
			}) {
				return
			}
			continue
		}

		e.syncWindow(p, window)

		fed, err := e.loadSegments(sink, p, window)
		if err != nil {
			if !e.fail(err) {
				return
			}
			continue
		}

		if window.ended && len(window.segments) > 0 && p.nextSeq > window.last() {
			e.logger.Info().Msg("Stream ended")
			if !e.waitResume() {
				return
			}
			continue
		}

		poll := window.target
		if poll <= 0 {
			poll = time.Second
		}
		if fed == 0 {
			poll /= 2
		}
		if !e.sleep(poll) {
			return
		}
	}
}

// fail reports a fatal error and waits for the session to resume loading
func (e *Engine) fail(err error) bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.send(asEngineError(err))
	return e.waitResume()
}

func (e *Engine) takeMediaReset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	reset := e.resetMedia
	e.resetMedia = false
	return reset
}

func (e *Engine) loadManifest(source string) ([]variant, error) {
	body, err := e.fetchWithRetry(source, streaming.DetailManifestLoad, maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	variants, window, err := parsePlaylist(source, body)
	if err != nil {
		return nil, streaming.EngineError{
			Kind:    streaming.KindNetwork,
			Fatal:   true,
			Details: streaming.DetailManifestParse,
			URL:     source,
			Err:     err,
		}
	}
	if window != nil {
		// a media playlist given directly is a single rendition
		return []variant{{
			level: streaming.QualityLevel{Index: 0, Label: streaming.LevelLabel(0)},
			uri:   source,
		}}, nil
	}
	return variants, nil
}

// chooseLevel returns the pinned level or the best level the measured bandwidth sustains
func (e *Engine) chooseLevel(variants []variant, p *playback) int {
	e.mu.Lock()
	pinned := e.pinned
	e.mu.Unlock()

	if pinned >= 0 && pinned < len(variants) {
		return pinned
	}

	lowest := 0
	for i, v := range variants {
		if v.level.BitrateBps < variants[lowest].level.BitrateBps {
			lowest = i
		}
	}
	if p.bandwidth <= 0 {
		if p.level >= 0 {
			return p.level
		}
		return lowest
	}

	best := -1
	budget := p.bandwidth * bandwidthSafety
	for i, v := range variants {
		if float64(v.level.BitrateBps) > budget {
			continue
		}
		if best < 0 || v.level.BitrateBps > variants[best].level.BitrateBps {
			best = i
		}
	}
	if best < 0 {
		return lowest
	}
	return best
}

// syncWindow positions the loader relative to the live edge
func (e *Engine) syncWindow(p *playback, w *mediaWindow) {
	if len(w.segments) == 0 {
		return
	}
	first, last := w.seqNo, w.last()

	edge := first
	if !w.ended {
		count := uint64(e.cfg.LiveSyncCount)
		if count < 1 {
			count = 1
		}
		if last+1 > first+count {
			edge = last + 1 - count
		}
	}

	switch {
	case !p.synced:
		p.nextSeq = edge
		p.synced = true
	case p.nextSeq < first:
		e.logger.Warn().
			Uint64("next", p.nextSeq).
			Uint64("window_start", first).
			Msg("Fell behind the live window, jumping to live edge")
		p.nextSeq = edge
	case p.nextSeq > last+1:
		p.nextSeq = edge
	case !w.ended && e.cfg.LiveMaxLatencyCount > 0 && last+1-p.nextSeq > uint64(e.cfg.LiveMaxLatencyCount):
		e.logger.Info().
			Uint64("behind", last+1-p.nextSeq).
			Msg("Latency too high, resyncing to live edge")
		p.nextSeq = edge
		p.resetBuffer()
	}
}

func (e *Engine) loadSegments(sink streaming.Sink, p *playback, w *mediaWindow) (int, error) {
	fed := 0
	for _, seg := range w.segments {
		if seg.seq < p.nextSeq {
			continue
		}
		if e.cfg.MaxBuffer > 0 && p.bufferedAhead(time.Now()) >= e.cfg.MaxBuffer {
			break
		}

		start := time.Now()
		data, err := e.fetchWithRetry(seg.uri, streaming.DetailFragmentLoad, maxSegmentBytes)
		if err != nil {
			return fed, err
		}
		if elapsed := time.Since(start); elapsed > 0 && len(data) > 0 {
			sample := float64(len(data)*8) / elapsed.Seconds()
			if p.bandwidth <= 0 {
				p.bandwidth = sample
			} else {
				p.bandwidth = ewmaWeight*sample + (1-ewmaWeight)*p.bandwidth
			}
		}

		if e.ctx.Err() != nil {
			return fed, e.ctx.Err()
		}
		frag := streaming.Fragment{
			Level:    p.level,
			Sequence: seg.seq,
			URI:      seg.uri,
			Duration: seg.duration,
			Data:     data,
		}
		if err := sink.Feed(frag); err != nil {
			return fed, streaming.EngineError{
				Kind:    streaming.KindMedia,
				Fatal:   true,
				Details: streaming.DetailBufferAppend,
				URL:     seg.uri,
				Err:     err,
			}
		}

		if p.playStart.IsZero() {
			p.playStart = time.Now()
		}
		p.bufferEnd += seg.duration
		p.nextSeq = seg.seq + 1
		fed++

		e.send(streaming.FragmentLoaded{Level: p.level, Sequence: seg.seq, Bytes: len(data)})
	}
	return fed, nil
}

type statusError struct {
	status int
}

func (s *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", s.status)
}

func retryable(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// fetchWithRetry GETs url, retrying transient failures up to MaxNetworkRetries times.
// Each retry is reported as a non-fatal error; the final failure is returned as fatal.
func (e *Engine) fetchWithRetry(url, details string, limit int64) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, status, err := e.fetch(url, limit)
		if err == nil {
			return body, nil
		}
		if e.ctx.Err() != nil {
			return nil, e.ctx.Err()
		}

		engErr := streaming.EngineError{
			Kind:       streaming.KindNetwork,
			Details:    details,
			HTTPStatus: status,
			URL:        url,
			Err:        err,
		}
		if !retryable(status) || attempt >= e.cfg.MaxNetworkRetries {
			engErr.Fatal = true
			return nil, engErr
		}

		e.logger.Debug().
			Err(err).
			Str("details", details).
			Int("attempt", attempt+1).
			Msg("Request failed, retrying")
		e.send(engErr)

		if !e.sleep(e.retryDelay * time.Duration(attempt+1)) {
			return nil, e.ctx.Err()
		}
	}
}

func (e *Engine) fetch(url string, limit int64) ([]byte, int, error) {
	ctx := e.ctx
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, &statusError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		// a broken body is a transport failure, not an HTTP answer
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func asEngineError(err error) streaming.EngineError {
	var engErr streaming.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return streaming.EngineError{Kind: streaming.KindOther, Fatal: true, Err: err}
}
