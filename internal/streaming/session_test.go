package streaming

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/vivo/internal/token"
	"go.uber.org/goleak"
)

type fakeEngine struct {
	factory *fakeFactory
	emit    func(Event)

	mu         sync.Mutex
	source     string
	sink       Sink
	startLoads int
	recovers   int
	level      int
	destroys   int
}

func (e *fakeEngine) LoadSource(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = url
}

func (e *fakeEngine) AttachMedia(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *fakeEngine) StartLoad() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLoads++
}

func (e *fakeEngine) RecoverMediaError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovers++
}

func (e *fakeEngine) SetLevel(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.level = index
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroys++
	if e.destroys == 1 {
		atomic.AddInt32(&e.factory.live, -1)
	}
}

func (e *fakeEngine) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *fakeEngine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroys > 0
}

type fakeFactory struct {
	unsupported bool

	mu      sync.Mutex
	engines []*fakeEngine
	live    int32
	maxLive int32
}

func (f *fakeFactory) Supported() bool {
	return !f.unsupported
}

func (f *fakeFactory) New(_ EngineConfig, emit func(Event)) Engine {
	n := atomic.AddInt32(&f.live, 1)
	for {
		seen := atomic.LoadInt32(&f.maxLive)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxLive, seen, n) {
			break
		}
	}
	e := &fakeEngine{factory: f, emit: emit, level: AutoQuality}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeFactory) Last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *fakeFactory) At(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

type fakeRefresher struct {
	mu    sync.Mutex
	urls  []string
	calls int
}

func (r *fakeRefresher) Refresh(context.Context) token.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.urls) == 0 {
		return token.State{Error: "Token request failed: 500 Internal Server Error"}
	}
	u := r.urls[0]
	r.urls = r.urls[1:]
	return token.State{URL: &token.SignedURL{Value: u, IssuedAt: time.Now()}}
}

func (r *fakeRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// scriptedSink wraps RecordingSink to control Play outcomes
type scriptedSink struct {
	*RecordingSink
	playErr   error
	playCalls int32
}

func (s *scriptedSink) Play(ctx context.Context) error {
	atomic.AddInt32(&s.playCalls, 1)
	if s.playErr != nil {
		return s.playErr
	}
	return s.RecordingSink.Play(ctx)
}

func signed(v string) token.SignedURL {
	return token.SignedURL{Value: v, IssuedAt: time.Now()}
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeFactory, *RecordingSink) {
	t.Helper()
	factory := &fakeFactory{}
	sink := NewRecordingSink()
	s := NewSession(sink, factory, append([]Option{WithAutoplay(false)}, opts...)...)
	t.Cleanup(s.Destroy)
	return s, factory, sink
}

func TestSession_AttachThenFirstFragmentPlays(t *testing.T) {
	s, factory, _ := newTestSession(t)
	url := "https://x/master.m3u8?tok=1"

	require.NoError(t, s.Attach(signed(url)))
	assert.Equal(t, StatusLoading, s.Status())

	eng := factory.Last()
	require.NotNil(t, eng)
	assert.Equal(t, url, eng.Source())

	eng.emit(ManifestParsed{Levels: []QualityLevel{{Index: 0, Height: 720}}})
	assert.Equal(t, StatusLoading, s.Status())

	eng.emit(FragmentLoaded{Level: 0, Sequence: 10, Bytes: 1024})
	assert.Equal(t, StatusPlaying, s.Status())

	snap := s.Snapshot()
	assert.Equal(t, url, snap.SourceURL)
	assert.Empty(t, snap.Error)
}

func TestSession_AttachRejectsEmptyURL(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.ErrorIs(t, s.Attach(token.SignedURL{}), ErrNoSource)
	assert.Equal(t, StatusIdle, s.Status())
}

func TestSession_FatalNetworkErrorRestartsLoad(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(FragmentLoaded{})
	require.Equal(t, StatusPlaying, s.Status())

	eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailFragmentLoad, HTTPStatus: 504})

	assert.Equal(t, StatusPlaying, s.Status())
	assert.Equal(t, 1, eng.startLoads)
	assert.False(t, eng.Destroyed())
}

func TestSession_FatalNetworkErrorWhileLoading(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()

	eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailManifestLoad, HTTPStatus: 503})

	assert.Equal(t, StatusLoading, s.Status())
	assert.Equal(t, 1, eng.startLoads)
}

func TestSession_FatalMediaErrorRecovers(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(FragmentLoaded{})

	eng.emit(EngineError{Kind: KindMedia, Fatal: true, Details: DetailBufferAppend})

	assert.Equal(t, StatusPlaying, s.Status())
	assert.Equal(t, 1, eng.recovers)
	assert.Zero(t, eng.startLoads)
}

func TestSession_RecoverableErrorsSetAdvisory(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()

	eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailManifestLoad, HTTPStatus: 503})
	snap := s.Snapshot()
	assert.Equal(t, StatusLoading, snap.Status)
	assert.Equal(t, MsgNetwork, snap.Error)
	assert.Equal(t, CodeNetwork, snap.ErrorCode)
	assert.False(t, snap.Retryable)

	eng.emit(FragmentLoaded{})
	snap = s.Snapshot()
	assert.Equal(t, StatusPlaying, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.ErrorCode)

	eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailFragmentLoad, HTTPStatus: 504})
	snap = s.Snapshot()
	assert.Equal(t, StatusPlaying, snap.Status)
	assert.Equal(t, MsgNetwork, snap.Error)

	eng.emit(EngineError{Kind: KindMedia, Fatal: true, Details: DetailBufferAppend})
	snap = s.Snapshot()
	assert.Equal(t, StatusPlaying, snap.Status)
	assert.Equal(t, MsgMedia, snap.Error)
	assert.Equal(t, CodeMedia, snap.ErrorCode)

	eng.emit(FragmentLoaded{})
	assert.Empty(t, s.Snapshot().Error)
}

func TestSession_NonFatalErrorIsIgnored(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(FragmentLoaded{})

	eng.emit(EngineError{Kind: KindNetwork, Fatal: false, Details: DetailFragmentLoad})
	eng.emit(EngineError{Kind: KindOther, Fatal: false})

	assert.Equal(t, StatusPlaying, s.Status())
	assert.Zero(t, eng.startLoads)
	assert.Zero(t, eng.recovers)
}

func TestSession_FatalOtherTearsDownAndRetryReattaches(t *testing.T) {
	s, factory, _ := newTestSession(t)
	url := "https://x/master.m3u8?tok=7"
	require.NoError(t, s.Attach(signed(url)))
	first := factory.Last()
	first.emit(FragmentLoaded{})

	first.emit(EngineError{Kind: KindOther, Fatal: true, Err: errors.New("internal exception")})

	assert.Equal(t, StatusError, s.Status())
	snap := s.Snapshot()
	assert.Equal(t, MsgFatal, snap.Error)
	assert.Equal(t, CodeFatalOther, snap.ErrorCode)
	assert.True(t, snap.Retryable)
	require.Eventually(t, first.Destroyed, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, StatusLoading, s.Status())
	require.Equal(t, 2, factory.Count())
	assert.Equal(t, url, factory.Last().Source())
	assert.EqualValues(t, 1, atomic.LoadInt32(&factory.maxLive))
}

func TestSession_ProviderCodeIsTerminal(t *testing.T) {
	tests := []struct {
		code    int
		want    ErrorCode
		message string
	}{
		{232401, CodeGeoBlocked, MsgGeoBlocked},
		{232403, CodeGeoBlocked, MsgGeoBlocked},
		{232402, CodeUnavailable, MsgUnavailable},
		{232404, CodeUnavailable, MsgUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			s, factory, _ := newTestSession(t)
			require.NoError(t, s.Attach(signed("https://x/1")))
			eng := factory.Last()

			// Even a network-kind error carrying a provider code is terminal
			eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Code: tt.code})

			snap := s.Snapshot()
			assert.Equal(t, StatusError, snap.Status)
			assert.Equal(t, tt.want, snap.ErrorCode)
			assert.Equal(t, tt.message, snap.Error)
			assert.Zero(t, eng.startLoads)
		})
	}
}

func TestSession_StaleEventsAreDropped(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	first := factory.Last()

	require.NoError(t, s.Attach(signed("https://x/2")))
	second := factory.Last()
	require.NotSame(t, first, second)
	assert.True(t, first.Destroyed())

	first.emit(FragmentLoaded{})
	first.emit(EngineError{Kind: KindOther, Fatal: true})
	assert.Equal(t, StatusLoading, s.Status())

	second.emit(FragmentLoaded{})
	assert.Equal(t, StatusPlaying, s.Status())
	assert.EqualValues(t, 1, atomic.LoadInt32(&factory.maxLive))
}

func TestSession_ReattachSameURLIsNoop(t *testing.T) {
	s, factory, _ := newTestSession(t)
	url := signed("https://x/1")
	require.NoError(t, s.Attach(url))
	factory.Last().emit(FragmentLoaded{})

	require.NoError(t, s.Attach(url))
	assert.Equal(t, 1, factory.Count())
	assert.Equal(t, StatusPlaying, s.Status())
}

func TestSession_ReattachSameURLAfterErrorReloads(t *testing.T) {
	s, factory, _ := newTestSession(t)
	url := signed("https://x/1")
	require.NoError(t, s.Attach(url))
	first := factory.Last()
	first.emit(EngineError{Kind: KindOther, Fatal: true})
	require.Equal(t, StatusError, s.Status())

	require.NoError(t, s.Attach(url))
	assert.Equal(t, 2, factory.Count())
	assert.Equal(t, StatusLoading, s.Status())
	assert.Eventually(t, first.Destroyed, time.Second, 5*time.Millisecond)
}

func TestSession_NewURLWhilePlayingReloads(t *testing.T) {
	s, factory, _ := newTestSession(t)
	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(FragmentLoaded{})

	require.NoError(t, s.Attach(signed("https://x/2")))
	assert.Equal(t, StatusLoading, s.Status())
	assert.Equal(t, 2, factory.Count())
	assert.Equal(t, "https://x/2", factory.Last().Source())
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory := &fakeFactory{}
	s := NewSession(NewRecordingSink(), factory, WithAutoplay(false))
	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()

	s.Destroy()
	s.Destroy()

	assert.Equal(t, StatusIdle, s.Status())
	assert.Equal(t, 1, eng.destroys)
	assert.Zero(t, atomic.LoadInt32(&factory.live))
	assert.ErrorIs(t, s.Attach(signed("https://x/2")), ErrSessionDestroyed)
	assert.ErrorIs(t, s.Retry(context.Background()), ErrSessionDestroyed)
	assert.ErrorIs(t, s.SetQuality(0), ErrSessionDestroyed)
}

func TestSession_DestroyAfterFatalWaitsForTeardown(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory := &fakeFactory{}
	s := NewSession(NewRecordingSink(), factory, WithAutoplay(false))
	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(EngineError{Kind: KindOther, Fatal: true})

	s.Destroy()
	assert.Zero(t, atomic.LoadInt32(&factory.live))
}

func TestSession_AutoplayMutedOnce(t *testing.T) {
	factory := &fakeFactory{}
	sink := &scriptedSink{RecordingSink: NewRecordingSink()}
	s := NewSession(sink, factory)
	t.Cleanup(s.Destroy)

	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(ManifestParsed{Levels: []QualityLevel{{Index: 0, Height: 480}}})
	eng.emit(ManifestParsed{Levels: []QualityLevel{{Index: 0, Height: 480}}})

	require.Eventually(t, func() bool { return sink.Stats().Playing }, time.Second, 5*time.Millisecond)
	assert.True(t, sink.Muted())
	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.playCalls))
	assert.False(t, s.Snapshot().AutoplayBlock)
}

func TestSession_AutoplayRejectedWaitsForUser(t *testing.T) {
	factory := &fakeFactory{}
	sink := &scriptedSink{RecordingSink: NewRecordingSink(), playErr: ErrAutoplayBlocked}
	s := NewSession(sink, factory)
	t.Cleanup(s.Destroy)

	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(ManifestParsed{})

	require.Eventually(t, func() bool { return s.Snapshot().AutoplayBlock }, time.Second, 5*time.Millisecond)
	// no automatic retry of a rejected play
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.playCalls))

	sink.playErr = nil
	sink.Gesture()
	require.NoError(t, s.Unmute(context.Background()))
	assert.False(t, sink.Muted())
	assert.True(t, sink.Stats().Playing)
	assert.False(t, s.Snapshot().AutoplayBlock)
	assert.EqualValues(t, 2, atomic.LoadInt32(&sink.playCalls))
}

func TestSession_NativeFallback(t *testing.T) {
	factory := &fakeFactory{unsupported: true}
	sink := NewRecordingSink(WithNativeHLS(true))
	s := NewSession(sink, factory, WithAutoplay(false))
	t.Cleanup(s.Destroy)

	require.NoError(t, s.Attach(signed("https://x/native.m3u8")))

	snap := s.Snapshot()
	assert.Equal(t, StatusPlaying, snap.Status)
	assert.True(t, snap.Native)
	assert.Zero(t, factory.Count())
	assert.Equal(t, "https://x/native.m3u8", sink.Stats().NativeURL)
	assert.ErrorIs(t, s.SetQuality(0), ErrQualityUnsupported)

	s.Destroy()
	assert.Empty(t, sink.Stats().NativeURL)
}

func TestSession_NoPlaybackTechnology(t *testing.T) {
	factory := &fakeFactory{unsupported: true}
	s := NewSession(NewRecordingSink(), factory, WithAutoplay(false))
	t.Cleanup(s.Destroy)

	err := s.Attach(signed("https://x/1"))
	require.ErrorIs(t, err, ErrCapability)

	snap := s.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, MsgCapability, snap.Error)
	assert.False(t, snap.Retryable)
	assert.ErrorIs(t, s.Retry(context.Background()), ErrCapability)
}

func TestSession_TokenRejectionRefreshesOnce(t *testing.T) {
	refresher := &fakeRefresher{urls: []string{"https://x/2"}}
	s, factory, _ := newTestSession(t, WithRefresher(refresher))

	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailManifestLoad, HTTPStatus: http.StatusForbidden})

	require.Eventually(t, func() bool { return factory.Count() == 2 }, time.Second, 5*time.Millisecond)
	second := factory.Last()
	assert.Equal(t, "https://x/2", second.Source())
	assert.Equal(t, StatusLoading, s.Status())

	// a second rejection before playback resumes does not loop
	second.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailLevelLoad, HTTPStatus: http.StatusGone})
	time.Sleep(20 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, MsgTokenRejected, snap.Error)
	assert.Equal(t, 1, refresher.Calls())
	assert.Equal(t, 2, factory.Count())

	// Retry asks for a new token; the refresher has none left
	err := s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrTokenRejected)
	assert.Equal(t, 2, refresher.Calls())
}

func TestSession_TokenRejectionAllowanceResetsOnPlay(t *testing.T) {
	refresher := &fakeRefresher{urls: []string{"https://x/2", "https://x/3"}}
	s, factory, _ := newTestSession(t, WithRefresher(refresher))

	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailManifestLoad, HTTPStatus: http.StatusUnauthorized})
	require.Eventually(t, func() bool { return factory.Count() == 2 }, time.Second, 5*time.Millisecond)

	factory.Last().emit(FragmentLoaded{})
	require.Equal(t, StatusPlaying, s.Status())

	factory.Last().emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailLevelLoad, HTTPStatus: http.StatusForbidden})
	require.Eventually(t, func() bool { return factory.Count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://x/3", factory.Last().Source())
}

func TestSession_FragmentForbiddenIsNotTokenRelated(t *testing.T) {
	refresher := &fakeRefresher{urls: []string{"https://x/2"}}
	s, factory, _ := newTestSession(t, WithRefresher(refresher))

	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(EngineError{Kind: KindNetwork, Fatal: true, Details: DetailFragmentLoad, HTTPStatus: http.StatusForbidden})

	assert.Equal(t, StatusLoading, s.Status())
	assert.Equal(t, 1, eng.startLoads)
	assert.Zero(t, refresher.Calls())
}

func TestSession_SetQuality(t *testing.T) {
	s, factory, _ := newTestSession(t)
	assert.ErrorIs(t, s.SetQuality(0), ErrInvalidState)

	require.NoError(t, s.Attach(signed("https://x/1")))
	eng := factory.Last()
	eng.emit(ManifestParsed{Levels: []QualityLevel{
		{Index: 0, Height: 360, BitrateBps: 800_000},
		{Index: 1, Height: 1080, BitrateBps: 5_000_000},
		{Index: 2, Height: 720, BitrateBps: 2_500_000},
	}})

	require.NoError(t, s.SetQuality(2))
	assert.Equal(t, 2, eng.level)
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.CurrentLevel)
	assert.Equal(t, "720p", snap.QualityLabel)

	heights := make([]int, 0, len(snap.QualityLevels))
	for _, l := range snap.QualityLevels {
		heights = append(heights, l.Height)
	}
	assert.Equal(t, []int{1080, 720, 360}, heights)

	assert.ErrorIs(t, s.SetQuality(9), ErrUnknownLevel)

	require.NoError(t, s.SetQuality(AutoQuality))
	assert.Equal(t, AutoQuality, eng.level)
	assert.Equal(t, "Auto", s.Snapshot().QualityLabel)
}

func TestSession_RetryOnlyFromError(t *testing.T) {
	s, factory, _ := newTestSession(t)
	assert.ErrorIs(t, s.Retry(context.Background()), ErrInvalidState)

	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(FragmentLoaded{})
	assert.ErrorIs(t, s.Retry(context.Background()), ErrInvalidState)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	created     int
	released    int
}

func (o *recordingObserver) StatusChanged(from, to Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}
func (o *recordingObserver) ErrorClassified(ErrorCode, bool) {}
func (o *recordingObserver) Recovery(ErrorKind)              {}
func (o *recordingObserver) EngineCreated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}
func (o *recordingObserver) EngineReleased() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released++
}

func TestSession_ObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	factory := &fakeFactory{}
	s := NewSession(NewRecordingSink(), factory, WithAutoplay(false), WithSessionObserver(obs))

	require.NoError(t, s.Attach(signed("https://x/1")))
	factory.Last().emit(FragmentLoaded{})
	s.Destroy()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"idle->loading", "loading->playing", "playing->idle"}, obs.transitions)
	assert.Equal(t, 1, obs.created)
	assert.Equal(t, 1, obs.released)
}
