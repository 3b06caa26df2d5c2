package token

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stwalsh4118/vivo/internal/logger"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Exchanger turns a canonical URL into a signed one
type Exchanger interface {
	Exchange(ctx context.Context, canonicalURL string) (SignedURL, error)
}

// Observer receives scheduler outcomes, typically for metrics
type Observer interface {
	RefreshCompleted(err error, elapsed time.Duration)
	RefreshCoalesced()
}

// State is what the scheduler currently knows about the signed URL.
// URL is the last successful result and survives later failures.
type State struct {
	URL                 *SignedURL `json:"url,omitempty"`
	Loading             bool       `json:"loading"`
	Error               string     `json:"error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastAttempt         time.Time  `json:"last_attempt,omitempty"`
}

// Scheduler keeps a signed URL fresh for one canonical source.
// Refreshes are periodic only: a failed exchange is reported and the next
// tick tries again. Concurrent Refresh calls share a single exchange.
type Scheduler struct {
	exchanger    Exchanger
	canonicalURL string
	interval     time.Duration
	now          func() time.Time
	observer     Observer
	logger       zerolog.Logger

	group singleflight.Group

	mu          sync.Mutex
	state       State
	subscribers map[int]func(SignedURL)
	nextSubID   int
	epoch       uint64
	started     bool
	stopped     bool
	stopCh      chan struct{}
	done        chan struct{}
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the clock used for IssuedAt ordering
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers an outcome observer
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// NewScheduler creates a scheduler. It does nothing until Start or Refresh is called.
func NewScheduler(exchanger Exchanger, canonicalURL string, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		exchanger:    exchanger,
		canonicalURL: canonicalURL,
		interval:     interval,
		now:          time.Now,
		logger:       logger.WithComponent("token-scheduler"),
		subscribers:  make(map[int]func(SignedURL)),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs an immediate refresh followed by one every interval until Stop.
// Calling Start more than once, or after Stop, has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Starting token refresh schedule")

	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.refreshUntilStopped()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshUntilStopped()
		}
	}
}

// refreshUntilStopped waits for a refresh but gives up as soon as Stop is called.
// The exchange itself keeps running and its result is discarded.
func (s *Scheduler) refreshUntilStopped() {
	ch := s.group.DoChan(refreshKey, s.doRefresh)
	select {
	case <-ch:
	case <-s.stopCh:
	}
}

// Refresh performs an exchange now, or joins the one already in flight,
// and returns the resulting state. After Stop it returns the last state without a request.
func (s *Scheduler) Refresh(ctx context.Context) State {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return s.State()
	}

	ch := s.group.DoChan(refreshKey, s.doRefresh)
	select {
	case res := <-ch:
		if res.Shared && s.observer != nil {
			s.observer.RefreshCoalesced()
		}
		if st, ok := res.Val.(State); ok {
			return st
		}
		return s.State()
	case <-ctx.Done():
		return s.State()
	}
}

func (s *Scheduler) doRefresh() (interface{}, error) {
	s.mu.Lock()
	if s.stopped {
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, nil
	}
	epoch := s.epoch
	s.state.Loading = true
	s.state.LastAttempt = s.now()
	s.mu.Unlock()

	start := time.Now()
	// Detached from callers: coalesced waiters may give up without cancelling the exchange
	signed, err := s.exchanger.Exchange(context.Background(), s.canonicalURL)
	elapsed := time.Since(start)

	s.mu.Lock()
	if s.epoch != epoch {
		st := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Discarding token refresh completed after stop")
		return st, nil
	}

	s.state.Loading = false
	var subs []func(SignedURL)
	if err != nil {
		s.state.Error = UserMessage(err)
		s.state.ConsecutiveFailures++
	} else {
		if prev := s.state.URL; prev != nil && !signed.IssuedAt.After(prev.IssuedAt) {
			signed.IssuedAt = prev.IssuedAt.Add(time.Nanosecond)
		}
		s.state.URL = &signed
		s.state.Error = ""
		s.state.ConsecutiveFailures = 0
		subs = make([]func(SignedURL), 0, len(s.subscribers))
		for _, fn := range s.subscribers {
			subs = append(subs, fn)
		}
	}
	st := s.snapshotLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.RefreshCompleted(err, elapsed)
	}

	if err != nil {
		s.logger.Warn().
			Err(err).
			Int("consecutive_failures", st.ConsecutiveFailures).
			Msg("Token refresh failed, keeping previous signed url")
		return st, nil
	}

	s.logger.Info().
		Time("issued_at", signed.IssuedAt).
		Dur("elapsed", elapsed).
		Msg("Signed url refreshed")

	for _, fn := range subs {
		fn(signed)
	}
	return st, nil
}

// Subscribe registers fn to receive every newly issued URL.
// The returned function removes the subscription.
func (s *Scheduler) Subscribe(fn func(SignedURL)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// State returns a copy of the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() State {
	st := s.state
	if st.URL != nil {
		u := *st.URL
		st.URL = &u
	}
	return st
}

// Stop cancels the schedule. A refresh already in flight completes but its
// result is discarded. Stop is idempotent and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.epoch++
	s.state.Loading = false
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	s.logger.Info().Msg("Token refresh schedule stopped")
}

// UserMessage renders an exchange failure for display
func UserMessage(err error) string {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return "Token request failed"
	}
	switch {
	case gwErr.Network:
		return "Could not reach the token service"
	case errors.Is(gwErr, ErrEmptyToken):
		return "Token service returned no url"
	default:
		return "Token request failed: " + statusLine(gwErr.Status)
	}
}

func statusLine(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status) + " " + text
}
