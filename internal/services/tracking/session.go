package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/timeline"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the current record of the session. It must return
// models.ErrNotFound when the record is gone or outside the tenant.
type Fetcher func(ctx context.Context) (*models.DeliveryRecord, error)

// ChangeFeed tells a session that its record changed. Events carry no
// payload; the session re-fetches.
type ChangeFeed interface {
	Subscribe(recordID string, onChange func()) (unsubscribe func(), err error)
}

type Options struct {
	PollInterval time.Duration // default: 15 seconds
	PushDebounce time.Duration // 0 fires right away
	FetchTimeout time.Duration // default: 10 seconds
	TroubleAfter int           // default: 3 consecutive failures
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 15 * time.Second,
		PushDebounce: 250 * time.Millisecond,
		FetchTimeout: 10 * time.Second,
		TroubleAfter: 3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.PushDebounce < 0 {
		o.PushDebounce = 0
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}
	if o.TroubleAfter <= 0 {
		o.TroubleAfter = def.TroubleAfter
	}
	return o
}

const refreshKey = "refresh"

type fetchResult struct {
	view View
	err  error
}

// Session keeps one tracking view current. It is safe for concurrent use.
// Close must be called when the view goes away.
type Session struct {
	id    string
	fetch Fetcher
	feed  ChangeFeed
	sched *Scheduler
	opts  Options
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	group singleflight.Group

	mu          sync.Mutex
	view        View
	issued      uint64
	applied     uint64
	pollTimer   *time.Timer
	pushTimer   *time.Timer
	feedID      string
	unsubscribe func()
	pending     *View

	lmu        sync.Mutex
	listeners  map[uint64]func(View)
	listenerID uint64

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSession returns an Idle session. feed may be nil, in which case the
// session relies on polling and manual refreshes only.
func NewSession(fetch Fetcher, feed ChangeFeed, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		fetch:     fetch,
		feed:      feed,
		sched:     NewScheduler(SchedulerConfig{ActiveInterval: opts.PollInterval}),
		opts:      opts,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uint64]func(View)),
		notifyCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	s.view = newView(s.id)
	go s.dispatch()
	slog.Debug("tracking session opened", "session_id", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

// Seed installs an already authorized record as the first Ready view, so the
// session starts polling and listening without a fetch.
func (s *Session) Seed(rec *models.DeliveryRecord) View {
	if rec == nil {
		return s.CurrentView()
	}
	s.mu.Lock()
	if s.view.State != StateIdle {
		v := s.view
		s.mu.Unlock()
		return v
	}
	s.issued++
	s.applied = s.issued
	s.setRecordLocked(rec, s.now().UTC())
	subscribeID, teardown := s.afterChangeLocked()
	v := s.view
	s.mu.Unlock()

	s.finish(subscribeID, teardown)
	return v
}

// CurrentView never blocks on the network.
func (s *Session) CurrentView() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Refresh fetches the record now. Calls made while a fetch is in flight
// share its result. In Done state the cached terminal view is returned.
// ctx bounds the wait only; the fetch itself runs on the session context.
func (s *Session) Refresh(ctx context.Context) (View, error) {
	s.mu.Lock()
	v := s.view
	s.mu.Unlock()
	switch v.State {
	case StateClosed:
		return v, ErrSessionClosed
	case StateDone:
		return v, nil
	}

	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.fetchOnce(), nil
	})
	select {
	case r := <-ch:
		res := r.Val.(fetchResult)
		return res.view, res.err
	case <-ctx.Done():
		return s.CurrentView(), ctx.Err()
	}
}

// Subscribe registers fn for every applied view change. Calls happen on the
// session's dispatcher goroutine, one at a time; when views pile up only the
// latest is delivered. Nothing is delivered after the terminal view.
func (s *Session) Subscribe(fn func(View)) (unsubscribe func()) {
	s.lmu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// Close stops the poll timer, leaves the change feed and discards the
// result of any fetch still in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.view.State == StateClosed {
		s.mu.Unlock()
		return
	}
	s.view.State = StateClosed
	s.stopTimersLocked()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.feedID = ""
	s.pending = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.cancel()
	s.stopOnce.Do(func() { close(s.stopCh) })
	slog.Debug("tracking session closed", "session_id", s.id)
}

func (s *Session) fetchOnce() fetchResult {
	s.mu.Lock()
	switch s.view.State {
	case StateClosed:
		v := s.view
		s.mu.Unlock()
		return fetchResult{view: v, err: ErrSessionClosed}
	case StateDone:
		v := s.view
		s.mu.Unlock()
		return fetchResult{view: v}
	}
	s.issued++
	seq := s.issued
	s.view.State = StateFetching
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
	rec, err := s.fetch(ctx)
	cancel()

	return s.apply(seq, rec, err)
}

func (s *Session) apply(seq uint64, rec *models.DeliveryRecord, err error) fetchResult {
	s.mu.Lock()
	if s.view.State == StateClosed {
		v := s.view
		s.mu.Unlock()
		return fetchResult{view: v, err: ErrSessionClosed}
	}
	if s.view.State == StateDone || seq <= s.applied {
		// a newer fetch already landed
		v := s.view
		s.mu.Unlock()
		return fetchResult{view: v, err: v.LastErr}
	}
	s.applied = seq

	now := s.now().UTC()
	var resErr error
	switch {
	case err == nil && rec != nil:
		s.setRecordLocked(rec, now)
	case err == nil || errors.Is(err, models.ErrNotFound):
		s.view.State = StateNotFound
		s.view.Record = nil
		s.view.Position = timeline.Position{Step: timeline.StepNone}
		s.view.IsTerminal = false
		s.view.Stale = false
		s.view.ConsecutiveFailures = 0
		s.view.Trouble = false
		s.view.LastErr = models.ErrNotFound
		s.view.FetchedAt = &now
		resErr = models.ErrNotFound
	default:
		resErr = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		s.view.State = StateError
		s.view.ConsecutiveFailures++
		s.view.Trouble = s.view.ConsecutiveFailures >= s.opts.TroubleAfter
		s.view.Stale = s.view.Record != nil
		s.view.LastErr = resErr
		slog.Warn("delivery fetch failed",
			"session_id", s.id, "failures", s.view.ConsecutiveFailures, "error", err.Error())
	}

	subscribeID, teardown := s.afterChangeLocked()
	v := s.view
	s.mu.Unlock()

	s.finish(subscribeID, teardown)
	return fetchResult{view: v, err: resErr}
}

func (s *Session) setRecordLocked(rec *models.DeliveryRecord, now time.Time) {
	pos := timeline.Map(rec.RawStatus)
	s.view.Record = publicRecord(rec)
	s.view.Position = pos
	s.view.IsTerminal = pos.Terminal
	s.view.Stale = false
	s.view.ConsecutiveFailures = 0
	s.view.Trouble = false
	s.view.LastErr = nil
	s.view.FetchedAt = &now
	if pos.Terminal {
		s.view.State = StateDone
		slog.Info("delivery reached terminal status",
			"session_id", s.id, "delivery_id", rec.ID, "status", string(rec.RawStatus))
		return
	}
	s.view.State = StateReady
}

// afterChangeLocked re-arms the poll timer, queues the view for listeners and
// tells the caller which feed subscription to open or tear down.
func (s *Session) afterChangeLocked() (subscribeID string, teardown func()) {
	if s.view.State == StateDone {
		s.stopTimersLocked()
		teardown = s.unsubscribe
		s.unsubscribe = nil
		s.feedID = ""
		s.enqueueLocked()
		return "", teardown
	}

	s.armPollLocked()

	if s.feed != nil && s.view.Record != nil && s.view.Record.ID != "" && s.feedID != s.view.Record.ID {
		teardown = s.unsubscribe
		s.unsubscribe = nil
		s.feedID = s.view.Record.ID
		subscribeID = s.feedID
	}
	s.enqueueLocked()
	return subscribeID, teardown
}

func (s *Session) finish(subscribeID string, teardown func()) {
	if teardown != nil {
		teardown()
	}
	if subscribeID == "" {
		return
	}

	unsub, err := s.feed.Subscribe(subscribeID, s.onChange)
	if err != nil {
		slog.Warn("change feed subscribe failed, polling only",
			"session_id", s.id, "delivery_id", subscribeID, "error", err.Error())
		s.mu.Lock()
		if s.feedID == subscribeID {
			s.feedID = ""
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.view.State == StateDone || s.view.State == StateClosed || s.feedID != subscribeID {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}

func (s *Session) armPollLocked() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.view.NextPollAt = nil

	d, ok := s.sched.Decide(s.view)
	if !ok {
		return
	}
	at := s.now().UTC().Add(d)
	s.view.NextPollAt = &at
	s.pollTimer = time.AfterFunc(d, s.onPollTick)
}

func (s *Session) stopTimersLocked() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	if s.pushTimer != nil {
		s.pushTimer.Stop()
		s.pushTimer = nil
	}
	s.view.NextPollAt = nil
}

func (s *Session) onPollTick() {
	if _, err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		slog.Debug("scheduled refresh", "session_id", s.id, "error", err.Error())
	}
}

// onChange handles a push notification: the pending poll is dropped and a
// single fetch runs after the debounce window.
func (s *Session) onChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.State == StateDone || s.view.State == StateClosed {
		return
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
		s.view.NextPollAt = nil
	}
	if s.pushTimer != nil {
		return
	}
	s.pushTimer = time.AfterFunc(s.opts.PushDebounce, s.onPushFire)
}

func (s *Session) onPushFire() {
	s.mu.Lock()
	s.pushTimer = nil
	s.mu.Unlock()

	// The fetch in flight may have read the record before the change, so
	// start a new one instead of joining it. Sequence numbers discard
	// whichever of the two lands late.
	s.group.Forget(refreshKey)
	if _, err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		slog.Debug("push refresh", "session_id", s.id, "error", err.Error())
	}
}

func (s *Session) enqueueLocked() {
	v := s.view
	s.pending = &v
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notifyCh:
		}

		s.mu.Lock()
		v := s.pending
		s.pending = nil
		s.mu.Unlock()
		if v == nil {
			continue
		}

		s.lmu.Lock()
		fns := make([]func(View), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.lmu.Unlock()

		for _, fn := range fns {
			fn(*v)
		}
		if v.State == StateDone {
			return
		}
	}
}
