// Package timer implements the shared countdown engine.
//
// An Engine owns at most one current countdown. Every Start creates a new
// generation and a waiter goroutine bound to it; Stop cancels only the
// current generation. Waiters block on a broadcast channel (closed and
// replaced on every transition) together with a timer for the remaining
// duration, and on each wake re-check under the engine lock whether they
// are still current, were cancelled, or reached their end time. A wake that
// changes nothing re-enters the wait with the remaining duration recomputed
// from the clock.
//
// State Machine:
// Idle -> Running(end) -> Idle (completed | killed)
// Running(a) -> Running(b) (a superseded)
package timer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/store"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON/YAML output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Origin tells whether a start came from this terminal or from the store.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type EventKind string

const (
	EventStarted    EventKind = "started"
	EventCompleted  EventKind = "completed"
	EventKilled     EventKind = "killed"
	EventSuperseded EventKind = "superseded"
)

// Event describes one transition of a generation.
type Event struct {
	Kind       EventKind
	Generation uint64
	EndTime    int64
	Origin     Origin // set for EventStarted
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State      State         `json:"state" yaml:"state"`
	Generation uint64        `json:"generation" yaml:"generation"`
	EndTime    int64         `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Remaining  time.Duration `json:"remaining" yaml:"remaining"`
}

// Options configures an Engine. All fields are optional.
type Options struct {
	Clock   Clock
	Logger  *slog.Logger
	Status  io.Writer   // receives one human-readable line per transition
	OnEvent func(Event) // called from the goroutine that made the transition
}

type waiter struct {
	gen       uint64
	endTime   time.Time
	cancelled bool
}

// Engine is safe for concurrent use.
type Engine struct {
	clock   Clock
	logger  *slog.Logger
	onEvent func(Event)

	statusMu sync.Mutex
	status   io.Writer

	mu      sync.Mutex
	gen     uint64
	current *waiter
	wake    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates an idle engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		clock:   opts.Clock,
		logger:  opts.Logger,
		status:  opts.Status,
		onEvent: opts.OnEvent,
		wake:    make(chan struct{}),
	}
}

// Start begins a countdown to endTime (epoch seconds) and returns its
// generation. A countdown that is already current is superseded. An end
// time in the past completes immediately. Start on a closed engine returns 0.
func (e *Engine) Start(endTime int64) uint64 {
	gen, _ := e.start(endTime, OriginLocal, false)
	return gen
}

// Ensure runs a countdown to endTime unless the current one already ends
// then, so a store echo and the local write can arrive in either order.
// It returns the generation and whether a new one was started.
func (e *Engine) Ensure(endTime int64) (uint64, bool) {
	return e.start(endTime, OriginLocal, true)
}

// Stop cancels the current countdown. It reports whether one was running;
// calling it while idle is a no-op and does not affect later starts.
func (e *Engine) Stop() bool {
	return e.stop(OriginLocal)
}

// OnRemoteChange reconciles the engine with a record observed in the store.
// A record ending in the future starts (or keeps) a countdown to its end
// time; a record in the past or a nil record (deleted) stops the current one.
func (e *Engine) OnRemoteChange(rec *store.Record) {
	if rec == nil || !rec.Active(e.clock.Now()) {
		e.stop(OriginRemote)
		return
	}
	if _, started := e.start(rec.EndTime, OriginRemote, true); !started {
		e.logger.Debug("Remote change matches current timer", "endTime", rec.EndTime)
	}
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{State: StateIdle, Generation: e.gen}
	if w := e.current; w != nil {
		s.State = StateRunning
		s.EndTime = w.endTime.Unix()
		if rem := w.endTime.Sub(e.clock.Now()); rem > 0 {
			s.Remaining = rem
		}
	}
	return s
}

// Wait blocks until every waiter has exited. It must not race with Start.
func (e *Engine) Wait() { e.wg.Wait() }

// Close cancels the current countdown, refuses further starts and waits for
// all waiters to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		if e.current != nil {
			e.current.cancelled = true
			e.current = nil
			metrics.SetRunning(false, 0)
		}
		e.broadcastLocked()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) start(endTime int64, origin Origin, skipSame bool) (uint64, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("Ignoring start on closed timer engine", "endTime", endTime)
		return 0, false
	}
	if skipSame && e.current != nil && e.current.endTime.Unix() == endTime {
		gen := e.current.gen
		e.mu.Unlock()
		return gen, false
	}
	e.gen++
	w := &waiter{gen: e.gen, endTime: time.Unix(endTime, 0)}
	e.current = w
	e.broadcastLocked()
	e.wg.Add(1)
	metrics.SetRunning(true, endTime)
	e.mu.Unlock()

	metrics.IncTimerStart(string(origin))
	e.logger.Info("Timer started", "generation", w.gen, "endTime", endTime, "origin", origin)
	e.statusf("timer started: ends at %s (%s left)", w.endTime.Format("15:04:05"), e.remaining(w).Round(time.Second))
	e.emit(Event{Kind: EventStarted, Generation: w.gen, EndTime: endTime, Origin: origin})

	go e.wait(w)
	return w.gen, true
}

func (e *Engine) stop(origin Origin) bool {
	e.mu.Lock()
	w := e.current
	if w == nil {
		e.mu.Unlock()
		e.logger.Debug("Stop requested with no running timer", "origin", origin)
		return false
	}
	w.cancelled = true
	e.current = nil
	e.broadcastLocked()
	metrics.SetRunning(false, 0)
	e.mu.Unlock()

	e.logger.Info("Timer stop requested", "generation", w.gen, "origin", origin)
	return true
}

// wait is the waiter loop of one generation.
func (e *Engine) wait(w *waiter) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if e.current != w {
			kind := EventSuperseded
			if w.cancelled {
				kind = EventKilled
			}
			e.mu.Unlock()
			e.finish(w, kind)
			return
		}
		remaining := w.endTime.Sub(e.clock.Now())
		if remaining <= 0 {
			e.current = nil
			metrics.SetRunning(false, 0)
			e.mu.Unlock()
			e.finish(w, EventCompleted)
			return
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-e.clock.After(remaining):
		}
	}
}

func (e *Engine) finish(w *waiter, kind EventKind) {
	metrics.IncTimerFinish(string(kind))
	e.logger.Info("Timer finished", "generation", w.gen, "outcome", kind)
	switch kind {
	case EventCompleted:
		e.statusf("timer completed: time to rotate!")
	case EventKilled:
		e.statusf("timer killed")
	case EventSuperseded:
		e.logger.Debug("Timer replaced by a newer one", "generation", w.gen)
	}
	e.emit(Event{Kind: kind, Generation: w.gen, EndTime: w.endTime.Unix()})
}

// broadcastLocked wakes every waiter. e.mu must be held.
func (e *Engine) broadcastLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *Engine) remaining(w *waiter) time.Duration {
	if d := w.endTime.Sub(e.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

func (e *Engine) statusf(format string, args ...any) {
	if e.status == nil {
		return
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	_, _ = fmt.Fprintf(e.status, format+"\n", args...)
}
