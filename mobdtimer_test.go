package mobdtimer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpubmobus/mobdtimer/internal/store"
	"github.com/openpubmobus/mobdtimer/internal/timer"
)

const (
	testRemote = "git@github.com:openpubmobus/mobdtimer.git"
	testKey    = "github-com_openpubmobus_mobdtimer-git"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu     sync.Mutex
	recs   map[string]store.Record
	getErr error
	setErr error
	closed bool
}

func newMemStore() *memStore { return &memStore{recs: map[string]store.Record{}} }

func (m *memStore) Get(_ context.Context, key string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return store.Record{}, m.getErr
	}
	rec, ok := m.recs[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Set(_ context.Context, key string, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.recs[key] = rec
	return nil
}

func (m *memStore) Subscribe(ctx context.Context, _ string) (<-chan store.Event, error) {
	ch := make(chan store.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) record(key string) (store.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	return rec, ok
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.RemoteURL == "" {
		opts.RemoteURL = testRemote
	}
	opts.Logger = quiet()
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionKey(t *testing.T) {
	s := newSession(t, Options{Store: newMemStore(), User: "ana"})
	assert.Equal(t, testKey, s.Key())
	assert.Equal(t, "ana", s.StartedBy())

	anon := newSession(t, Options{Store: newMemStore()})
	assert.True(t, strings.HasPrefix(anon.StartedBy(), "session-"))
}

func TestSessionStartWritesAndRuns(t *testing.T) {
	st := newMemStore()
	s := newSession(t, Options{Store: st, User: "ana"})

	before := time.Now().Unix()
	end, err := s.Start(context.Background(), 5)
	require.NoError(t, err)
	assert.InDelta(t, before+300, end, 1)

	rec, ok := st.record(testKey)
	require.True(t, ok)
	assert.Equal(t, store.Record{EndTime: end, StartedBy: "ana"}, rec)

	snap := s.Snapshot()
	assert.Equal(t, timer.StateRunning, snap.State)
	assert.Equal(t, end, snap.EndTime)
}

func TestSessionStartRejectsHugeDuration(t *testing.T) {
	s := newSession(t, Options{Store: newMemStore()})
	_, err := s.Start(context.Background(), MaxMinutes+1)
	require.ErrorIs(t, err, ErrInvalidDuration)
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)
}

func TestSessionStartWriteFailureKeepsEngineIdle(t *testing.T) {
	st := newMemStore()
	st.setErr = errors.New("permission denied")
	s := newSession(t, Options{Store: st})

	_, err := s.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)
}

func TestSessionKill(t *testing.T) {
	st := newMemStore()
	var status bytes.Buffer
	s := newSession(t, Options{Store: st, Status: &status})

	_, err := s.Start(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, s.Kill(context.Background()))

	rec, ok := st.record(testKey)
	require.True(t, ok)
	assert.Equal(t, store.KilledEndTime, rec.EndTime)
	assert.False(t, rec.Active(time.Now()))
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)
}

func TestSessionAdoptsRunningTimer(t *testing.T) {
	st := newMemStore()
	end := time.Now().Unix() + 120
	st.recs[testKey] = store.Record{EndTime: end, StartedBy: "bo"}

	s := newSession(t, Options{Store: st})
	snap := s.Snapshot()
	assert.Equal(t, timer.StateRunning, snap.State)
	assert.Equal(t, end, snap.EndTime)
}

func TestSessionIgnoresExpiredTimer(t *testing.T) {
	st := newMemStore()
	st.recs[testKey] = store.Record{EndTime: time.Now().Unix() - 60}
	s := newSession(t, Options{Store: st})
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)
}

func TestSessionUnreachableStore(t *testing.T) {
	st := newMemStore()
	st.getErr = errors.New("dial tcp: connection refused")
	_, err := New(context.Background(), Options{Store: st, RemoteURL: testRemote, Logger: quiet()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
	assert.True(t, st.closed)
}

func TestSessionWriteOnly(t *testing.T) {
	st := newMemStore()
	st.recs[testKey] = store.Record{EndTime: time.Now().Unix() + 120}
	s := newSession(t, Options{Store: st, WriteOnly: true})
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)

	end, err := s.Start(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, timer.StateIdle, s.Snapshot().State)
	rec, _ := st.record(testKey)
	assert.Equal(t, end, rec.EndTime)
}

func TestSessionStatus(t *testing.T) {
	st := newMemStore()
	s := newSession(t, Options{Store: st})

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testKey, status.Key)
	assert.Nil(t, status.Remote)
	assert.False(t, status.Active)

	_, err = s.Start(context.Background(), 2)
	require.NoError(t, err)
	status, err = s.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.Remote)
	assert.True(t, status.Active)
	assert.InDelta(t, float64(2*time.Minute), float64(status.Remaining), float64(2*time.Second))
	assert.Equal(t, timer.StateRunning, status.Local.State)

	st.getErr = errors.New("boom")
	_, err = s.Status(context.Background())
	require.Error(t, err)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	st := newMemStore()
	s, err := New(context.Background(), Options{Store: st, RemoteURL: testRemote, Logger: quiet()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, st.closed)
}

// Two sessions sharing a SQLite file stay in step through Listen.
func TestSessionsSyncThroughStore(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "timers.db")
	cfg := store.Config{PollInterval: 10 * time.Millisecond}
	alice := newSession(t, Options{StoreURL: url, StoreConfig: cfg, User: "alice"})
	bob := newSession(t, Options{StoreURL: url, StoreConfig: cfg, User: "bob"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bob.Listen(ctx) }()

	end, err := alice.Start(ctx, 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := bob.Snapshot()
		return snap.State == timer.StateRunning && snap.EndTime == end
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Kill(ctx))
	require.Eventually(t, func() bool {
		return bob.Snapshot().State == timer.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// offsetClock runs ahead of the wall clock by a fixed amount.
type offsetClock struct{ offset time.Duration }

func (c offsetClock) Now() time.Time                         { return time.Now().Add(c.offset) }
func (c offsetClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// fixedClock never advances and never fires.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                     { return c.now }
func (fixedClock) After(time.Duration) <-chan time.Time { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventLog struct {
	mu     sync.Mutex
	events []timer.Event
}

func (l *eventLog) record(ev timer.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []timer.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]timer.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestSessionKillReachesPeerWithSlowerClock(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "timers.db")
	cfg := store.Config{PollInterval: 10 * time.Millisecond}
	alice := newSession(t, Options{StoreURL: url, StoreConfig: cfg, User: "alice", Clock: offsetClock{3 * time.Second}})
	var events eventLog
	var status syncBuffer
	bob := newSession(t, Options{StoreURL: url, StoreConfig: cfg, User: "bob", OnEvent: events.record, Status: &status})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bob.Listen(ctx) }()

	end, err := alice.Start(ctx, 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := bob.Snapshot()
		return snap.State == timer.StateRunning && snap.EndTime == end
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Kill(ctx))
	require.Eventually(t, func() bool {
		for _, k := range events.kinds() {
			if k == timer.EventKilled {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, timer.StateIdle, bob.Snapshot().State)
	assert.Equal(t, []timer.EventKind{timer.EventStarted, timer.EventKilled}, events.kinds())
	assert.NotContains(t, status.String(), "time to rotate")

	rec, err := bob.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec.Remote)
	assert.Equal(t, store.Record{EndTime: store.KilledEndTime, StartedBy: "alice"}, *rec.Remote)
	assert.False(t, rec.Active)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionStartAfterOwnEchoKeepsGeneration(t *testing.T) {
	clock := fixedClock{now: time.Unix(1_700_000_000, 0)}
	var events eventLog
	s := newSession(t, Options{Store: newMemStore(), Clock: clock, OnEvent: events.record})

	// The store echo of the write arrives before Start resumes.
	end := clock.now.Unix() + 300
	s.engine.OnRemoteChange(&store.Record{EndTime: end})

	got, err := s.Start(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, end, got)
	assert.Equal(t, uint64(1), s.Snapshot().Generation)
	assert.Equal(t, []timer.EventKind{timer.EventStarted}, events.kinds())
}

func TestResolveKeyOutsideRepository(t *testing.T) {
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(t.TempDir()))
	_, err := ResolveKey(context.Background(), Options{RepoDir: t.TempDir()})
	require.Error(t, err)
}
