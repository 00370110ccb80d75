// Package mobdtimer ties a repository's shared mob timer together: it
// derives the timer key from the git remote, keeps the local countdown in
// step with the remote store and publishes local starts and kills.
package mobdtimer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openpubmobus/mobdtimer/internal/config"
	"github.com/openpubmobus/mobdtimer/internal/git"
	"github.com/openpubmobus/mobdtimer/internal/listener"
	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/remotekey"
	"github.com/openpubmobus/mobdtimer/internal/store"
	"github.com/openpubmobus/mobdtimer/internal/store/factory"
	"github.com/openpubmobus/mobdtimer/internal/timer"
)

// Re-export the types callers see in results.
type (
	Record   = store.Record
	Snapshot = timer.Snapshot
	Event    = timer.Event
)

// MaxMinutes bounds a single countdown (one year).
const MaxMinutes = 366 * 24 * 60

var ErrInvalidDuration = errors.New("invalid timer duration")

// Options configures a Session. Either RemoteURL or a repository reachable
// from RepoDir must identify the timer key.
type Options struct {
	StoreURL    string
	Store       store.Store // used instead of StoreURL when set; closed by Session.Close
	StoreConfig store.Config
	RemoteURL   string
	RepoDir     string
	Remote      string
	User        string // recorded as startedBy; a random session id when empty

	// WriteOnly sessions only publish starts and kills; the local engine
	// stays idle. One-shot commands use it.
	WriteOnly bool

	Clock   timer.Clock
	Logger  *slog.Logger
	Status  io.Writer // timer status lines
	OnEvent func(timer.Event)
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		StoreURL:    c.StoreURL,
		StoreConfig: c.StoreConfig(),
		RemoteURL:   c.RemoteURL,
		RepoDir:     c.RepoDir,
		Remote:      c.Remote,
		User:        c.User,
	}
}

// Session is one participant in a shared timer.
type Session struct {
	key       string
	startedBy string
	writeOnly bool
	store     store.Store
	engine    *timer.Engine
	clock     timer.Clock
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Status combines the remote record with the local engine state.
type Status struct {
	Key       string         `json:"key" yaml:"key"`
	Remote    *store.Record  `json:"remote,omitempty" yaml:"remote,omitempty"`
	Active    bool           `json:"active" yaml:"active"`
	Remaining time.Duration  `json:"remaining" yaml:"remaining"`
	Local     timer.Snapshot `json:"local" yaml:"local"`
}

// ResolveKey returns the canonical key for the configured remote.
func ResolveKey(ctx context.Context, opts Options) (string, error) {
	remote := opts.RemoteURL
	if remote == "" {
		var err error
		remote, err = git.RemoteURL(ctx, opts.RepoDir, opts.Remote)
		if err != nil {
			return "", err
		}
	}
	return remotekey.Normalize(remote), nil
}

// New resolves the key, opens the store and checks it is reachable. An
// active remote timer is adopted by the local engine.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timer.WallClock
	}
	key, err := ResolveKey(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With("key", key)

	st := opts.Store
	if st == nil {
		cfg := opts.StoreConfig
		cfg.Logger = opts.Logger
		st, err = factory.New(ctx, opts.StoreURL, cfg)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	rec, err := st.Get(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		_ = st.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	startedBy := opts.User
	if startedBy == "" {
		startedBy = "session-" + uuid.NewString()[:8]
	}

	s := &Session{
		key:       key,
		startedBy: startedBy,
		writeOnly: opts.WriteOnly,
		store:     st,
		clock:     opts.Clock,
		logger:    logger,
		engine: timer.New(timer.Options{
			Clock:   opts.Clock,
			Logger:  logger,
			Status:  opts.Status,
			OnEvent: opts.OnEvent,
		}),
	}
	if found && rec.Active(s.clock.Now()) && !s.writeOnly {
		logger.Info("Joining running timer", "endTime", rec.EndTime, "startedBy", rec.StartedBy)
		s.engine.OnRemoteChange(&rec)
	}
	return s, nil
}

func (s *Session) Key() string { return s.key }

// StartedBy is the name written with every record.
func (s *Session) StartedBy() string { return s.startedBy }

// Start publishes a countdown of minutes and, once written, runs it locally.
// It returns the end time in epoch seconds.
func (s *Session) Start(ctx context.Context, minutes uint64) (int64, error) {
	if minutes > MaxMinutes {
		return 0, fmt.Errorf("%w: %d minutes exceeds %d", ErrInvalidDuration, minutes, MaxMinutes)
	}
	end := s.clock.Now().Unix() + int64(minutes)*60
	if err := s.store.Set(ctx, s.key, store.Record{EndTime: end, StartedBy: s.startedBy}); err != nil {
		return 0, fmt.Errorf("write timer: %w", err)
	}
	s.logger.Info("Published timer", "minutes", minutes, "endTime", end)
	if !s.writeOnly {
		s.engine.Ensure(end)
	}
	return end, nil
}

// Kill stops the local countdown and writes store.KilledEndTime so every
// collaborator stops too, whatever its clock says.
func (s *Session) Kill(ctx context.Context) error {
	if !s.writeOnly {
		s.engine.Stop()
	}
	if err := s.store.Set(ctx, s.key, store.Record{EndTime: store.KilledEndTime, StartedBy: s.startedBy}); err != nil {
		return fmt.Errorf("write timer: %w", err)
	}
	s.logger.Info("Published kill", "startedBy", s.startedBy)
	return nil
}

// Status reads the remote record. A missing record is not an error.
func (s *Session) Status(ctx context.Context) (Status, error) {
	st := Status{Key: s.key, Local: s.engine.Snapshot()}
	rec, err := s.store.Get(ctx, s.key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return st, nil
	case err != nil:
		return st, fmt.Errorf("read timer: %w", err)
	}
	now := s.clock.Now()
	st.Remote = &rec
	st.Active = rec.Active(now)
	if st.Active {
		st.Remaining = time.Unix(rec.EndTime, 0).Sub(now)
	}
	return st, nil
}

// Listen follows remote changes until ctx is cancelled.
func (s *Session) Listen(ctx context.Context) error {
	l := listener.New(s.store, s.engine.OnRemoteChange, listener.Config{Key: s.key, Logger: s.logger})
	return l.Run(ctx)
}

func (s *Session) Snapshot() timer.Snapshot { return s.engine.Snapshot() }

// Close stops the local countdown and releases the store.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
