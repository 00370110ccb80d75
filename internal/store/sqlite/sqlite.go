package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// It suits a single host: several terminals of one machine sharing a file.
// Subscriptions poll the row version, since SQLite has no notifications
// across connections.
type DB struct {
	db       *sql.DB
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New opens a SQLite database at path. Use ":memory:" for in-memory.
func New(path string, cfg store.Config) (*DB, error) {
	cfg = cfg.WithDefaults()
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	d.SetMaxOpenConns(1)
	// busy timeout helps with short locks held by other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, timeout: cfg.Timeout, interval: cfg.PollInterval, logger: cfg.Logger}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mobdtimer_timers(
			key TEXT PRIMARY KEY,
			end_time INTEGER NOT NULL,
			started_by TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, key string) (store.Record, error) {
	rec, _, err := s.load(ctx, key)
	return rec, err
}

func (s *DB) Set(ctx context.Context, key string, rec store.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mobdtimer_timers(key, end_time, started_by, version, updated_at)
		VALUES(?,?,?,1,?)
		ON CONFLICT(key) DO UPDATE SET
			end_time=excluded.end_time,
			started_by=excluded.started_by,
			version=mobdtimer_timers.version+1,
			updated_at=excluded.updated_at;`,
		key, rec.EndTime, rec.StartedBy, time.Now().UTC())
	if err != nil {
		metrics.IncStoreWrite("error")
		return err
	}
	metrics.IncStoreWrite("ok")
	s.logger.Debug("Writing timer record", "key", key, "endTime", rec.EndTime)
	return nil
}

// load returns the record and its version.
func (s *DB) load(ctx context.Context, key string) (store.Record, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		rec     store.Record
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT end_time, started_by, version FROM mobdtimer_timers WHERE key=?;`, key).
		Scan(&rec.EndTime, &rec.StartedBy, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, 0, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, 0, err
	}
	return rec, version, nil
}

// Subscribe polls the row for key. The first event is a put with the
// current record (null when absent); later events follow version changes.
// A failing poll closes the channel.
func (s *DB) Subscribe(ctx context.Context, key string) (<-chan store.Event, error) {
	out := make(chan store.Event, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		last := int64(-1)
		for {
			ev, version, err := s.poll(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("SQLite poll failed", "key", key, "error", err)
				}
				return
			}
			if version != last {
				last = version
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *DB) poll(ctx context.Context, key string) (store.Event, int64, error) {
	rec, version, err := s.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Event{Kind: store.EventPut, Path: "/", Data: json.RawMessage("null")}, 0, nil
	}
	if err != nil {
		return store.Event{}, 0, fmt.Errorf("poll %s: %w", key, err)
	}
	ev, err := store.PutEvent(rec)
	return ev, version, err
}

var _ store.Store = (*DB)(nil)
