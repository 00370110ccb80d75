// Package postgres keeps timer records in PostgreSQL and follows changes
// with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/store"
)

const (
	// Table holds one row per canonical key.
	Table = "mobdtimer_timers"
	// Channel carries a notification for every write.
	Channel = "mobdtimer_changes"
)

// notification is the NOTIFY payload; path and data follow store.Event.
type notification struct {
	Key  string          `json:"key"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

type DB struct {
	db      *sql.DB
	dsn     string
	timeout time.Duration
	logger  *slog.Logger
}

// New opens a connection pool. No connection is made until first use.
func New(dsn string, cfg store.Config) (*DB, error) {
	cfg = cfg.WithDefaults()
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d, dsn: dsn, timeout: cfg.Timeout, logger: cfg.Logger}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + Table + `(
			key TEXT PRIMARY KEY,
			end_time BIGINT NOT NULL,
			started_by TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, key string) (store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var rec store.Record
	err := p.db.QueryRowContext(ctx,
		`SELECT end_time, started_by FROM `+Table+` WHERE key=$1;`, key).
		Scan(&rec.EndTime, &rec.StartedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// Set upserts the record and notifies listeners in the same transaction, so
// the notification is delivered only if the write commits.
func (p *DB) Set(ctx context.Context, key string, rec store.Record) error {
	if err := p.set(ctx, key, rec); err != nil {
		metrics.IncStoreWrite("error")
		return err
	}
	metrics.IncStoreWrite("ok")
	return nil
}

func (p *DB) set(ctx context.Context, key string, rec store.Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	payload, err := json.Marshal(notification{Key: key, Path: "/", Data: data})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+Table+`(key, end_time, started_by, version, updated_at)
		VALUES($1,$2,$3,1,$4)
		ON CONFLICT(key) DO UPDATE SET
			end_time=EXCLUDED.end_time,
			started_by=EXCLUDED.started_by,
			version=`+Table+`.version+1,
			updated_at=EXCLUDED.updated_at;`,
		key, rec.EndTime, rec.StartedBy, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2);`, Channel, string(payload)); err != nil {
		return err
	}
	p.logger.Debug("Writing timer record", "key", key, "endTime", rec.EndTime)
	return tx.Commit()
}

// Subscribe listens on Channel with a dedicated connection. The first event
// is a put carrying the current record (null when absent), followed by one
// event per committed write for key.
func (p *DB) Subscribe(ctx context.Context, key string) (<-chan store.Event, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}

	initial, err := p.snapshot(ctx, key)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}

	out := make(chan store.Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()

		if !send(ctx, out, initial) {
			return
		}
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("PostgreSQL listen ended", "key", key, "error", err)
				}
				return
			}
			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				metrics.IncPayloadDrop()
				p.logger.Debug("Dropping unparsable notification", "channel", n.Channel, "error", err)
				continue
			}
			if msg.Key != key {
				continue
			}
			if !send(ctx, out, store.Event{Kind: store.EventPut, Path: msg.Path, Data: msg.Data}) {
				return
			}
		}
	}()
	return out, nil
}

// snapshot returns the current record as a root put event.
func (p *DB) snapshot(ctx context.Context, key string) (store.Event, error) {
	rec, err := p.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Event{Kind: store.EventPut, Path: "/", Data: json.RawMessage("null")}, nil
	}
	if err != nil {
		return store.Event{}, err
	}
	return store.PutEvent(rec)
}

func send(ctx context.Context, out chan<- store.Event, ev store.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ store.Store = (*DB)(nil)
