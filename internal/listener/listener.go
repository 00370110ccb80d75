// Package listener follows the store subscription for one key and feeds
// decoded timer records into a handler.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/store"
)

// Subscriber is the part of store.Store the listener needs.
type Subscriber interface {
	Subscribe(ctx context.Context, key string) (<-chan store.Event, error)
}

// Handler receives every decoded record. A nil record means the record was
// deleted.
type Handler func(rec *store.Record)

// Config controls reconnect behaviour.
type Config struct {
	Key             string
	Logger          *slog.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Listener keeps a subscription open until its context is cancelled.
type Listener struct {
	sub     Subscriber
	handler Handler
	key     string
	logger  *slog.Logger
	initial time.Duration
	max     time.Duration
}

func New(sub Subscriber, handler Handler, cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Listener{
		sub:     sub,
		handler: handler,
		key:     cfg.Key,
		logger:  cfg.Logger,
		initial: cfg.InitialInterval,
		max:     cfg.MaxInterval,
	}
}

// errStreamEnded signals a stream that closed while ctx is still live.
var errStreamEnded = errors.New("subscription stream ended")

// Run subscribes and dispatches events, resubscribing with exponential
// backoff whenever the stream fails or ends. It returns ctx.Err() once ctx
// is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.max
	b.MaxElapsedTime = 0

	op := func() error {
		delivered, err := l.stream(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if delivered {
			b.Reset()
		}
		l.logger.Warn("Remote subscription interrupted, reconnecting", "key", l.key, "error", err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// stream consumes one subscription. It reports whether any event arrived so
// the caller can reset the backoff after a healthy connection.
func (l *Listener) stream(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := l.sub.Subscribe(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("subscribe %s: %w", l.key, err)
	}
	l.logger.Debug("Subscribed to remote timer", "key", l.key)

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return delivered, errStreamEnded
			}
			delivered = true
			metrics.IncRemoteEvent(string(ev.Kind))
			switch ev.Kind {
			case store.EventPut, store.EventPatch:
				l.dispatch(ev)
			case store.EventCancel, store.EventAuthRevoked:
				return delivered, fmt.Errorf("stream closed by server: %s", ev.Kind)
			default:
			}
		}
	}
}

func (l *Listener) dispatch(ev store.Event) {
	rec, err := store.DecodeRecord(ev)
	if err != nil {
		metrics.IncPayloadDrop()
		l.logger.Debug("Ignoring remote change", "key", l.key, "kind", ev.Kind, "path", ev.Path, "error", err)
		return
	}
	if rec != nil {
		l.logger.Debug("Remote timer changed", "key", l.key, "endTime", rec.EndTime, "startedBy", rec.StartedBy)
	} else {
		l.logger.Debug("Remote timer removed", "key", l.key)
	}
	l.handler(rec)
}
