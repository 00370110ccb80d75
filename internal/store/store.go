package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("timer record not found")

// Record is the single JSON document kept per canonical key.
// EndTime is in epoch seconds; a record whose EndTime lies in the past
// means no timer is running.
type Record struct {
	EndTime   int64  `json:"endTime" yaml:"endTime"`
	StartedBy string `json:"startedBy,omitempty" yaml:"startedBy,omitempty"`
}

// KilledEndTime is written when a timer is killed. It reads as past on
// every clock, however far collaborators' clocks drift apart.
const KilledEndTime int64 = 0

// Active reports whether the record describes a timer that ends after now.
func (r Record) Active(now time.Time) bool {
	return r.EndTime > now.Unix()
}

// EventKind names a change notification coming from a store subscription.
// The values follow the Firebase streaming protocol, which the other
// backends imitate.
type EventKind string

const (
	EventPut         EventKind = "put"
	EventPatch       EventKind = "patch"
	EventKeepAlive   EventKind = "keep-alive"
	EventCancel      EventKind = "cancel"
	EventAuthRevoked EventKind = "auth_revoked"
)

// Event is one change notification. Data holds the raw JSON value found at
// Path, relative to the subscribed key.
type Event struct {
	Kind EventKind
	Path string
	Data json.RawMessage
}

// Store reads, writes and watches the timer record for a key.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Set(ctx context.Context, key string, rec Record) error
	// Subscribe streams change events for key until ctx is cancelled or the
	// underlying stream fails; the channel is closed in both cases.
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Close() error
}

// Config carries backend-independent options.
type Config struct {
	Timeout      time.Duration // per-request timeout for reads and writes
	PollInterval time.Duration // polling backends only
	Logger       *slog.Logger
}

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = time.Second
)

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// streamMessage is the payload shape of put/patch events:
// {"path": "/", "data": {...}}.
type streamMessage struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent builds an Event from a stream event name and its raw payload.
// Keep-alive and cancel events carry no path/data and are returned as-is.
func ParseEvent(kind string, payload []byte) (Event, error) {
	ev := Event{Kind: EventKind(kind)}
	if ev.Kind != EventPut && ev.Kind != EventPatch {
		return ev, nil
	}
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ev, err
	}
	ev.Path = msg.Path
	ev.Data = msg.Data
	return ev, nil
}

// EncodeEvent is the inverse of ParseEvent for put/patch events.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(streamMessage{Path: ev.Path, Data: ev.Data})
}

// PutEvent wraps a full record into a root-level put event.
func PutEvent(rec Record) (Event, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventPut, Path: "/", Data: data}, nil
}

var (
	errIrrelevant = errors.New("event does not describe the timer record")
	errMalformed  = errors.New("malformed timer payload")
)

// DecodeRecord extracts the timer record from a put or patch event.
//
// It returns (nil, nil) when the event says the record no longer exists
// (data is null at the root). A payload that cannot be decoded or lacks
// endTime yields an error and must not change any timer.
func DecodeRecord(ev Event) (*Record, error) {
	if ev.Kind != EventPut && ev.Kind != EventPatch {
		return nil, errIrrelevant
	}
	path := strings.Trim(ev.Path, "/")
	data := ev.Data
	switch path {
	case "":
		if isNull(data) {
			if ev.Kind == EventPatch {
				return nil, errMalformed
			}
			return nil, nil
		}
		var fields struct {
			EndTime   *int64 `json:"endTime"`
			StartedBy string `json:"startedBy"`
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, errors.Join(errMalformed, err)
		}
		if fields.EndTime == nil {
			return nil, errMalformed
		}
		return &Record{EndTime: *fields.EndTime, StartedBy: fields.StartedBy}, nil
	case "endTime":
		if isNull(data) {
			return nil, nil
		}
		var end int64
		if err := json.Unmarshal(data, &end); err != nil {
			return nil, errors.Join(errMalformed, err)
		}
		return &Record{EndTime: end}, nil
	default:
		return nil, errIrrelevant
	}
}

func isNull(data json.RawMessage) bool {
	s := strings.TrimSpace(string(data))
	return s == "" || s == "null"
}
