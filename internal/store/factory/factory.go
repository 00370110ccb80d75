// Package factory opens the store backend named by a store URL.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openpubmobus/mobdtimer/internal/store"
	"github.com/openpubmobus/mobdtimer/internal/store/firebase"
	pg "github.com/openpubmobus/mobdtimer/internal/store/postgres"
	sq "github.com/openpubmobus/mobdtimer/internal/store/sqlite"
)

type Backend string

const (
	BackendFirebase Backend = "firebase"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Resolve selects a backend and its target from a store URL.
// Supported:
//   - firebase: "https://..." or "http://..." (an emulator)
//   - postgres: "postgres://..." or "postgresql://..."
//   - sqlite:   "sqlite://<path>" or a bare filepath
func Resolve(rawURL string) (Backend, string, error) {
	d := strings.TrimSpace(rawURL)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return "", "", errors.New("empty store url")
	case strings.HasPrefix(ld, "https://") || strings.HasPrefix(ld, "http://"):
		return BackendFirebase, d, nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return BackendPostgres, d, nil
	case strings.HasPrefix(ld, "sqlite://"):
		return BackendSQLite, d[len("sqlite://"):], nil
	case strings.Contains(ld, "://"):
		return "", "", fmt.Errorf("unsupported store url scheme: %s", d)
	default:
		return BackendSQLite, d, nil
	}
}

// New opens the store for rawURL. SQL backends get their schema created.
func New(ctx context.Context, rawURL string, cfg store.Config) (store.Store, error) {
	backend, target, err := Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	cfg.Logger.Debug("Opening store", "backend", backend)

	switch backend {
	case BackendFirebase:
		return firebase.New(firebase.Config{BaseURL: target, Timeout: cfg.Timeout, Logger: cfg.Logger})
	case BackendPostgres:
		db, err := pg.New(target, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return db, nil
	default:
		db, err := sq.New(target, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
		return db, nil
	}
}
