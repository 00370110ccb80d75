package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/timer"
)

// StatusSource supplies the data served on /status.
type StatusSource interface {
	Key() string
	Snapshot() timer.Snapshot
}

// Router exposes the local timer over HTTP.
// Endpoints:
//
//	GET {basePath}/status    key and timer snapshot
//	GET {basePath}/healthz   liveness
//	GET {basePath}/metrics   prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Server is a running status endpoint.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
	done   chan struct{}
}

// NewServer binds addr and serves the router in the background. Binding
// errors are returned immediately.
func NewServer(addr, basePath string, src StatusSource, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	// Debug mode prints route banners onto the interactive terminal.
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(src, basePath).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:     ln,
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	logger.Info("Status server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address, useful with ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// --- Handlers ---

type statusResp struct {
	Key              string      `json:"key"`
	State            timer.State `json:"state"`
	Generation       uint64      `json:"generation"`
	EndTime          int64       `json:"endTime,omitempty"`
	RemainingSeconds int64       `json:"remainingSeconds"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.src.Snapshot()
	writeJSON(c, http.StatusOK, statusResp{
		Key:              r.src.Key(),
		State:            snap.State,
		Generation:       snap.Generation,
		EndTime:          snap.EndTime,
		RemainingSeconds: int64(snap.Remaining.Round(time.Second) / time.Second),
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
