// Package server exposes the project status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/YoshitsuguKoike/orchestra/internal/logging"
	"github.com/YoshitsuguKoike/orchestra/internal/metrics"
	"github.com/YoshitsuguKoike/orchestra/internal/status"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

// DefaultInterval is how often the status stream pushes an update when
// nothing changed.
const DefaultInterval = 15 * time.Second

// StatusSource provides project status snapshots.
type StatusSource interface {
	Load(ctx context.Context) *status.Status
	Refresh(ctx context.Context) (*status.Status, error)
}

// ChangeFeed signals that the cached status may be out of date.
type ChangeFeed interface {
	Subscribe() (<-chan struct{}, func())
}

// Server provides HTTP endpoints for project status.
type Server struct {
	echo     *echo.Echo
	source   StatusSource
	feed     ChangeFeed
	sessions workflow.SessionStore
	metrics  *metrics.Metrics
	logger   logging.Logger
	interval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithChangeFeed pushes stream updates as soon as the feed fires.
func WithChangeFeed(f ChangeFeed) Option { return func(s *Server) { s.feed = f } }

// WithSessionStore reports whether a workflow run is active.
func WithSessionStore(st workflow.SessionStore) Option { return func(s *Server) { s.sessions = st } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithLogger(l logging.Logger) Option { return func(s *Server) { s.logger = logging.OrNop(l) } }

// WithInterval sets the periodic stream push; d <= 0 keeps the default.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// StatusResponse is the body of GET /api/status and of every stream event.
type StatusResponse struct {
	Status *status.Status `json:"status"`
	Active bool           `json:"active"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// New creates a server over source.
func New(source StatusSource, opts ...Option) (*Server, error) {
	if source == nil {
		return nil, errors.New("status source cannot be nil")
	}
	s := &Server{
		source:   source,
		logger:   logging.Nop(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Debug("http %s %s %d %s", c.Request().Method, c.Request().RequestURI,
				c.Response().Status, time.Since(start))
			return err
		}
	})
	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.echo.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/status/stream", s.handleStream)
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus serves the cached status; ?refresh=true regenerates it.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	var st *status.Status
	if refresh := c.QueryParam("refresh"); refresh == "1" || refresh == "true" {
		fresh, err := s.source.Refresh(ctx)
		if err != nil {
			s.logger.Warn("status refresh not persisted: %v", err)
		}
		st = fresh
	} else {
		st = s.source.Load(ctx)
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "status unavailable")
	}
	return c.JSON(http.StatusOK, s.response(st))
}

func (s *Server) response(st *status.Status) StatusResponse {
	active := st.Active
	if s.sessions != nil {
		session, err := s.sessions.Load()
		if err != nil {
			s.logger.Warn("read session: %v", err)
		} else {
			active = session != nil
		}
	}
	return StatusResponse{Status: st, Active: active}
}

// handleStream is a server-sent event stream of StatusResponse documents:
// one on connect, one per change notification and one per interval.
func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()
	res := c.Response()

	var changes <-chan struct{}
	if s.feed != nil {
		ch, unsubscribe := s.feed.Subscribe()
		defer unsubscribe()
		changes = ch
	}

	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-store")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	push := func() error {
		st := s.source.Load(ctx)
		if st == nil {
			return nil
		}
		if err := writeEvent(res, "status", s.response(st)); err != nil {
			return err
		}
		res.Flush()
		return nil
	}

	if err := push(); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := push(); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := push(); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("serving status on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.echo.Shutdown(ctx)
}
