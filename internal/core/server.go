// Package core provides the HTTP status surface: a chi router exposing the
// latest observation, stored evidence, forced checks and the authorization
// callback, wrapped in the shared recovery, request-ID and logging chain.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"citewatch/internal/evidence"
	"citewatch/internal/monitor"
	"citewatch/internal/sender"
)

// DefaultPrefix is the route prefix used when none is configured.
const DefaultPrefix = "/citations"

// Detector is the part of monitor.Detector the server drives.
type Detector interface {
	CheckOnce(ctx context.Context, force bool) monitor.Result
	Latest() monitor.Snapshot
	SenderConnected(ctx context.Context) bool
	SenderKind() sender.Kind
}

// AuthorizationCallback receives the code from an OAuth redirect.
type AuthorizationCallback interface {
	Complete(state, code string) error
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Detector Detector
	Evidence evidence.Store
	// Callback is optional; without it the oauth route answers 404.
	Callback AuthorizationCallback
	Prefix   string
	// UpdatesPerMinute bounds forced checks; zero means one per minute.
	UpdatesPerMinute int
	HealthProbes     []HealthProbe
	Logger           *slog.Logger
}

// Server encapsulates the status endpoints and their dependencies.
type Server struct {
	detector     Detector
	evidence     evidence.Store
	callback     AuthorizationCallback
	prefix       string
	HealthProbes []HealthProbe
	Logger       *slog.Logger

	updates *singleflight.Group
	limiter *rate.Limiter

	router *chi.Mux
}

// NewServer validates cfg and mounts every route.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Detector == nil {
		return nil, errors.New("detector must not be nil")
	}
	if cfg.Evidence == nil {
		return nil, errors.New("evidence store must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix, err := NormalizePrefix(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	perMinute := cfg.UpdatesPerMinute
	if perMinute <= 0 {
		perMinute = 1
	}

	s := &Server{
		detector:     cfg.Detector,
		evidence:     cfg.Evidence,
		callback:     cfg.Callback,
		prefix:       prefix,
		HealthProbes: cfg.HealthProbes,
		Logger:       logger,
		updates:      &singleflight.Group{},
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		router:       chi.NewRouter(),
	}
	s.MountRoutes()
	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Prefix returns the normalized route prefix.
func (s *Server) Prefix() string { return s.prefix }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.Logger.Info("status server listening", "addr", addr, "prefix", s.prefix)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	s.Logger.Info("status server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.Logger.Info("status server shutdown complete")
	return nil
}

// NormalizePrefix returns the mount path for p: empty selects DefaultPrefix
// and "/" mounts at the root.
func NormalizePrefix(p string) (string, error) {
	if p == "" {
		return DefaultPrefix, nil
	}
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return "", nil
	}
	for _, r := range p {
		if r == '{' || r == '}' || r == '*' || r == ' ' {
			return "", fmt.Errorf("invalid route prefix %q", p)
		}
	}
	return p, nil
}
