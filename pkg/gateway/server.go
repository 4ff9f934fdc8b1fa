// Package gateway serves linkgate's HTTP API: pairing, status and message
// dispatch for one default session or many named ones.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tinyland-inc/linkgate/pkg/auth"
	"github.com/tinyland-inc/linkgate/pkg/dispatch"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/metrics"
	"github.com/tinyland-inc/linkgate/pkg/session"
)

type Config struct {
	Host            string
	Port            int
	APIToken        string
	CORSOrigins     []string
	DefaultID       string
	ShutdownTimeout time.Duration
	Version         string
}

type Server struct {
	cfg      Config
	registry *session.Registry
	dispatch *dispatch.Service
	router   *gin.Engine
	started  time.Time
	ready    atomic.Bool
}

func New(cfg Config, registry *session.Registry, svc *dispatch.Service) *Server {
	if cfg.DefaultID == "" {
		cfg.DefaultID = "default"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	metrics.Register()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger.Logger()))
	r.Use(requestMetrics())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		registry: registry,
		dispatch: svc,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run starts the default session, serves until ctx is cancelled, then shuts
// the listener down gracefully. It does not close the registry.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if _, err := s.registry.GetOrCreate(ctx, s.cfg.DefaultID); err != nil {
		logger.ErrorCF("gateway", "Default session failed to start", map[string]any{
			"id":    s.cfg.DefaultID,
			"error": err.Error(),
		})
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.ready.Store(true)

	logger.InfoCF("gateway", "Gateway listening", map[string]any{
		"addr":       ln.Addr().String(),
		"default_id": s.cfg.DefaultID,
		"auth":       s.cfg.APIToken != "",
	})

	select {
	case err := <-errCh:
		s.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.InfoC("gateway", "Gateway stopped")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.APIKeyHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = origins
	return cc
}
