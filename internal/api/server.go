package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/imamik/tenantplane/internal/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Addr        string
	MetricsAddr string
	// DrainDuration is how long /readyz reports unavailable before the
	// listeners shut down.
	DrainDuration   time.Duration
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	Log             logr.Logger
}

// Server runs the API with its health endpoints and the metrics listener.
type Server struct {
	cfg     ServerConfig
	isReady atomic.Bool
	db      Pinger
	log     logr.Logger

	srv        *http.Server
	metricsSrv *http.Server
}

// NewServer creates a Server serving handler. db backs the readiness check.
func NewServer(cfg ServerConfig, handler *Handler, db Pinger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{cfg: cfg, db: db, log: cfg.Log.WithName("server")}
	s.isReady.Store(true)

	// No WriteTimeout: event streams stay open indefinitely.
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(handler),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
	s.srv.RegisterOnShutdown(handler.CloseStreams)
	if cfg.MetricsAddr != "" {
		s.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: cfg.ReadTimeout,
		}
	}
	return s
}

// Router returns the full route tree.
func (s *Server) Router(handler *Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(s.requestLogger)
	mux.Use(middleware.Recoverer)

	mux.Get("/livez", s.handleLiveness)
	mux.Get("/readyz", s.handleReadiness)
	handler.Mount(mux)
	return mux
}

// requestLogger stores a request-scoped logger in the context and logs each
// completed request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := s.log.WithValues("request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logr.NewContext(r.Context(), log)))

		log.V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log.Info("readiness check failed", "error", err.Error())
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Drain marks the server not ready.
func (s *Server) Drain() {
	if s.isReady.Swap(false) {
		s.log.Info("server marked as not ready")
	}
}

// Run serves until ctx is cancelled, then drains and shuts down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("starting HTTP server", "addr", s.cfg.Addr)
		return serve(s.srv)
	})
	if s.metricsSrv != nil {
		g.Go(func() error {
			s.log.Info("starting metrics server", "addr", s.cfg.MetricsAddr)
			return serve(s.metricsSrv)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.Drain()
			if s.cfg.DrainDuration > 0 {
				s.log.Info("draining", "duration", s.cfg.DrainDuration.String())
				time.Sleep(s.cfg.DrainDuration)
			}
		}
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error(err, "graceful HTTP server shutdown failed")
		errs = append(errs, err)
	} else {
		s.log.Info("HTTP server gracefully stopped")
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.log.Error(err, "graceful metrics server shutdown failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func serve(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
