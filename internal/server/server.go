package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaycore/relayd/internal/apikey"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/proxy"
	"github.com/relaycore/relayd/internal/usage"
	"go.uber.org/zap"
)

// Server is the relay's HTTP front: the relay endpoints on the main
// listener and Prometheus on a separate metrics listener.
type Server struct {
	cfg      *config.Config
	engine   *proxy.Engine
	keys     *apikey.Service
	recorder *usage.Recorder
	logger   *zap.Logger

	httpServer    *http.Server
	metricsServer *http.Server
}

func New(cfg *config.Config, engine *proxy.Engine, keys *apikey.Service, recorder *usage.Recorder, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		keys:     keys,
		recorder: recorder,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   s.cfg.CORS.AllowedMethods,
		AllowedHeaders:   s.cfg.CORS.AllowedHeaders,
		AllowCredentials: s.cfg.CORS.AllowCredentials,
		MaxAge:           s.cfg.CORS.MaxAge,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleAnthropicMessages)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/usage", s.handleUsageStats)
	})

	return r
}

// Start brings up both listeners and blocks until ctx is cancelled, then
// drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("metrics listener starting", zap.String("addr", s.metricsServer.Addr))
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	go func() {
		s.logger.Info("relay listener starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("relay server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdown)
	defer cancel()

	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("relay server shutdown", zap.Error(err))
	}
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}
