// Package app wires the handle pool service together with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/fxnlabs/handlepool/internal/logger"
	"github.com/fxnlabs/handlepool/internal/metrics"
	"github.com/fxnlabs/handlepool/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module provides the logger, manager, metrics registry and HTTP server.
// The caller supplies a *config.Config.
var Module = fx.Options(
	fx.Provide(
		NewLogger,
		NewManager,
		NewRegistry,
		NewServer,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
)

// NewLogger validates the supplied config and builds the root logger from it.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
}

// NewManager selects the backend and closes the handle pools on stop.
func NewManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	m, err := gpu.NewManager(cfg, log.Named("gpu"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return m.Cleanup(ctx)
		},
	})
	return m, nil
}

// NewRegistry returns a registry exporting the pool snapshots next to the
// package level metrics.
func NewRegistry(m *gpu.Manager) (prometheus.Gatherer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewPoolCollector(m.Stats)); err != nil {
		return nil, fmt.Errorf("failed to register pool collector: %w", err)
	}
	return prometheus.Gatherers{prometheus.DefaultGatherer, reg}, nil
}

// Server is the HTTP front end. Its listener is bound on start.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

func NewServer(lc fx.Lifecycle, cfg *config.Config, m *gpu.Manager, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	s := &Server{
		srv: server.New(cfg, m, gatherer, log.Named("server")),
		log: log.Named("server"),
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
			}
			s.ln = ln
			s.log.Info("Starting server", zap.String("address", s.Addr()))
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := shutdownContext(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return s.srv.Shutdown(shutdownCtx)
		},
	})
	return s
}

// shutdownContext bounds a graceful shutdown by timeout. A non-positive
// timeout leaves the fx stop context as the only bound.
func shutdownContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
