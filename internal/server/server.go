package server

import (
	"encoding/json"
	"net/http"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/fxnlabs/handlepool/internal/handlepool"
	"github.com/fxnlabs/handlepool/internal/kernel"
	"github.com/fxnlabs/handlepool/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsResponse is the body served on /stats.
type StatsResponse struct {
	Backend string                      `json:"backend"`
	Device  gpu.DeviceInfo              `json:"device"`
	Pools   map[string]handlepool.Stats `json:"pools"`
}

// NewHandler routes the service endpoints. Every route is wrapped with the
// response metrics middleware.
func NewHandler(cfg *config.Config, m *gpu.Manager, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	handle := func(path string, h http.Handler) {
		mux.Handle(path, metrics.Middleware(h, path))
	}

	handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	handle("/stats", StatsHandler(m, log))
	handle("/v1/kernels", kernel.Handler(m, cfg.Server.MaxRequestBytes, log.Named("kernel")))
	handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// StatsHandler serves the backend, device and pool snapshot as JSON.
func StatsHandler(m *gpu.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Backend: m.GetBackendType(),
			Device:  m.GetDeviceInfo(),
			Pools:   m.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("failed to encode stats", zap.Error(err))
		}
	}
}

// New returns an unstarted HTTP server for cfg.Server.ListenAddress.
func New(cfg *config.Config, m *gpu.Manager, gatherer prometheus.Gatherer, log *zap.Logger) *http.Server {
	return &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: NewHandler(cfg, m, gatherer, log),
	}
}
