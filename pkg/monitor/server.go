package monitor

import (
	"errors"
	"net/http"

	"tarun-kavipurapu/hubnet/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string, m *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[Metrics] server stopped: addr=%s err=%v", s.server.Addr, err)
		}
	}()
}

// Stop stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
