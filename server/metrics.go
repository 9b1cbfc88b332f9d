package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/watch"
)

type metrics struct {
	registry         *prometheus.Registry
	rpcRequests      *prometheus.CounterVec
	rpcErrors        *prometheus.CounterVec
	watchConnections prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierfs",
			Name:      "rpc_requests_total",
			Help:      "RPC calls by method.",
		}, []string{"method"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierfs",
			Name:      "rpc_errors_total",
			Help:      "RPC failures by taxonomy code.",
		}, []string{"code"}),
		watchConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierfs",
			Name:      "watch_connections",
			Help:      "Currently open watch connections.",
		}),
	}
	m.registry.MustRegister(m.rpcRequests, m.rpcErrors, m.watchConnections)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statsResponse is the /stats JSON body.
type statsResponse struct {
	Dedup   *fs.DedupStats  `json:"dedup"`
	Cleanup fs.CleanupStats `json:"cleanup"`
	Watch   watch.Stats     `json:"watch"`
}

// handleStats reports engine and broadcaster counters as one JSON document.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dedup, err := s.fs.GetDedupStats()
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Dedup:   dedup,
		Cleanup: s.fs.Cleanup().Stats(),
		Watch:   s.broadcaster.Stats(),
	})
}
