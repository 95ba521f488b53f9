// Package metrics exposes operational counters for the decrypt-and-aggregate
// protocol and a Prometheus-compatible metrics server.
package metrics

import (
	"context"
	"net/http"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// Protocol counters. Rejected callbacks and zero-count completions are the
// two conditions worth alerting on: the former indicates a malformed or
// malicious oracle response, the latter a completion that should have been
// impossible given the non-empty aggregate precondition.
var (
	CallbacksRejected    = vmetrics.NewCounter("cloakpoll_callbacks_rejected_total")
	ZeroCountCompletions = vmetrics.NewCounter("cloakpoll_zero_count_completions_total")
	RefundsTriggered     = vmetrics.NewCounter("cloakpoll_refunds_triggered_total")
	RequestsSubmitted    = vmetrics.NewCounter("cloakpoll_decryption_requests_total")
)

// MetricsServer serves the Prometheus text exposition on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. An empty addr returns a
// server whose ListenAndServe is a no-op.
func New(addr string) *MetricsServer {
	if addr == "" {
		return &MetricsServer{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts serving metrics.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
