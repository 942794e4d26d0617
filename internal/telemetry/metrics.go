// Package telemetry exposes the cluster's Raft internals as Prometheus
// metrics: current term, role, log length, and commit index per node, plus
// RPC outcome counters. Wiring a node to a Metrics instance is optional —
// a nil *Metrics is safe to call methods on (they become no-ops) — so
// tests and the CLI can opt in only when --metrics-addr is set (spec.md
// §6: this does not add a port offset the core requires).
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gauges and counters for one server process.
type Metrics struct {
	registry *prometheus.Registry

	Term        prometheus.Gauge
	IsLeader    prometheus.Gauge
	LogLength   prometheus.Gauge
	CommitIndex prometheus.Gauge

	RPCsSent     *prometheus.CounterVec
	RPCsReceived *prometheus.CounterVec
}

// New builds a Metrics registered under a fresh registry, labeled with
// serverID so multiple nodes scraped by the same Prometheus job are
// distinguishable.
func New(serverID string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"server_id": serverID}

	m := &Metrics{
		registry: reg,
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "current_term", Help: "Current Raft term.", ConstLabels: constLabels,
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "is_leader", Help: "1 if this node believes it is the leader.", ConstLabels: constLabels,
		}),
		LogLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "log_length", Help: "Number of entries in the local log, including the sentinel.", ConstLabels: constLabels,
		}),
		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "commit_index", Help: "Highest known committed log index.", ConstLabels: constLabels,
		}),
		RPCsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raft", Name: "rpcs_sent_total", Help: "Outbound RPCs by type and outcome.", ConstLabels: constLabels,
		}, []string{"type", "outcome"}),
		RPCsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raft", Name: "rpcs_received_total", Help: "Inbound RPCs by type.", ConstLabels: constLabels,
		}, []string{"type"}),
	}

	reg.MustRegister(m.Term, m.IsLeader, m.LogLength, m.CommitIndex, m.RPCsSent, m.RPCsReceived)
	return m
}

// ServeHTTP exposes /metrics on addr until ctx is canceled. Intended to
// be run in its own goroutine by the caller.
func (m *Metrics) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// The methods below tolerate a nil receiver so components can hold an
// optional *Metrics without nil-checking at every call site.

func (m *Metrics) SetTerm(term uint64) {
	if m == nil {
		return
	}
	m.Term.Set(float64(term))
}

func (m *Metrics) SetLeader(isLeader bool) {
	if m == nil {
		return
	}
	if isLeader {
		m.IsLeader.Set(1)
	} else {
		m.IsLeader.Set(0)
	}
}

func (m *Metrics) SetLogLength(n int) {
	if m == nil {
		return
	}
	m.LogLength.Set(float64(n))
}

func (m *Metrics) SetCommitIndex(idx uint64) {
	if m == nil {
		return
	}
	m.CommitIndex.Set(float64(idx))
}

func (m *Metrics) ObserveRPCSent(msgType, outcome string) {
	if m == nil {
		return
	}
	m.RPCsSent.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) ObserveRPCReceived(msgType string) {
	if m == nil {
		return
	}
	m.RPCsReceived.WithLabelValues(msgType).Inc()
}
