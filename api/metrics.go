// Package api exposes park node observability: Prometheus metrics and the
// standard gRPC health service.
package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VanDung-dev/ParkGate-Engine/engine"
	"github.com/VanDung-dev/ParkGate-Engine/message"
)

// Version is the current version of the ParkGate Engine.
const Version = "0.1.0"

// Metrics holds the Prometheus metrics of every node in a process.
// Each Metrics owns its registry so several can coexist (tests, simulations).
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	Admissions       *prometheus.CounterVec
	Leader           *prometheus.GaugeVec

	ConnectionsOpen *prometheus.GaugeVec
	TransportErrors *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages taken from the inbound queue, by node and type",
		}, []string{"node", "type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages published to the outbound queue, by node and type",
		}, []string{"node", "type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Fatal protocol violations, by node",
		}, []string{"node"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_failures_total",
			Help:      "Processing failures of any kind, by node",
		}, []string{"node"}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions sent by gates, by node, kind and result",
		}, []string{"node", "kind", "result"}),
		Leader: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader_id",
			Help:      "ID of the current leader known to the node, absent when none",
		}, []string{"node"}),

		ConnectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open transport connections, by node and direction",
		}, []string{"node", "direction"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport failures, by node and operation",
		}, []string{"node", "op"}),
	}
}

// Node returns an observer that records metrics for one node.
// It satisfies both broker.Observer and network.Observer.
func (m *Metrics) Node(id int) *NodeMetrics {
	return &NodeMetrics{metrics: m, node: strconv.Itoa(id)}
}

// NodeMetrics records metrics for a single node.
type NodeMetrics struct {
	metrics *Metrics
	node    string
}

// ObserveInbound counts a received message and tracks announced leaders.
func (n *NodeMetrics) ObserveInbound(msg message.Message) {
	n.metrics.MessagesReceived.WithLabelValues(n.node, string(msg.MessageType())).Inc()

	if m, ok := msg.(message.Network); ok {
		n.trackLeader(m)
	}
}

// ObserveOutbound counts a sent message and admission decisions.
func (n *NodeMetrics) ObserveOutbound(msg message.Network) {
	n.metrics.MessagesSent.WithLabelValues(n.node, string(msg.Type)).Inc()

	switch msg.Type {
	case message.EnterResponse, message.LeaveResponse:
		kind := "enter"
		if msg.Type == message.LeaveResponse {
			kind = "leave"
		}
		result := "denied"
		if msg.Payload.Allowed != nil && *msg.Payload.Allowed {
			result = "allowed"
		}
		n.metrics.Admissions.WithLabelValues(n.node, kind, result).Inc()
	case message.ElectionFinished, message.LeaderRemoved:
		n.trackLeader(msg)
	}
}

// trackLeader sets the leader gauge on election_finished and removes it on
// leader_removed.
func (n *NodeMetrics) trackLeader(msg message.Network) {
	switch msg.Type {
	case message.ElectionFinished:
		if msg.Payload.Leader != nil {
			n.metrics.Leader.WithLabelValues(n.node).Set(float64(msg.Payload.Leader.ID))
		}
	case message.LeaderRemoved:
		n.metrics.Leader.DeleteLabelValues(n.node)
	}
}

// ObserveFailure counts a processing failure.
func (n *NodeMetrics) ObserveFailure(err error) {
	n.metrics.Failures.WithLabelValues(n.node).Inc()
	if errors.Is(err, engine.ErrProtocolViolation) {
		n.metrics.ProtocolErrors.WithLabelValues(n.node).Inc()
	}
}

// ObserveConnection tracks open connections.
func (n *NodeMetrics) ObserveConnection(direction string, open bool) {
	gauge := n.metrics.ConnectionsOpen.WithLabelValues(n.node, direction)
	if open {
		gauge.Inc()
	} else {
		gauge.Dec()
	}
}

// ObserveTransportError counts a transport failure.
func (n *NodeMetrics) ObserveTransportError(op string, err error) {
	n.metrics.TransportErrors.WithLabelValues(n.node, op).Inc()
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewMetricsServer creates a metrics server on addr serving the given gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
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

// StartAsync binds the listener and serves in a goroutine.
func (s *MetricsServer) StartAsync() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go func() {
		_ = s.server.Serve(lis)
	}()
	return nil
}

// Addr returns the bound address, or nil before StartAsync.
func (s *MetricsServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
