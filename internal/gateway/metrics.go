package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedClients tracks the number of currently connected WebSocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portcullis_connected_clients",
		Help: "The number of currently connected WebSocket clients",
	})

	// MessagesTotal tracks the total number of messages sent and received.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_messages_total",
		Help: "The total number of messages sent and received",
	}, []string{"direction"}) // "in", "out"

	// HandshakesTotal tracks connect handshake outcomes by error code, with
	// "ok" for successes.
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_handshakes_total",
		Help: "The total number of connect handshakes by outcome",
	}, []string{"outcome"})

	// LockoutsTotal tracks auth attempt-limiter lockouts by factor scope.
	LockoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_auth_lockouts_total",
		Help: "The total number of handshakes rejected by an active auth lockout",
	}, []string{"scope"})

	// ErrorsTotal tracks the total number of errors encountered.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portcullis_errors_total",
		Help: "The total number of errors encountered",
	}, []string{"type"}) // "auth", "protocol", "internal"
)

// MetricsHandler returns the HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// IncConnectedClients increments the connected clients gauge.
func IncConnectedClients() {
	ConnectedClients.Inc()
}

// DecConnectedClients decrements the connected clients gauge.
func DecConnectedClients() {
	ConnectedClients.Dec()
}

// IncMessageIn increments the incoming message counter.
func IncMessageIn() {
	MessagesTotal.WithLabelValues("in").Inc()
}

// IncMessageOut increments the outgoing message counter.
func IncMessageOut() {
	MessagesTotal.WithLabelValues("out").Inc()
}

// IncHandshake increments the handshake outcome counter.
func IncHandshake(outcome string) {
	HandshakesTotal.WithLabelValues(outcome).Inc()
}

// IncLockout increments the lockout counter for the given limiter scope.
func IncLockout(scope string) {
	LockoutsTotal.WithLabelValues(scope).Inc()
}

// IncError increments the error counter for the given type.
func IncError(errType string) {
	ErrorsTotal.WithLabelValues(errType).Inc()
}
