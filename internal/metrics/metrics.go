// Package metrics exposes Prometheus counters/gauges for the cloud-mapper.
// Grounded on jordigilh-kubernaut and ghjramos-aistore, both of which
// wire github.com/prometheus/client_golang directly into their runtime
// components rather than behind a home-grown abstraction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PendingTelemetryDropped counts telemetry messages evicted from the
// pending-entity store's ring buffer because it was full — answers the
// Open Question in spec.md §9 about observability of silent drops.
var PendingTelemetryDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pending_telemetry_dropped_total",
	Help: "Telemetry messages evicted from the pending-entity ring buffer before their owning entity registered.",
})

// OperationsTotal counts terminal operation outcomes by operation type and status.
var OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "operations_total",
	Help: "Operations reaching a terminal status, by operation type and status.",
}, []string{"operation", "status"})

// TokenRefreshTotal counts token-manager refresh attempts and their outcomes.
var TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "token_refresh_total",
	Help: "Token manager refresh attempts and outcomes (attempt|success|error).",
}, []string{"outcome"})

// ProxyUpstreamRetries counts 401-triggered retries performed by the proxy.
var ProxyUpstreamRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "proxy_upstream_retries_total",
	Help: "Requests retried by the C8Y auth proxy after an upstream 401.",
})

// BatchesEmitted counts batches emitted by the message batcher, by batch kind.
var BatchesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "batcher_batches_emitted_total",
	Help: "Batches emitted by the message batcher, by batch kind.",
}, []string{"kind"})
