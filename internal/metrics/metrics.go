// Package metrics declares the Prometheus metrics for the relay.
//
// Naming convention: namespace_subsystem_name, namespace "filerelay".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of open WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms with at least one member",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "room",
		Name:      "members",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "router",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"type", "status"})

	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "transfer",
		Name:      "active",
		Help:      "Current number of streaming transfers",
	})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "transfer",
		Name:      "total",
		Help:      "Total transfers by terminal status",
	}, []string{"status"})

	MemoryInFlightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "governor",
		Name:      "memory_in_flight_bytes",
		Help:      "Bytes currently held by transfer buffers",
	})

	GovernorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "governor",
		Name:      "sweeps_total",
		Help:      "Total memory sweeps performed, by kind",
	}, []string{"kind"})

	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "Total janitor cycles, by outcome",
	}, []string{"outcome"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total bus operations against Redis",
	}, []string{"operation", "status"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "filerelay",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Redis bus circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter, by kind",
	}, []string{"kind"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter, by kind",
	}, []string{"kind"})

	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filerelay",
		Subsystem: "httpapi",
		Name:      "upload_bytes_total",
		Help:      "Total bytes accepted via the HTTP upload fallback",
	})
)

func IncConnection() { ActiveConnections.Inc() }
func DecConnection() { ActiveConnections.Dec() }
