// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Turn outcomes reported to the turns counter.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Collector aggregates the engine's prometheus collectors. A nil *Collector
// is valid and records nothing, so wiring metrics stays optional.
type Collector struct {
	turnsTotal        *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	terminationsTotal *prometheus.CounterVec
	thoughtTokens     *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	messagesTotal     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the engine collectors under the given namespace on
// the provided registerer (nil means the default registry).
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of agent turns by outcome",
			},
			[]string{"agent_id", "outcome"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Agent turn duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"agent_id"},
		),
		terminationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminations_total",
				Help:      "Total number of conversation terminations by reason",
			},
			[]string{"reason"},
		),
		thoughtTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "thought_tokens_total",
				Help:      "Total number of tokens classified as internal reasoning",
			},
			[]string{"agent_id"},
		),
		broadcastFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_broadcast_failures_total",
				Help:      "Total number of failed event deliveries to observers",
			},
		),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of messages appended to transcripts by kind",
			},
			[]string{"kind"},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ObserveTurn records one completed turn.
func (c *Collector) ObserveTurn(agentID, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(agentID, outcome).Inc()
	c.turnDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// ObserveTermination records a conversation end by reason.
func (c *Collector) ObserveTermination(reason string) {
	if c == nil {
		return
	}
	c.terminationsTotal.WithLabelValues(reason).Inc()
}

// AddThoughtTokens records n thought tokens for an agent.
func (c *Collector) AddThoughtTokens(agentID string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.thoughtTokens.WithLabelValues(agentID).Add(float64(n))
}

// ObserveBroadcastFailure records one failed observer delivery.
func (c *Collector) ObserveBroadcastFailure() {
	if c == nil {
		return
	}
	c.broadcastFailures.Inc()
}

// ObserveMessage records one appended transcript message.
func (c *Collector) ObserveMessage(kind string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(kind).Inc()
}
