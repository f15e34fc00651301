package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/tokenline/internal/ir"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	TokensCreated prometheus.Counter
	Outcomes      *prometheus.CounterVec
	JoinTimeouts  prometheus.Counter
	Checkpoints   prometheus.Counter
	NodeDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenline",
			Name:      "tokens_created_total",
			Help:      "Total number of tokens created.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenline",
			Name:      "outcomes_total",
			Help:      "Total number of outcomes recorded, by kind.",
		}, []string{"kind"}),
		JoinTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenline",
			Name:      "join_timeouts_total",
			Help:      "Total number of coalescing joins that timed out.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokenline",
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints written.",
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenline",
			Name:      "node_duration_seconds",
			Help:      "Time spent executing one token at one node, by node kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.TokensCreated, m.Outcomes, m.JoinTimeouts, m.Checkpoints, m.NodeDuration)
	}
	return m
}

// TokenCreated and OutcomeRecorded match ledger.WithObservers.
func (m *Metrics) TokenCreated() { m.TokensCreated.Inc() }

func (m *Metrics) OutcomeRecorded(k ir.OutcomeKind) { m.Outcomes.WithLabelValues(string(k)).Inc() }

// CheckpointWritten matches checkpoint.WithObserver.
func (m *Metrics) CheckpointWritten() { m.Checkpoints.Inc() }

func (m *Metrics) observe(kind ir.NodeKind, start time.Time) {
	m.NodeDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
