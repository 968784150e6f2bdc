package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "treechat"

// Metrics holds all TreeChat metric instruments.
type Metrics struct {
	TurnsStarted   metric.Int64Counter
	TurnsCompleted metric.Int64Counter
	TurnsFailed    metric.Int64Counter
	Fragments      metric.Int64Counter
	SaveConflicts  metric.Int64Counter
	TurnDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("treechat.turns.started",
		metric.WithDescription("Number of conversation turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("treechat.turns.completed",
		metric.WithDescription("Number of conversation turns completed"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("treechat.turns.failed",
		metric.WithDescription("Number of conversation turns that failed mid-stream"))
	if err != nil {
		return nil, err
	}

	m.Fragments, err = meter.Int64Counter("treechat.stream.fragments",
		metric.WithDescription("Number of streamed content fragments"))
	if err != nil {
		return nil, err
	}

	m.SaveConflicts, err = meter.Int64Counter("treechat.saves.conflicts",
		metric.WithDescription("Number of saves rejected for stale revisions"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("treechat.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
