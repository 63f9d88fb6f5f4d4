package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all clawd metrics instruments.
type Metrics struct {
	SendDuration       metric.Float64Histogram
	SendErrors         metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
	SessionResets      metric.Int64Counter
	CompactionDuration metric.Float64Histogram
	CompactionRuns     metric.Int64Counter
	SubagentDuration   metric.Float64Histogram
	SubagentRuns       metric.Int64Counter
	TokensEstimated    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SendDuration, err = meter.Float64Histogram("clawd.session.send.duration",
		metric.WithDescription("Synchronous send duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SendErrors, err = meter.Int64Counter("clawd.session.send.errors",
		metric.WithDescription("Failed send count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("clawd.session.active",
		metric.WithDescription("Number of live session workers"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionResets, err = meter.Int64Counter("clawd.session.resets",
		metric.WithDescription("Session resets by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionDuration, err = meter.Float64Histogram("clawd.compaction.duration",
		metric.WithDescription("Compaction run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionRuns, err = meter.Int64Counter("clawd.compaction.runs",
		metric.WithDescription("Completed compaction runs"),
	)
	if err != nil {
		return nil, err
	}

	m.SubagentDuration, err = meter.Float64Histogram("clawd.subagent.duration",
		metric.WithDescription("Sub-agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubagentRuns, err = meter.Int64Counter("clawd.subagent.runs",
		metric.WithDescription("Sub-agent spawns by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensEstimated, err = meter.Int64Counter("clawd.tokens.estimated",
		metric.WithDescription("Estimated tokens appended to histories"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
