package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all foreman metric instruments.
type Metrics struct {
	ActionDuration    metric.Float64Histogram
	ActionErrors      metric.Int64Counter
	TaskTransitions   metric.Int64Counter
	RunnerSpawns      metric.Int64Counter
	RunnerActive      metric.Int64UpDownCounter
	MergeConflicts    metric.Int64Counter
	CommandExecutions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActionDuration, err = meter.Float64Histogram("foreman.action.duration",
		metric.WithDescription("Action dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionErrors, err = meter.Int64Counter("foreman.action.errors",
		metric.WithDescription("Action error count"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("foreman.task.transitions",
		metric.WithDescription("Committed task status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerSpawns, err = meter.Int64Counter("foreman.runner.spawns",
		metric.WithDescription("Supervised processes started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerActive, err = meter.Int64UpDownCounter("foreman.runner.active",
		metric.WithDescription("Currently running supervised processes"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeConflicts, err = meter.Int64Counter("foreman.git.merge_conflicts",
		metric.WithDescription("Merges classified as conflicts"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandExecutions, err = meter.Int64Counter("foreman.command.executions",
		metric.WithDescription("Stored command runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
