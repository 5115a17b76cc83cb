package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the control plane's metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TaskRunDuration     metric.Float64Histogram
	TasksCreated        metric.Int64Counter
	TasksActive         metric.Int64UpDownCounter
	StepsTotal          metric.Int64Counter
	SchedulerLatency    metric.Float64Histogram
	EnvelopeRejects     metric.Int64Counter
	VNCConnections      metric.Int64UpDownCounter
	FanOutNodeErrors    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("webai.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("webai.task.run_duration",
		metric.WithDescription("Task run duration from start to terminal state, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("webai.task.created",
		metric.WithDescription("Total tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("webai.task.active",
		metric.WithDescription("Tasks currently running or waiting_for_input"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsTotal, err = meter.Int64Counter("webai.task.steps",
		metric.WithDescription("Total agent steps persisted across all tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerLatency, err = meter.Float64Histogram("webai.scheduler.latency",
		metric.WithDescription("Delay between scheduled_for and actual task start, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopeRejects, err = meter.Int64Counter("webai.envelope.rejects",
		metric.WithDescription("Envelope verification rejections by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.VNCConnections, err = meter.Int64UpDownCounter("webai.vnc.connections",
		metric.WithDescription("Currently open VNC proxy WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.FanOutNodeErrors, err = meter.Int64Counter("webai.headrouter.fanout_errors",
		metric.WithDescription("Per-node errors observed during head fan-out"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
