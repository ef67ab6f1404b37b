package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the worker's instruments. Counters and histograms are
// recorded at call sites; observable gauges are registered by the component
// that owns the underlying state.
type Metrics struct {
	MessagesReceived        metric.Int64Counter
	MessagesProcessed       metric.Int64Counter
	MessagesFailedTransient metric.Int64Counter
	MessagesFailedPermanent metric.Int64Counter
	MessagesDeadLettered    metric.Int64Counter
	ReceiveErrors           metric.Int64Counter

	TaskDuration   metric.Float64Histogram
	DBCallDuration metric.Float64Histogram

	meter metric.Meter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error
	if m.MessagesReceived, err = meter.Int64Counter("messages.received",
		metric.WithDescription("Messages received from the queue")); err != nil {
		return nil, err
	}
	if m.MessagesProcessed, err = meter.Int64Counter("messages.processed",
		metric.WithDescription("Messages processed to a committed order row")); err != nil {
		return nil, err
	}
	if m.MessagesFailedTransient, err = meter.Int64Counter("messages.failed.transient",
		metric.WithDescription("Messages released for redelivery")); err != nil {
		return nil, err
	}
	if m.MessagesFailedPermanent, err = meter.Int64Counter("messages.failed.permanent",
		metric.WithDescription("Messages classified permanently unprocessable")); err != nil {
		return nil, err
	}
	if m.MessagesDeadLettered, err = meter.Int64Counter("messages.dead_lettered",
		metric.WithDescription("Messages forwarded to the dead-letter queue")); err != nil {
		return nil, err
	}
	if m.ReceiveErrors, err = meter.Int64Counter("queue.receive.errors",
		metric.WithDescription("Broker receive calls that failed")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("task.duration",
		metric.WithDescription("End-to-end task duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.DBCallDuration, err = meter.Float64Histogram("db.call.duration",
		metric.WithDescription("Guarded database call duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterBreakerState exports the breaker state as a gauge
// (0=closed, 1=half-open, 2=open).
func (m *Metrics) RegisterBreakerState(state func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, state())
		return nil
	}, gauge)
	return err
}

// PoolStats is the pull-based snapshot a database pool exposes.
type PoolStats struct {
	Active int64
	Idle   int64
	Queued int64
}

// RegisterPoolGauges exports the database pool's connection gauges.
func (m *Metrics) RegisterPoolGauges(stats func() PoolStats) error {
	active, err := m.meter.Int64ObservableGauge("db.pool.active",
		metric.WithDescription("Checked-out connections"))
	if err != nil {
		return err
	}
	idle, err := m.meter.Int64ObservableGauge("db.pool.idle",
		metric.WithDescription("Idle connections"))
	if err != nil {
		return err
	}
	queued, err := m.meter.Int64ObservableGauge("db.pool.queued",
		metric.WithDescription("Acquires waiting for a connection"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(active, s.Active)
		o.ObserveInt64(idle, s.Idle)
		o.ObserveInt64(queued, s.Queued)
		return nil
	}, active, idle, queued)
	return err
}

// RegisterInflight exports the number of tasks currently being processed.
func (m *Metrics) RegisterInflight(inflight func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("worker.inflight",
		metric.WithDescription("Tasks currently being processed"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, inflight())
		return nil
	}, gauge)
	return err
}
