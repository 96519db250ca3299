package broker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type brokerMetrics struct {
	admissions  metric.Int64Counter
	outcomes    metric.Int64Counter
	depth       metric.Int64ObservableGauge
	connections metric.Int64ObservableGauge
	pending     metric.Int64ObservableGauge
	reg         metric.Registration
}

func newBrokerMetrics(meter metric.Meter, logger pslog.Logger, b *Broker) *brokerMetrics {
	m := &brokerMetrics{}
	var err error

	m.admissions, err = meter.Int64Counter(
		"stackd.conn.admissions",
		metric.WithDescription("Admission decisions by verdict"),
	)
	logMetricInitError(logger, "stackd.conn.admissions", err)

	m.outcomes, err = meter.Int64Counter(
		"stackd.conn.outcomes",
		metric.WithDescription("Finished connections by outcome"),
	)
	logMetricInitError(logger, "stackd.conn.outcomes", err)

	m.depth, err = meter.Int64ObservableGauge(
		"stackd.stack.depth",
		metric.WithDescription("Items currently held on the stack"),
	)
	logMetricInitError(logger, "stackd.stack.depth", err)

	m.connections, err = meter.Int64ObservableGauge(
		"stackd.conn.live",
		metric.WithDescription("Live admitted connections"),
	)
	logMetricInitError(logger, "stackd.conn.live", err)

	m.pending, err = meter.Int64ObservableGauge(
		"stackd.request.pending",
		metric.WithDescription("Parked requests waiting for the stack to change (per op)"),
	)
	logMetricInitError(logger, "stackd.request.pending", err)

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if b == nil {
			return nil
		}
		b.observeMetrics(o, m)
		return nil
	}, m.depth, m.connections, m.pending)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "stackd.broker", "error", err)
	}
	m.reg = reg
	return m
}

func (b *Broker) observeMetrics(o metric.Observer, m *brokerMetrics) {
	if m == nil {
		return
	}
	st := b.Stats()
	if m.depth != nil {
		o.ObserveInt64(m.depth, int64(st.StackDepth))
	}
	if m.connections != nil {
		o.ObserveInt64(m.connections, int64(st.Connections))
	}
	if m.pending != nil {
		o.ObserveInt64(m.pending, int64(st.PendingPushes), metric.WithAttributes(attribute.String("stackd.op", "push")))
		o.ObserveInt64(m.pending, int64(st.PendingPops), metric.WithAttributes(attribute.String("stackd.op", "pop")))
	}
}

func (m *brokerMetrics) recordAdmission(ctx context.Context, verdict string) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("stackd.verdict", verdict)))
}

func (m *brokerMetrics) recordOutcome(ctx context.Context, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("stackd.outcome", outcome)))
}

func (m *brokerMetrics) close() {
	if m == nil || m.reg == nil {
		return
	}
	_ = m.reg.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
