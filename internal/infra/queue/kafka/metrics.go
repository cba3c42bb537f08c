package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueMetrics defines metrics operations needed to monitor Kafka job handling.
type QueueMetrics interface {
	IncJobPublished(ctx context.Context, topic string)
	IncJobConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncRedelivery(ctx context.Context, topic string)
}

const namespace = "compliance_queue"

type otelMetrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter
	redeliveries  metric.Int64Counter
}

// NewQueueMetrics creates OpenTelemetry instruments for the Kafka queue.
func NewQueueMetrics(mp metric.MeterProvider) (QueueMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(otelMetrics)
	var err error
	if m.published, err = meter.Int64Counter("jobs_published_total",
		metric.WithDescription("Total number of jobs published to Kafka")); err != nil {
		return nil, fmt.Errorf("creating jobs_published_total: %w", err)
	}
	if m.consumed, err = meter.Int64Counter("jobs_consumed_total",
		metric.WithDescription("Total number of jobs consumed and acknowledged")); err != nil {
		return nil, fmt.Errorf("creating jobs_consumed_total: %w", err)
	}
	if m.publishErrors, err = meter.Int64Counter("publish_errors_total",
		metric.WithDescription("Total number of failed publishes")); err != nil {
		return nil, fmt.Errorf("creating publish_errors_total: %w", err)
	}
	if m.consumeErrors, err = meter.Int64Counter("consume_errors_total",
		metric.WithDescription("Total number of jobs whose handler returned an error")); err != nil {
		return nil, fmt.Errorf("creating consume_errors_total: %w", err)
	}
	if m.redeliveries, err = meter.Int64Counter("redeliveries_total",
		metric.WithDescription("Total number of jobs scheduled for another attempt")); err != nil {
		return nil, fmt.Errorf("creating redeliveries_total: %w", err)
	}
	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *otelMetrics) IncJobPublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *otelMetrics) IncJobConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *otelMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *otelMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *otelMetrics) IncRedelivery(ctx context.Context, topic string) {
	m.redeliveries.Add(ctx, 1, topicAttr(topic))
}
