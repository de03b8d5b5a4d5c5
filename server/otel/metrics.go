// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the broker engine.
// It implements the engine's Metrics interface.
type Metrics struct {
	meter metric.Meter

	// Counters
	publishesTotal  metric.Int64Counter
	deliveriesTotal metric.Int64Counter
	acksTotal       metric.Int64Counter
	nacksTotal      metric.Int64Counter
	timeoutsTotal   metric.Int64Counter

	// UpDownCounters (gauges)
	inFlightDepth metric.Int64UpDownCounter

	// Histograms
	appendLatency metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("feathermq-broker"),
	}

	var err error

	m.publishesTotal, err = m.meter.Int64Counter(
		"broker.publishes.total",
		metric.WithDescription("Total messages accepted into partitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesTotal counter: %w", err)
	}

	m.deliveriesTotal, err = m.meter.Int64Counter(
		"broker.deliveries.total",
		metric.WithDescription("Total delivery leases handed to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.acksTotal, err = m.meter.Int64Counter(
		"broker.acks.total",
		metric.WithDescription("Total acknowledged deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acksTotal counter: %w", err)
	}

	m.nacksTotal, err = m.meter.Int64Counter(
		"broker.nacks.total",
		metric.WithDescription("Total negative acknowledgments"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacksTotal counter: %w", err)
	}

	m.timeoutsTotal, err = m.meter.Int64Counter(
		"broker.timeouts.total",
		metric.WithDescription("Total in-flight leases expired by the deadline scan"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeoutsTotal counter: %w", err)
	}

	m.inFlightDepth, err = m.meter.Int64UpDownCounter(
		"broker.inflight.depth",
		metric.WithDescription("Current in-flight leases per partition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlightDepth gauge: %w", err)
	}

	m.appendLatency, err = m.meter.Float64Histogram(
		"broker.log.append.duration.ms",
		metric.WithDescription("Transaction log append latency in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create appendLatency histogram: %w", err)
	}

	return m, nil
}

func partitionAttrs(topicID, partitionID uint64) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.Int64("topic", int64(topicID)),
		attribute.Int64("partition", int64(partitionID)),
	)
}

// RecordPublish records an accepted publish.
func (m *Metrics) RecordPublish(topicID, partitionID uint64) {
	m.publishesTotal.Add(context.Background(), 1, partitionAttrs(topicID, partitionID))
}

// RecordDelivery records a lease handed out.
func (m *Metrics) RecordDelivery(topicID, partitionID uint64) {
	m.deliveriesTotal.Add(context.Background(), 1, partitionAttrs(topicID, partitionID))
}

// RecordAck records an acknowledged delivery.
func (m *Metrics) RecordAck(topicID, partitionID uint64) {
	m.acksTotal.Add(context.Background(), 1, partitionAttrs(topicID, partitionID))
}

// RecordNack records a negative acknowledgment.
func (m *Metrics) RecordNack(topicID, partitionID uint64) {
	m.nacksTotal.Add(context.Background(), 1, partitionAttrs(topicID, partitionID))
}

// RecordTimeout records an expired lease.
func (m *Metrics) RecordTimeout(topicID, partitionID uint64) {
	m.timeoutsTotal.Add(context.Background(), 1, partitionAttrs(topicID, partitionID))
}

// RecordInFlight adjusts the in-flight depth gauge.
func (m *Metrics) RecordInFlight(topicID, partitionID uint64, delta int64) {
	m.inFlightDepth.Add(context.Background(), delta, partitionAttrs(topicID, partitionID))
}

// RecordAppendLatency records one log append duration.
func (m *Metrics) RecordAppendLatency(d time.Duration) {
	m.appendLatency.Record(context.Background(), float64(d.Microseconds())/1000.0)
}
