// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "time"

// Metrics receives engine-level measurements. The OTLP implementation lives
// in server/otel; the engine itself only knows this interface.
type Metrics interface {
	RecordPublish(topicID, partitionID uint64)
	RecordDelivery(topicID, partitionID uint64)
	RecordAck(topicID, partitionID uint64)
	RecordNack(topicID, partitionID uint64)
	RecordTimeout(topicID, partitionID uint64)
	RecordInFlight(topicID, partitionID uint64, delta int64)
	RecordAppendLatency(d time.Duration)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordPublish(_, _ uint64)           {}
func (NopMetrics) RecordDelivery(_, _ uint64)          {}
func (NopMetrics) RecordAck(_, _ uint64)               {}
func (NopMetrics) RecordNack(_, _ uint64)              {}
func (NopMetrics) RecordTimeout(_, _ uint64)           {}
func (NopMetrics) RecordInFlight(_, _ uint64, _ int64) {}
func (NopMetrics) RecordAppendLatency(_ time.Duration) {}
