// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/feathermq/feathermq/txlog"
)

// Message is the immutable metadata stored for one published message.
// Payload bodies never enter the broker; attributes carry whatever the
// publisher needs to locate them out-of-band.
type Message struct {
	Ref         txlog.MessageRef  `json:"message_ref"`
	Key         []byte            `json:"key,omitempty"`
	PublishedMS uint64            `json:"timestamp"`
	Attributes  map[string]string `json:"attributes"`
}

// Lease is a delivery handed to a consumer: the message metadata plus the
// claim the consumer must present on ack.
type Lease struct {
	Message        Message `json:"message"`
	AckKey         string  `json:"message_ack_key"`
	SubscriptionID uint64  `json:"subscription_id"`
	ConsumerID     uint64  `json:"consumer_id"`
	DeliveryCount  uint32  `json:"delivery_count"`
	DeadlineMS     uint64  `json:"deadline"`
}

// PublishResult reports an accepted publish.
type PublishResult struct {
	Ref txlog.MessageRef
	LSN uint64
}
