// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"
)

// Kind identifies an event type in the transaction log. The set is closed:
// decoding an unknown kind fails rather than being skipped.
type Kind uint16

const (
	KindTopicCreated Kind = iota + 1
	KindPartitionCreated
	KindSubscriptionCreated
	KindLedgerOpened
	KindLedgerClosed
	KindLedgerDrained
	KindMessagePublished
	KindMessageDelivered
	KindMessageAcked
	KindMessageNacked
	KindMessageTimedOut
	KindConsumerRegistered
	KindConsumerUnregistered
	KindTrimmed
)

var kindNames = map[Kind]string{
	KindTopicCreated:         "TopicCreated",
	KindPartitionCreated:     "PartitionCreated",
	KindSubscriptionCreated:  "SubscriptionCreated",
	KindLedgerOpened:         "LedgerOpened",
	KindLedgerClosed:         "LedgerClosed",
	KindLedgerDrained:        "LedgerDrained",
	KindMessagePublished:     "MessagePublished",
	KindMessageDelivered:     "MessageDelivered",
	KindMessageAcked:         "MessageAcked",
	KindMessageNacked:        "MessageNacked",
	KindMessageTimedOut:      "MessageTimedOut",
	KindConsumerRegistered:   "ConsumerRegistered",
	KindConsumerUnregistered: "ConsumerUnregistered",
	KindTrimmed:              "Trimmed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// MessageRef identifies a message within the cluster key space.
type MessageRef struct {
	TopicID     uint64 `json:"topic_id"`
	PartitionID uint64 `json:"partition_id"`
	LedgerID    uint64 `json:"ledger_id"`
	MessageID   uint64 `json:"message_id"`
}

// Key returns the textual "topic:partition:ledger:message" form used in
// API payloads.
func (r MessageRef) Key() string {
	return strconv.FormatUint(r.TopicID, 10) + ":" +
		strconv.FormatUint(r.PartitionID, 10) + ":" +
		strconv.FormatUint(r.LedgerID, 10) + ":" +
		strconv.FormatUint(r.MessageID, 10)
}

// ParseRef parses the "topic:partition:ledger:message" key form.
func ParseRef(key string) (MessageRef, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return MessageRef{}, fmt.Errorf("invalid message ref %q", key)
	}
	var ids [4]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return MessageRef{}, fmt.Errorf("invalid message ref %q: %w", key, err)
		}
		ids[i] = v
	}
	return MessageRef{TopicID: ids[0], PartitionID: ids[1], LedgerID: ids[2], MessageID: ids[3]}, nil
}

// Event is a typed transaction log entry payload.
type Event interface {
	Kind() Kind
	encode(w *BufferWriter, opts encodeOpts)
}

// Record is an event as stored in the log, stamped with its LSN and
// append wall-clock time.
type Record struct {
	LSN         uint64
	TimestampMS uint64
	Event       Event
}

type encodeOpts struct {
	compression      Compression
	compressMinBytes int
}

// Compression selects the codec applied to large attribute blocks inside
// MessagePublished payloads.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
)

// TopicCreated registers a topic in the catalog.
type TopicCreated struct {
	TopicID    uint64
	Name       string
	Partitions uint32
}

func (TopicCreated) Kind() Kind { return KindTopicCreated }

func (e TopicCreated) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteString(e.Name)
	w.WriteUint32(e.Partitions)
}

// PartitionCreated registers a partition and its owning node.
type PartitionCreated struct {
	TopicID     uint64
	PartitionID uint64
	NodeID      uint64
}

func (PartitionCreated) Kind() Kind { return KindPartitionCreated }

func (e PartitionCreated) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.PartitionID)
	w.WriteUint64(e.NodeID)
}

// SubscriptionCreated registers a subscription on a topic.
type SubscriptionCreated struct {
	TopicID        uint64
	SubscriptionID uint64
	Name           string
	Discipline     uint8
	AckTimeoutMS   uint64
}

func (SubscriptionCreated) Kind() Kind { return KindSubscriptionCreated }

func (e SubscriptionCreated) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.SubscriptionID)
	w.WriteString(e.Name)
	w.WriteUint8(e.Discipline)
	w.WriteUint64(e.AckTimeoutMS)
}

// LedgerOpened marks a new active ledger on a partition.
type LedgerOpened struct {
	TopicID     uint64
	PartitionID uint64
	LedgerID    uint64
}

func (LedgerOpened) Kind() Kind { return KindLedgerOpened }

func (e LedgerOpened) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.PartitionID)
	w.WriteUint64(e.LedgerID)
}

// LedgerClosed marks a ledger as no longer accepting publishes.
type LedgerClosed struct {
	TopicID     uint64
	PartitionID uint64
	LedgerID    uint64
}

func (LedgerClosed) Kind() Kind { return KindLedgerClosed }

func (e LedgerClosed) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.PartitionID)
	w.WriteUint64(e.LedgerID)
}

// LedgerDrained marks a closed ledger whose messages are fully acknowledged
// by every subscription.
type LedgerDrained struct {
	TopicID     uint64
	PartitionID uint64
	LedgerID    uint64
}

func (LedgerDrained) Kind() Kind { return KindLedgerDrained }

func (e LedgerDrained) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.PartitionID)
	w.WriteUint64(e.LedgerID)
}

// Attribute block flags inside MessagePublished payloads.
const (
	attrsRaw uint8 = iota
	attrsS2
)

// MessagePublished records a message accepted into the active ledger.
type MessagePublished struct {
	Ref         MessageRef
	Key         []byte
	TimestampMS uint64
	Attributes  map[string]string
}

func (MessagePublished) Kind() Kind { return KindMessagePublished }

func (e MessagePublished) encode(w *BufferWriter, opts encodeOpts) {
	writeRef(w, e.Ref)
	w.WriteBytes(e.Key)
	w.WriteUint64(e.TimestampMS)

	attrs := NewBufferWriter(64)
	attrs.WriteUvarint(uint64(len(e.Attributes)))
	for _, k := range sortedKeys(e.Attributes) {
		attrs.WriteString(k)
		attrs.WriteString(e.Attributes[k])
	}
	block := attrs.Bytes()

	if opts.compression == CompressionS2 && len(block) >= opts.compressMinBytes {
		w.WriteUint8(attrsS2)
		w.WriteBytes(s2.Encode(nil, block))
		return
	}
	w.WriteUint8(attrsRaw)
	w.WriteBytes(block)
}

// MessageDelivered records a delivery lease handed to a consumer.
type MessageDelivered struct {
	Ref            MessageRef
	SubscriptionID uint64
	ConsumerID     uint64
	Attempt        uint32
	DeadlineMS     uint64
}

func (MessageDelivered) Kind() Kind { return KindMessageDelivered }

func (e MessageDelivered) encode(w *BufferWriter, _ encodeOpts) {
	writeRef(w, e.Ref)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
	w.WriteUint32(e.Attempt)
	w.WriteUint64(e.DeadlineMS)
}

// MessageAcked records a consumer acknowledgment. The consumer id pins the
// ack to one queue view during replay of multicast subscriptions.
type MessageAcked struct {
	Ref            MessageRef
	SubscriptionID uint64
	ConsumerID     uint64
}

func (MessageAcked) Kind() Kind { return KindMessageAcked }

func (e MessageAcked) encode(w *BufferWriter, _ encodeOpts) {
	writeRef(w, e.Ref)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
}

// MessageNacked records a negative acknowledgment returning the message to
// the undelivered queue.
type MessageNacked struct {
	Ref            MessageRef
	SubscriptionID uint64
	ConsumerID     uint64
}

func (MessageNacked) Kind() Kind { return KindMessageNacked }

func (e MessageNacked) encode(w *BufferWriter, _ encodeOpts) {
	writeRef(w, e.Ref)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
}

// MessageTimedOut records an in-flight lease expiring; semantics match a
// nack but the cause remains distinguishable in the log.
type MessageTimedOut struct {
	Ref            MessageRef
	SubscriptionID uint64
	ConsumerID     uint64
}

func (MessageTimedOut) Kind() Kind { return KindMessageTimedOut }

func (e MessageTimedOut) encode(w *BufferWriter, _ encodeOpts) {
	writeRef(w, e.Ref)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
}

// ConsumerRegistered records a consumer joining a subscription.
type ConsumerRegistered struct {
	TopicID        uint64
	SubscriptionID uint64
	ConsumerID     uint64
	MaxInFlight    uint32
}

func (ConsumerRegistered) Kind() Kind { return KindConsumerRegistered }

func (e ConsumerRegistered) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
	w.WriteUint32(e.MaxInFlight)
}

// ConsumerUnregistered records a consumer leaving a subscription.
type ConsumerUnregistered struct {
	TopicID        uint64
	SubscriptionID uint64
	ConsumerID     uint64
}

func (ConsumerUnregistered) Kind() Kind { return KindConsumerUnregistered }

func (e ConsumerUnregistered) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.TopicID)
	w.WriteUint64(e.SubscriptionID)
	w.WriteUint64(e.ConsumerID)
}

// Trimmed records the new log floor after a trim.
type Trimmed struct {
	UpToLSN uint64
}

func (Trimmed) Kind() Kind { return KindTrimmed }

func (e Trimmed) encode(w *BufferWriter, _ encodeOpts) {
	w.WriteUint64(e.UpToLSN)
}

func writeRef(w *BufferWriter, ref MessageRef) {
	w.WriteUint64(ref.TopicID)
	w.WriteUint64(ref.PartitionID)
	w.WriteUint64(ref.LedgerID)
	w.WriteUint64(ref.MessageID)
}

func readRef(r *BufferReader) (MessageRef, error) {
	var ref MessageRef
	var err error
	if ref.TopicID, err = r.ReadUint64(); err != nil {
		return ref, err
	}
	if ref.PartitionID, err = r.ReadUint64(); err != nil {
		return ref, err
	}
	if ref.LedgerID, err = r.ReadUint64(); err != nil {
		return ref, err
	}
	ref.MessageID, err = r.ReadUint64()
	return ref, err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func encodeEvent(ev Event, opts encodeOpts) []byte {
	w := NewBufferWriter(128)
	ev.encode(w, opts)
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}

// DecodeEvent deserializes an event payload of the given kind.
func DecodeEvent(kind Kind, payload []byte) (Event, error) {
	r := NewBufferReader(payload)
	switch kind {
	case KindTopicCreated:
		var e TopicCreated
		var err error
		if e.TopicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.Name, err = r.ReadString(); err != nil {
			return nil, err
		}
		if e.Partitions, err = r.ReadUint32(); err != nil {
			return nil, err
		}
		return e, nil

	case KindPartitionCreated:
		var e PartitionCreated
		var err error
		if e.TopicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.PartitionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.NodeID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		return e, nil

	case KindSubscriptionCreated:
		var e SubscriptionCreated
		var err error
		if e.TopicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.SubscriptionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.Name, err = r.ReadString(); err != nil {
			return nil, err
		}
		if e.Discipline, err = r.ReadUint8(); err != nil {
			return nil, err
		}
		if e.AckTimeoutMS, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		return e, nil

	case KindLedgerOpened, KindLedgerClosed, KindLedgerDrained:
		var topicID, partitionID, ledgerID uint64
		var err error
		if topicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if partitionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if ledgerID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		switch kind {
		case KindLedgerOpened:
			return LedgerOpened{TopicID: topicID, PartitionID: partitionID, LedgerID: ledgerID}, nil
		case KindLedgerClosed:
			return LedgerClosed{TopicID: topicID, PartitionID: partitionID, LedgerID: ledgerID}, nil
		default:
			return LedgerDrained{TopicID: topicID, PartitionID: partitionID, LedgerID: ledgerID}, nil
		}

	case KindMessagePublished:
		var e MessagePublished
		var err error
		if e.Ref, err = readRef(r); err != nil {
			return nil, err
		}
		if e.Key, err = r.ReadBytes(); err != nil {
			return nil, err
		}
		if e.TimestampMS, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		flag, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		block, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		if flag == attrsS2 {
			if block, err = s2.Decode(nil, block); err != nil {
				return nil, fmt.Errorf("decompress attributes: %w", err)
			}
		}
		ar := NewBufferReader(block)
		count, err := ar.ReadUvarint()
		if err != nil {
			return nil, err
		}
		e.Attributes = make(map[string]string, count)
		for i := uint64(0); i < count; i++ {
			k, err := ar.ReadString()
			if err != nil {
				return nil, err
			}
			v, err := ar.ReadString()
			if err != nil {
				return nil, err
			}
			e.Attributes[k] = v
		}
		return e, nil

	case KindMessageDelivered:
		var e MessageDelivered
		var err error
		if e.Ref, err = readRef(r); err != nil {
			return nil, err
		}
		if e.SubscriptionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.ConsumerID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.Attempt, err = r.ReadUint32(); err != nil {
			return nil, err
		}
		if e.DeadlineMS, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		return e, nil

	case KindMessageAcked, KindMessageNacked, KindMessageTimedOut:
		ref, err := readRef(r)
		if err != nil {
			return nil, err
		}
		subID, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		consumerID, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindMessageAcked:
			return MessageAcked{Ref: ref, SubscriptionID: subID, ConsumerID: consumerID}, nil
		case KindMessageNacked:
			return MessageNacked{Ref: ref, SubscriptionID: subID, ConsumerID: consumerID}, nil
		default:
			return MessageTimedOut{Ref: ref, SubscriptionID: subID, ConsumerID: consumerID}, nil
		}

	case KindConsumerRegistered:
		var e ConsumerRegistered
		var err error
		if e.TopicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.SubscriptionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.ConsumerID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.MaxInFlight, err = r.ReadUint32(); err != nil {
			return nil, err
		}
		return e, nil

	case KindConsumerUnregistered:
		var e ConsumerUnregistered
		var err error
		if e.TopicID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.SubscriptionID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if e.ConsumerID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		return e, nil

	case KindTrimmed:
		upTo, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return Trimmed{UpToLSN: upTo}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(kind))
}
