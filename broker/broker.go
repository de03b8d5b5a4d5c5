// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the partition engine: per-partition ledgers,
// message metadata, per-subscription delivery queues and the consumer
// registry. Every state mutation is written to the transaction log before it
// becomes visible, which is what makes at-least-once delivery hold across
// crashes.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/feathermq/feathermq/catalog"
	"github.com/feathermq/feathermq/txlog"
)

// Config holds engine tunables.
type Config struct {
	NodeID uint64

	// TimeoutScanInterval is the cadence of the in-flight deadline scan.
	TimeoutScanInterval time.Duration

	// MaxAttempts bounds delivery attempts per message and subscription;
	// 0 means unlimited. Messages at the limit stay queued and visible
	// but are no longer dispatched.
	MaxAttempts uint32

	// DedupWindow is how long publish request ids are remembered.
	DedupWindow time.Duration

	// ConsumerIdleTimeout destroys consumers that stop pulling; their
	// leases return to the undelivered queues.
	ConsumerIdleTimeout time.Duration

	// PermitTimeout bounds the wait for a partition write permit before
	// the caller sees ErrServerBusy.
	PermitTimeout time.Duration

	// MaxAttributeBytes bounds the summed size of a message's attribute
	// map.
	MaxAttributeBytes int
}

// DefaultConfig returns engine defaults for a node.
func DefaultConfig(nodeID uint64) Config {
	return Config{
		NodeID:              nodeID,
		TimeoutScanInterval: 100 * time.Millisecond,
		MaxAttempts:         0,
		DedupWindow:         10 * time.Second,
		ConsumerIdleTimeout: 5 * time.Minute,
		PermitTimeout:       2 * time.Second,
		MaxAttributeBytes:   16 * 1024,
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock substitutes the time source; tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

type partKey struct {
	topicID     uint64
	partitionID uint64
}

// partition owns one partition's mutable state. All access happens while
// holding the write permit, giving the single-writer discipline the
// contracts depend on.
type partition struct {
	topicID uint64
	id      uint64

	permit chan struct{}

	ledgers []*ledger // ascending by id
	subs    map[uint64]*subPartState
}

func newPartition(topicID, id uint64) *partition {
	p := &partition{
		topicID: topicID,
		id:      id,
		permit:  make(chan struct{}, 1),
		subs:    make(map[uint64]*subPartState),
	}
	p.permit <- struct{}{}
	return p
}

// activeLedger returns the open ledger, nil if none.
func (p *partition) activeLedger() *ledger {
	if len(p.ledgers) == 0 {
		return nil
	}
	last := p.ledgers[len(p.ledgers)-1]
	if last.state != LedgerOpen {
		return nil
	}
	return last
}

func (p *partition) ledgerByID(id uint64) *ledger {
	for _, led := range p.ledgers {
		if led.id == id {
			return led
		}
	}
	return nil
}

type dedupEntry struct {
	result PublishResult
	atMS   uint64
}

// Broker is the partition engine plus consumer registry for one node.
type Broker struct {
	cfg     Config
	catalog *catalog.Catalog
	log     txlog.Log
	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics

	mu             sync.RWMutex // guards partitions, consumers, rings, dedup
	partitions     map[partKey]*partition
	consumers      map[uint64]*Consumer
	nextConsumerID uint64
	rings          map[uint64]*hashRing // subscription id -> ring
	dedup          map[string]dedupEntry

	// retained tracks the first LSN of every live (non-drained) ledger,
	// feeding the trim floor without taking other partitions' permits.
	retainMu sync.Mutex
	retained map[partKey]map[uint64]uint64

	readOnly atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New builds the engine for the node named in cfg, replays the transaction
// log and opens active ledgers for owned partitions that have none.
func New(cat *catalog.Catalog, log txlog.Log, cfg Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:            cfg,
		catalog:        cat,
		log:            log,
		clock:          clock.New(),
		logger:         slog.Default(),
		metrics:        NopMetrics{},
		partitions:     make(map[partKey]*partition),
		consumers:      make(map[uint64]*Consumer),
		nextConsumerID: 1,
		rings:          make(map[uint64]*hashRing),
		dedup:          make(map[string]dedupEntry),
		retained:       make(map[partKey]map[uint64]uint64),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.buildPartitions()

	if err := b.replay(); err != nil {
		return nil, fmt.Errorf("replay failed: %w", err)
	}

	if err := b.ensureActiveLedgers(); err != nil {
		return nil, err
	}

	return b, nil
}

// buildPartitions creates engine state for every catalog partition owned by
// this node.
func (b *Broker) buildPartitions() {
	v := b.catalog.View()
	for _, topic := range v.Topics() {
		for _, part := range topic.Partitions {
			if part.NodeID != b.cfg.NodeID {
				continue
			}
			b.ensurePartition(topic.ID, part.ID)
		}
	}
}

func (b *Broker) ensurePartition(topicID, partitionID uint64) *partition {
	key := partKey{topicID, partitionID}
	if p, ok := b.partitions[key]; ok {
		return p
	}
	p := newPartition(topicID, partitionID)
	if topic, err := b.catalog.View().Topic(topicID); err == nil {
		for _, sub := range topic.Subscriptions {
			p.subs[sub.ID] = newSubPartState(sub)
		}
	}
	b.partitions[key] = p
	return p
}

// ensureActiveLedgers opens ledger 1 on owned partitions that never had one
// (first boot for that partition).
func (b *Broker) ensureActiveLedgers() error {
	for key, p := range b.partitions {
		if len(p.ledgers) > 0 {
			continue
		}
		rec, err := b.appendEvent(txlog.LedgerOpened{
			TopicID:     key.topicID,
			PartitionID: key.partitionID,
			LedgerID:    1,
		})
		if err != nil {
			return err
		}
		led := newLedger(1, rec.TimestampMS, rec.LSN)
		p.ledgers = append(p.ledgers, led)
		b.retainLedger(key, led.id, rec.LSN)
	}
	return nil
}

// Start launches the background deadline and expiry scans.
func (b *Broker) Start() {
	if b.started {
		return
	}
	b.started = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := b.clock.Ticker(b.cfg.TimeoutScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := b.nowMS()
				b.ScanTimeouts(now)
				b.expireConsumers(now)
				b.pruneDedup(now)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Close stops background work. The transaction log is owned by the caller
// and closed separately.
func (b *Broker) Close() {
	if !b.started {
		return
	}
	b.started = false
	close(b.stopCh)
	b.wg.Wait()
}

// ReadOnly reports whether the engine stopped serving mutations after a
// storage failure.
func (b *Broker) ReadOnly() bool {
	return b.readOnly.Load()
}

// Catalog exposes the topology for the query surfaces.
func (b *Broker) Catalog() *catalog.Catalog {
	return b.catalog
}

// Log exposes the transaction log for the query surfaces.
func (b *Broker) Log() txlog.Log {
	return b.log
}

// NodeID returns this node's id.
func (b *Broker) NodeID() uint64 {
	return b.cfg.NodeID
}

func (b *Broker) nowMS() uint64 {
	return uint64(b.clock.Now().UnixMilli())
}

// appendEvent writes one event durably. Any failure flips the engine
// read-only: after a log failure no further mutation may be served.
func (b *Broker) appendEvent(ev txlog.Event) (txlog.Record, error) {
	start := b.clock.Now()
	rec, err := b.log.Append(ev)
	b.metrics.RecordAppendLatency(b.clock.Now().Sub(start))
	if err != nil {
		b.readOnly.Store(true)
		b.logger.Error("transaction log append failed, engine is now read-only",
			"kind", ev.Kind().String(), "error", err)
		return txlog.Record{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return rec, nil
}

// findPartition resolves an owned partition, distinguishing unknown ids
// from partitions owned elsewhere.
func (b *Broker) findPartition(topicID, partitionID uint64) (*partition, error) {
	part, err := b.catalog.View().Partition(topicID, partitionID)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	p, ok := b.partitions[partKey{topicID, partitionID}]
	b.mu.RUnlock()
	if !ok || part.NodeID != b.cfg.NodeID {
		return nil, &PartitionNotOwnedError{OwnerNodeID: part.NodeID}
	}
	return p, nil
}

// acquire takes the partition write permit, bounded by PermitTimeout.
func (b *Broker) acquire(p *partition) bool {
	select {
	case <-p.permit:
		return true
	default:
	}

	timer := b.clock.Timer(b.cfg.PermitTimeout)
	defer timer.Stop()
	select {
	case <-p.permit:
		return true
	case <-timer.C:
		return false
	}
}

func (b *Broker) release(p *partition) {
	p.permit <- struct{}{}
}

// retainLedger registers a live ledger's first LSN for trim-floor purposes.
func (b *Broker) retainLedger(key partKey, ledgerID, firstLSN uint64) {
	b.retainMu.Lock()
	defer b.retainMu.Unlock()
	m, ok := b.retained[key]
	if !ok {
		m = make(map[uint64]uint64)
		b.retained[key] = m
	}
	m[ledgerID] = firstLSN
}

func (b *Broker) releaseLedger(key partKey, ledgerID uint64) {
	b.retainMu.Lock()
	defer b.retainMu.Unlock()
	if m, ok := b.retained[key]; ok {
		delete(m, ledgerID)
		if len(m) == 0 {
			delete(b.retained, key)
		}
	}
}

// requestTrim advances the log floor to just below the earliest live
// ledger. Called after a drain; never trims state the engine still needs.
func (b *Broker) requestTrim(fallbackLSN uint64) {
	b.retainMu.Lock()
	floor := fallbackLSN
	for _, ledgers := range b.retained {
		for _, firstLSN := range ledgers {
			if firstLSN < floor {
				floor = firstLSN
			}
		}
	}
	b.retainMu.Unlock()

	if err := b.log.TrimBefore(floor); err != nil {
		b.logger.Warn("log trim failed", "floor", floor, "error", err)
	}
}

func (b *Broker) pruneDedup(nowMS uint64) {
	window := uint64(b.cfg.DedupWindow.Milliseconds())
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.dedup {
		if entry.atMS+window < nowMS {
			delete(b.dedup, id)
		}
	}
}

// consumersOf lists the registered consumer ids on a subscription, ordered.
func (b *Broker) consumersOf(subID uint64) []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []uint64
	for id, c := range b.consumers {
		if c.SubscriptionID == subID {
			ids = append(ids, id)
		}
	}
	sortUint64s(ids)
	return ids
}

func sortUint64s(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// ring returns the key-shared hash ring for a subscription, rebuilding it
// after consumer changes.
func (b *Broker) ring(subID uint64) *hashRing {
	b.mu.RLock()
	r, ok := b.rings[subID]
	b.mu.RUnlock()
	if ok {
		return r
	}

	r = buildRing(b.consumersOf(subID))

	b.mu.Lock()
	b.rings[subID] = r
	b.mu.Unlock()
	return r
}

func (b *Broker) invalidateRing(subID uint64) {
	b.mu.Lock()
	delete(b.rings, subID)
	b.mu.Unlock()
}
