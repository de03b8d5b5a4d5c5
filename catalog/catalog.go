// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the broker's static topology: nodes, topics,
// partitions and subscriptions. The catalog is loaded once at startup and
// is immutable during steady state; administrative events swap in a new
// copy-on-write view and rewrite the snapshot file atomically.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feathermq/feathermq/txlog"
)

// ErrNotFound is returned when an unknown id is referenced. Downstream
// components must never synthesize catalog entries on miss.
var ErrNotFound = errors.New("not found in catalog")

// Discipline selects the dispatch policy of a subscription.
type Discipline uint8

const (
	Shared Discipline = iota
	Multicast
	KeyShared
)

var disciplineNames = map[Discipline]string{
	Shared:    "shared",
	Multicast: "multicast",
	KeyShared: "key-shared",
}

func (d Discipline) String() string {
	if name, ok := disciplineNames[d]; ok {
		return name
	}
	return fmt.Sprintf("discipline(%d)", uint8(d))
}

// ParseDiscipline parses the textual discipline form used in snapshots.
func ParseDiscipline(s string) (Discipline, error) {
	for d, name := range disciplineNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown discipline %q", s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Discipline) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Discipline) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDiscipline(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Node is a broker process in the cluster.
type Node struct {
	ID   uint64 `yaml:"id" json:"id"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Partition is the unit of parallelism within a topic. NodeID identifies the
// current owner and only changes through migration.
type Partition struct {
	ID      uint64 `yaml:"id" json:"id"`
	TopicID uint64 `yaml:"-" json:"topic_id"`
	NodeID  uint64 `yaml:"node_id" json:"node_id"`
}

// Subscription is a named consumer group on a topic. Ids are unique across
// the cluster, not per topic.
type Subscription struct {
	ID         uint64        `yaml:"id" json:"id"`
	TopicID    uint64        `yaml:"-" json:"topic_id"`
	Name       string        `yaml:"name" json:"name"`
	Discipline Discipline    `yaml:"discipline" json:"-"`
	AckTimeout time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
}

// Topic is a named partitioned message stream.
type Topic struct {
	ID            uint64         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Partitions    []Partition    `yaml:"partitions" json:"partitions"`
	Subscriptions []Subscription `yaml:"subscriptions" json:"subscriptions"`
}

// View is an immutable index over the topology. Lookup maps are built once
// and shared; a new View replaces the old on every admin event.
type View struct {
	nodes         map[uint64]Node
	topics        map[uint64]Topic
	topicsByName  map[string]uint64
	subscriptions map[uint64]Subscription
}

func buildView(nodes []Node, topics []Topic) *View {
	v := &View{
		nodes:         make(map[uint64]Node, len(nodes)),
		topics:        make(map[uint64]Topic, len(topics)),
		topicsByName:  make(map[string]uint64, len(topics)),
		subscriptions: make(map[uint64]Subscription),
	}
	for _, n := range nodes {
		v.nodes[n.ID] = n
	}
	for _, t := range topics {
		for i := range t.Partitions {
			t.Partitions[i].TopicID = t.ID
		}
		for i := range t.Subscriptions {
			t.Subscriptions[i].TopicID = t.ID
			v.subscriptions[t.Subscriptions[i].ID] = t.Subscriptions[i]
		}
		v.topics[t.ID] = t
		v.topicsByName[t.Name] = t.ID
	}
	return v
}

// Node looks up a node by id.
func (v *View) Node(id uint64) (Node, error) {
	n, ok := v.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return n, nil
}

// Topic looks up a topic by id.
func (v *View) Topic(id uint64) (Topic, error) {
	t, ok := v.topics[id]
	if !ok {
		return Topic{}, fmt.Errorf("topic %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// TopicByName looks up a topic by name.
func (v *View) TopicByName(name string) (Topic, error) {
	id, ok := v.topicsByName[name]
	if !ok {
		return Topic{}, fmt.Errorf("topic %q: %w", name, ErrNotFound)
	}
	return v.topics[id], nil
}

// Partition looks up a partition within a topic.
func (v *View) Partition(topicID, partitionID uint64) (Partition, error) {
	t, err := v.Topic(topicID)
	if err != nil {
		return Partition{}, err
	}
	for _, p := range t.Partitions {
		if p.ID == partitionID {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("partition %d of topic %d: %w", partitionID, topicID, ErrNotFound)
}

// Subscription looks up a subscription by its cluster-wide id.
func (v *View) Subscription(id uint64) (Subscription, error) {
	s, ok := v.subscriptions[id]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return s, nil
}

// Nodes enumerates all nodes ordered by id.
func (v *View) Nodes() []Node {
	out := make([]Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Topics enumerates all topics ordered by id.
func (v *View) Topics() []Topic {
	out := make([]Topic, 0, len(v.topics))
	for _, t := range v.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Catalog provides the current topology view and applies admin events.
type Catalog struct {
	mu   sync.Mutex // serializes admin updates and snapshot writes
	path string
	view atomic.Pointer[View]
}

// New creates a catalog around an initial topology. An empty path disables
// snapshot persistence (tests).
func New(path string, nodes []Node, topics []Topic) *Catalog {
	c := &Catalog{path: path}
	c.view.Store(buildView(nodes, topics))
	return c
}

// Load reads the snapshot file at path.
func Load(path string) (*Catalog, error) {
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	return New(path, snap.Nodes, snap.Topics), nil
}

// View returns the current immutable view.
func (c *Catalog) View() *View {
	return c.view.Load()
}

// Apply folds an administrative event into the topology, persisting the new
// snapshot before the swapped-in view becomes visible. Non-administrative
// events are ignored, which lets log replay feed every record through.
func (c *Catalog) Apply(ev txlog.Event) error {
	switch e := ev.(type) {
	case txlog.TopicCreated:
		return c.update(func(s *snapshot) error {
			for _, t := range s.Topics {
				if t.ID == e.TopicID {
					return nil
				}
			}
			s.Topics = append(s.Topics, Topic{ID: e.TopicID, Name: e.Name})
			return nil
		})

	case txlog.PartitionCreated:
		return c.update(func(s *snapshot) error {
			for i := range s.Topics {
				if s.Topics[i].ID != e.TopicID {
					continue
				}
				for _, p := range s.Topics[i].Partitions {
					if p.ID == e.PartitionID {
						return nil
					}
				}
				s.Topics[i].Partitions = append(s.Topics[i].Partitions, Partition{
					ID:     e.PartitionID,
					NodeID: e.NodeID,
				})
				return nil
			}
			return fmt.Errorf("topic %d: %w", e.TopicID, ErrNotFound)
		})

	case txlog.SubscriptionCreated:
		return c.update(func(s *snapshot) error {
			for i := range s.Topics {
				if s.Topics[i].ID != e.TopicID {
					continue
				}
				for _, sub := range s.Topics[i].Subscriptions {
					if sub.ID == e.SubscriptionID {
						return nil
					}
				}
				s.Topics[i].Subscriptions = append(s.Topics[i].Subscriptions, Subscription{
					ID:         e.SubscriptionID,
					Name:       e.Name,
					Discipline: Discipline(e.Discipline),
					AckTimeout: time.Duration(e.AckTimeoutMS) * time.Millisecond,
				})
				return nil
			}
			return fmt.Errorf("topic %d: %w", e.TopicID, ErrNotFound)
		})
	}

	return nil
}

func (c *Catalog) update(mutate func(*snapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.currentSnapshot()
	if err := mutate(&snap); err != nil {
		return err
	}
	if c.path != "" {
		if err := writeSnapshot(c.path, snap); err != nil {
			return err
		}
	}
	c.view.Store(buildView(snap.Nodes, snap.Topics))
	return nil
}

func (c *Catalog) currentSnapshot() snapshot {
	v := c.view.Load()
	return snapshot{Nodes: v.Nodes(), Topics: v.Topics()}
}
