// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gossip is the contract meshcore requires of its pub/sub
// overlay: a topic broadcast and a neighbor-up signal. No
// gossip-overlay implementation ships; this package defines only the
// interface livesync depends on, plus an in-process fake for tests.
package gossip

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
)

// EventKind discriminates the two signals a joined Topic delivers:
// a received broadcast, or a new neighbor.
type EventKind uint8

const (
	EventReceived EventKind = iota
	EventNeighborUp
)

// Event is one message from a joined Topic.
type Event struct {
	Kind EventKind

	// Received
	Data     []byte
	PrevPeer ids.NodeID

	// NeighborUp
	Peer ids.NodeID
}

// Topic is a joined pub/sub topic.
type Topic interface {
	Broadcast(ctx context.Context, data []byte) error
	// Events returns the channel of Received/NeighborUp signals for
	// this topic. Closed when the topic is closed.
	Events() <-chan Event
	Close() error
}

// Overlay joins topics identified by an opaque id; livesync uses a
// replica's namespace-id bytes as the topic id.
type Overlay interface {
	Join(ctx context.Context, topicID []byte) (Topic, error)
}

// FakeOverlay is an in-process Overlay that loops every broadcast on a
// topic back out to every other peer registered as a neighbor on that
// topic, for exercising livesync without a real gossip protocol.
type FakeOverlay struct {
	self ids.NodeID

	mu     sync.Mutex
	topics map[string]*fakeTopic
}

// NewFakeOverlay returns a FakeOverlay identifying itself as self when
// announcing NeighborUp to peers it connects to.
func NewFakeOverlay(self ids.NodeID) *FakeOverlay {
	return &FakeOverlay{self: self, topics: make(map[string]*fakeTopic)}
}

func (o *FakeOverlay) Join(_ context.Context, topicID []byte) (Topic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := string(topicID)
	t, ok := o.topics[key]
	if !ok {
		t = &fakeTopic{id: append([]byte(nil), topicID...), events: make(chan Event, 256), peers: make(map[*fakeTopic]ids.NodeID)}
		o.topics[key] = t
	}
	return &fakeMembership{overlay: o, topic: t, self: o.self}, nil
}

type fakeTopic struct {
	mu     sync.Mutex
	id     []byte
	events chan Event
	peers  map[*fakeTopic]ids.NodeID // other members' topic handles, keyed by identity
}

// fakeMembership is one Join() call's view of a shared fakeTopic; each
// membership has its own identity so NeighborUp/Received are
// attributed correctly.
type fakeMembership struct {
	overlay *FakeOverlay
	topic   *fakeTopic
	self    ids.NodeID
}

// Connect wires two test overlays' memberships of the same topic id
// together and announces NeighborUp on both sides, standing in for
// the real overlay's peer discovery.
func Connect(a, b Topic) {
	am, aok := a.(*fakeMembership)
	bm, bok := b.(*fakeMembership)
	if !aok || !bok {
		return
	}
	am.topic.mu.Lock()
	am.topic.peers[bm.topic] = bm.self
	am.topic.mu.Unlock()
	bm.topic.mu.Lock()
	bm.topic.peers[am.topic] = am.self
	bm.topic.mu.Unlock()

	am.topic.events <- Event{Kind: EventNeighborUp, Peer: bm.self}
	bm.topic.events <- Event{Kind: EventNeighborUp, Peer: am.self}
}

func (m *fakeMembership) Broadcast(_ context.Context, data []byte) error {
	m.topic.mu.Lock()
	defer m.topic.mu.Unlock()
	for peerTopic, peerID := range m.topic.peers {
		_ = peerID
		select {
		case peerTopic.events <- Event{Kind: EventReceived, Data: data, PrevPeer: m.self}:
		default:
		}
	}
	return nil
}

func (m *fakeMembership) Events() <-chan Event { return m.topic.events }

// Close is a no-op in the fake: the shared events channel is never
// closed.
func (m *fakeMembership) Close() error { return nil }
