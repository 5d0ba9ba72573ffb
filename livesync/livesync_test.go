// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package livesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/downloader"
	"github.com/luxfi/meshcore/gossip"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/replica"
	"github.com/luxfi/meshcore/transport"
)

func signedEntry(ns hashid.Namespace, author hashid.Author, key []byte, ts int64) replica.SignedEntry {
	id := replica.RecordIdentifier{Namespace: ns.Id(), Author: author.Id(), Key: key}
	rec := replica.Record{
		TimestampMicros: ts,
		ContentHash:     hashid.HashBytes(key),
		ContentSize:     uint64(len(key)),
	}
	return replica.Sign(ns, author, id, rec)
}

type syncNode struct {
	id      ids.NodeID
	actor   *Actor
	overlay *gossip.FakeOverlay
	store   *replica.Store
}

func startNode(t *testing.T, ctx context.Context, net *transport.Network, ns hashid.Namespace) *syncNode {
	t.Helper()
	id := ids.GenerateTestNodeID()
	overlay := gossip.NewFakeOverlay(id)
	actor := NewActor(net.Dialer(id), overlay, nil, config.DefaultReconcileParameters(), log.NewNoOpLogger())
	server := NewServer(actor, net.Listen(id, transport.ALPNSync), log.NewNoOpLogger())
	go func() { _ = actor.Run(ctx) }()
	go func() { _ = server.Run(ctx) }()

	store := replica.NewStore(ns.Id(), config.DefaultReplicaParameters())
	return &syncNode{id: id, actor: actor, overlay: overlay, store: store}
}

// TestNeighborUpTriggersConvergence: two actors live-syncing the same
// namespace with disjoint seeded entries converge once their gossip
// topics learn of each other.
func TestNeighborUpTriggersConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns, err := hashid.NewNamespace()
	require.NoError(t, err)
	author, err := hashid.NewAuthor()
	require.NoError(t, err)

	net := transport.NewNetwork()
	a := startNode(t, ctx, net, ns)
	b := startNode(t, ctx, net, ns)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.store.Put(replica.Origin{Kind: replica.OriginLocal}, signedEntry(ns, author, []byte{'a', byte(i)}, int64(i+1))))
		require.NoError(t, b.store.Put(replica.Origin{Kind: replica.OriginLocal}, signedEntry(ns, author, []byte{'b', byte(i)}, int64(i+1))))
	}

	a.actor.SyncDoc(a.store, nil)
	b.actor.SyncDoc(b.store, nil)

	nsID := ns.Id()
	topicA, err := a.overlay.Join(ctx, nsID[:])
	require.NoError(t, err)
	topicB, err := b.overlay.Join(ctx, nsID[:])
	require.NoError(t, err)
	gossip.Connect(topicA, topicB)

	require.Eventually(t, func() bool {
		return a.store.Len() == 10 && b.store.Len() == 10
	}, 5*time.Second, 10*time.Millisecond)
}

// TestLocalInsertReachesNeighborViaGossip: after two actors are
// connected over the overlay, a fresh local write at one node shows
// up at the other without any further direct session.
func TestLocalInsertReachesNeighborViaGossip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns, err := hashid.NewNamespace()
	require.NoError(t, err)
	author, err := hashid.NewAuthor()
	require.NoError(t, err)

	net := transport.NewNetwork()
	a := startNode(t, ctx, net, ns)
	b := startNode(t, ctx, net, ns)

	a.actor.SyncDoc(a.store, nil)
	b.actor.SyncDoc(b.store, nil)

	nsID := ns.Id()
	topicA, err := a.overlay.Join(ctx, nsID[:])
	require.NoError(t, err)
	topicB, err := b.overlay.Join(ctx, nsID[:])
	require.NoError(t, err)
	gossip.Connect(topicA, topicB)

	// Both empty, so the NeighborUp sessions settle immediately; wait
	// for the topics to be attached before writing, since a local
	// insert before the join completes has nowhere to broadcast.
	require.Eventually(t, func() bool {
		entry := signedEntry(ns, author, []byte("fresh"), 100)
		require.NoError(t, a.store.Put(replica.Origin{Kind: replica.OriginLocal}, entry))
		_, ok := b.store.GetLatestByKeyAndAuthor([]byte("fresh"), author.Id())
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	got, ok := b.store.GetLatestByKeyAndAuthor([]byte("fresh"), author.Id())
	require.True(t, ok)
	require.Equal(t, hashid.HashBytes([]byte("fresh")), got.Record.ContentHash)
}

// TestUnknownNamespaceSessionRejected: an inbound session announcing
// a namespace the actor is not live-syncing is refused.
func TestUnknownNamespaceSessionRejected(t *testing.T) {
	a := NewActor(nil, nil, nil, config.DefaultReconcileParameters(), log.NewNoOpLogger())
	var ns hashid.NamespaceId
	_, err := a.lookupStore(ids.GenerateTestNodeID(), ns[:])
	require.Error(t, err)

	_, err = a.lookupStore(ids.GenerateTestNodeID(), []byte("short"))
	require.Error(t, err)
}

// fakeFetcher records every Push and resolves it immediately.
type fakeFetcher struct {
	mu     sync.Mutex
	pushes []fetchCall
}

type fetchCall struct {
	hash  hashid.Hash
	peers []ids.NodeID
}

func (f *fakeFetcher) Push(hash hashid.Hash, peers []ids.NodeID) <-chan downloader.Result {
	f.mu.Lock()
	f.pushes = append(f.pushes, fetchCall{hash: hash, peers: peers})
	f.mu.Unlock()
	ch := make(chan downloader.Result, 1)
	ch <- downloader.Result{Hash: hash, Size: 1, Ok: true}
	close(ch)
	return ch
}

// TestRemoteInsertEnqueuesContentFetch: a record inserted with a
// remote origin queues its content hash for download from the peer
// that supplied it; local inserts do not.
func TestRemoteInsertEnqueuesContentFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns, err := hashid.NewNamespace()
	require.NoError(t, err)
	author, err := hashid.NewAuthor()
	require.NoError(t, err)

	id := ids.GenerateTestNodeID()
	net := transport.NewNetwork()
	fetcher := &fakeFetcher{}
	actor := NewActor(net.Dialer(id), gossip.NewFakeOverlay(id), fetcher, config.DefaultReconcileParameters(), log.NewNoOpLogger())
	go func() { _ = actor.Run(ctx) }()

	store := replica.NewStore(ns.Id(), config.DefaultReplicaParameters())
	actor.SyncDoc(store, nil)

	// Wait for the doc registration (and its OnInsert hook) to land.
	require.Eventually(t, func() bool {
		actor.mu.Lock()
		defer actor.mu.Unlock()
		_, ok := actor.docs[ns.Id()]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	supplier := ids.GenerateTestNodeID()
	remote := signedEntry(ns, author, []byte("remote-doc"), 10)
	require.NoError(t, store.Put(replica.Origin{Kind: replica.OriginRemote, Peer: supplier}, remote))

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return len(fetcher.pushes) == 1
	}, 5*time.Second, 10*time.Millisecond)

	fetcher.mu.Lock()
	call := fetcher.pushes[0]
	fetcher.mu.Unlock()
	require.Equal(t, remote.Record.ContentHash, call.hash)
	require.Equal(t, []ids.NodeID{supplier}, call.peers)

	// A local insert broadcasts but never fetches.
	local := signedEntry(ns, author, []byte("local-doc"), 11)
	require.NoError(t, store.Put(replica.Origin{Kind: replica.OriginLocal}, local))
	time.Sleep(50 * time.Millisecond)
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Len(t, fetcher.pushes, 1)
}
