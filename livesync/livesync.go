// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package livesync is the live-sync actor: for every replica handed
// to it, it joins the replica's gossip topic, runs direct
// reconciliation sessions against newly-seen peers, rebroadcasts
// local inserts to neighbors, and applies gossip-received entries
// back into the replica. One Actor multiplexes every open replica
// through a single select-driven loop.
package livesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/downloader"
	"github.com/luxfi/meshcore/gossip"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/ranger"
	"github.com/luxfi/meshcore/replica"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/wire"
)

// ContentFetcher is the slice of the download scheduler the actor
// uses: every remote record names a content hash, and the peer that
// supplied the record is the first candidate to fetch it from.
// Satisfied by *downloader.Scheduler.
type ContentFetcher interface {
	Push(hash hashid.Hash, peers []ids.NodeID) <-chan downloader.Result
}

// docState is everything the actor tracks for one SyncDoc'd replica.
type docState struct {
	store  *replica.Store
	topic  gossip.Topic
	synced map[ids.NodeID]bool // peers we have already run a direct session against
}

// Actor is the single live-sync loop for a node. It is not safe to
// call Run concurrently with itself; SyncDoc and Shutdown are safe to
// call from any goroutine.
type Actor struct {
	dialer  transport.Dialer
	overlay gossip.Overlay
	fetch   ContentFetcher
	params  config.ReconcileParameters
	log     log.Logger

	inbox chan event

	mu   sync.Mutex
	docs map[hashid.NamespaceId]*docState
}

// NewActor returns an Actor that dials peers through dialer, joins
// topics through overlay, and enqueues the content behind remote
// records into fetch (nil disables content fetching: records still
// converge, their blobs stay remote). The caller must call Run in its
// own goroutine before SyncDoc has any effect beyond queuing.
func NewActor(dialer transport.Dialer, overlay gossip.Overlay, fetch ContentFetcher, params config.ReconcileParameters, logger log.Logger) *Actor {
	return &Actor{
		dialer:  dialer,
		overlay: overlay,
		fetch:   fetch,
		params:  params,
		log:     logger,
		inbox:   make(chan event, 256),
		docs:    make(map[hashid.NamespaceId]*docState),
	}
}

// SyncDoc tells the actor to start live-syncing store: join its gossip
// topic, dial initialPeers for a direct reconciliation session, and
// keep the replica converged with every peer seen thereafter over
// gossip NeighborUp.
func (a *Actor) SyncDoc(store *replica.Store, initialPeers []ids.NodeID) {
	a.inbox <- event{kind: evSyncDoc, namespace: store.Namespace(), store: store, peers: initialPeers}
}

// Shutdown stops the actor loop, closing every joined topic.
func (a *Actor) Shutdown() {
	a.inbox <- event{kind: evShutdown}
}

// Run drives the actor's single inbox loop until Shutdown is received
// or ctx is canceled. It returns nil in both cases.
func (a *Actor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.closeAll()
			return nil
		case ev := <-a.inbox:
			if done := a.handle(ctx, ev); done {
				a.closeAll()
				return nil
			}
		}
	}
}

func (a *Actor) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.docs {
		if d.topic != nil {
			_ = d.topic.Close()
		}
	}
}

// handle processes one inbox event, returning true if the loop should
// stop (Shutdown received).
func (a *Actor) handle(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evShutdown:
		return true

	case evSyncDoc:
		a.onSyncDoc(ctx, ev)

	case evJoinComplete:
		a.onJoinComplete(ctx, ev)

	case evNeighborUp:
		a.onNeighborUp(ctx, ev)

	case evGossipReceived:
		a.onGossipReceived(ev)

	case evLocalInsert:
		a.onLocalInsert(ctx, ev)

	case evRemoteInsert:
		a.onRemoteInsert(ev)

	case evSyncComplete:
		if ev.err != nil {
			a.log.Debug("live-sync session failed", "namespace", ev.namespace, "peer", ev.peer, "err", ev.err)
		}
	}
	return false
}

func (a *Actor) onSyncDoc(ctx context.Context, ev event) {
	a.mu.Lock()
	d, exists := a.docs[ev.namespace]
	if !exists {
		d = &docState{store: ev.store, synced: make(map[ids.NodeID]bool)}
		a.docs[ev.namespace] = d
	}
	a.mu.Unlock()

	if !exists {
		ev.store.OnInsert(func(origin replica.Origin, entry replica.SignedEntry) {
			switch origin.Kind {
			case replica.OriginLocal:
				a.inbox <- event{kind: evLocalInsert, namespace: ev.store.Namespace(), entry: entry}
			case replica.OriginRemote:
				// Covers both gossip-received entries and entries a
				// reconciliation session inserted: the record is here,
				// its content is not.
				a.inbox <- event{kind: evRemoteInsert, namespace: ev.store.Namespace(), entry: entry, peer: origin.Peer}
			}
		})

		ns := ev.store.Namespace()
		go func() {
			topic, err := a.overlay.Join(ctx, ns[:])
			a.inbox <- event{kind: evJoinComplete, namespace: ns, err: err}
			if err == nil {
				go forwardGossip(a.inbox, ns, topic)
				a.attachTopic(ns, topic)
			}
		}()
	}

	for _, peer := range ev.peers {
		a.startSync(ctx, ev.namespace, peer)
	}
}

func (a *Actor) attachTopic(namespace hashid.NamespaceId, topic gossip.Topic) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.docs[namespace]; ok {
		d.topic = topic
	}
}

// forwardGossip reads topic's events and re-wraps them into the
// actor's single inbox, since Go's select cannot range over a
// dynamically growing set of channels (one per joined topic).
func forwardGossip(inbox chan<- event, namespace hashid.NamespaceId, topic gossip.Topic) {
	for ev := range topic.Events() {
		switch ev.Kind {
		case gossip.EventReceived:
			inbox <- event{kind: evGossipReceived, namespace: namespace, data: ev.Data, peer: ev.PrevPeer}
		case gossip.EventNeighborUp:
			inbox <- event{kind: evNeighborUp, namespace: namespace, peer: ev.Peer}
		}
	}
}

func (a *Actor) onJoinComplete(_ context.Context, ev event) {
	if ev.err != nil {
		a.log.Debug("live-sync failed to join gossip topic", "namespace", ev.namespace, "err", ev.err)
	}
}

func (a *Actor) onNeighborUp(ctx context.Context, ev event) {
	a.startSync(ctx, ev.namespace, ev.peer)
}

func (a *Actor) startSync(ctx context.Context, namespace hashid.NamespaceId, peer ids.NodeID) {
	a.mu.Lock()
	d, ok := a.docs[namespace]
	if !ok || d.synced[peer] {
		a.mu.Unlock()
		return
	}
	d.synced[peer] = true
	store := d.store
	a.mu.Unlock()

	go func() {
		err := a.runSync(ctx, namespace, peer, store)
		a.inbox <- event{kind: evSyncComplete, namespace: namespace, peer: peer, err: err}
	}()
}

func (a *Actor) runSync(ctx context.Context, namespace hashid.NamespaceId, peer ids.NodeID, store *replica.Store) error {
	conn, err := a.dialer.Dial(ctx, peer, transport.ALPNSync)
	if err != nil {
		return fmt.Errorf("livesync: dial %s: %w", peer, err)
	}
	defer conn.Close()

	stream, err := conn.OpenBi(ctx)
	if err != nil {
		return fmt.Errorf("livesync: open stream to %s: %w", peer, err)
	}
	defer stream.Close()

	view := store.AsRanger(replica.Origin{Kind: replica.OriginRemote, Peer: peer})
	rp := ranger.NewPeer(stream, view, a.params)
	if err := rp.RunInitiator(namespace[:]); err != nil {
		return fmt.Errorf("livesync: reconcile with %s: %w", peer, err)
	}
	return nil
}

// onRemoteInsert enqueues the content hash a freshly learned remote
// record names, with the peer that supplied the record as the first
// download candidate.
func (a *Actor) onRemoteInsert(ev event) {
	if a.fetch == nil || ev.entry.Record.ContentHash.IsZero() {
		return
	}
	hash := ev.entry.Record.ContentHash
	ch := a.fetch.Push(hash, []ids.NodeID{ev.peer})
	go func() {
		if res, ok := <-ch; ok && !res.Ok {
			a.log.Debug("live-sync content fetch exhausted", "namespace", ev.namespace, "hash", hash, "peer", ev.peer)
		}
	}()
}

func (a *Actor) onGossipReceived(ev event) {
	a.mu.Lock()
	d, ok := a.docs[ev.namespace]
	a.mu.Unlock()
	if !ok {
		return
	}

	var o op
	if err := wire.Unmarshal(ev.data, &o); err != nil {
		a.log.Debug("live-sync dropping malformed gossip payload", "namespace", ev.namespace, "err", err)
		return
	}
	if err := d.store.Put(replica.Origin{Kind: replica.OriginRemote, Peer: ev.peer}, o.Put); err != nil {
		a.log.Debug("live-sync failed to apply gossip entry", "namespace", ev.namespace, "err", err)
	}
}

func (a *Actor) onLocalInsert(ctx context.Context, ev event) {
	a.mu.Lock()
	d, ok := a.docs[ev.namespace]
	a.mu.Unlock()
	if !ok || d.topic == nil {
		return
	}

	payload, err := wire.Marshal(op{Put: ev.entry})
	if err != nil {
		a.log.Debug("live-sync failed to encode local insert for gossip", "namespace", ev.namespace, "err", err)
		return
	}
	if err := d.topic.Broadcast(ctx, payload); err != nil {
		a.log.Debug("live-sync failed to broadcast local insert", "namespace", ev.namespace, "err", err)
	}
}
