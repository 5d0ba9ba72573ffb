// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package livesync

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/replica"
)

// op is the payload broadcast over a replica's gossip topic: a single
// inserted entry, propagated to neighbors as soon as it is locally
// accepted.
type op struct {
	Put replica.SignedEntry
}

// eventKind discriminates the actor loop's single inbox: control
// messages, gossip events, local insert notifications, and
// completions of spawned sync sessions and gossip joins.
type eventKind uint8

const (
	evSyncDoc eventKind = iota
	evShutdown
	evGossipReceived
	evNeighborUp
	evLocalInsert
	evRemoteInsert
	evSyncComplete
	evJoinComplete
)

// event is the single type flowing through Actor.inbox; every source
// (control calls, gossip fan-in goroutines, OnInsert callbacks, sync
// session goroutines) wraps its notification in one of these before
// sending, so the actor loop's select has exactly one case to read.
type event struct {
	kind eventKind

	namespace hashid.NamespaceId
	store     *replica.Store
	peers     []ids.NodeID
	peer      ids.NodeID
	entry     replica.SignedEntry
	data      []byte
	err       error
}
