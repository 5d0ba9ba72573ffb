// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import "github.com/luxfi/meshcore/hashid"

// EventKind names one point in a stream's lifecycle.
type EventKind uint8

const (
	EventClientConnected EventKind = iota
	EventGetRequestReceived
	EventCustomGetRequestReceived
	EventTransferCollectionStarted
	EventTransferBlobCompleted
	EventTransferCollectionCompleted
	EventTransferAborted
)

// AbortReason classifies why a transfer aborted.
type AbortReason uint8

const (
	AbortOther AbortReason = iota
	AbortNotFound
)

// Event is one message in the provider's best-effort, non-blocking
// event stream. The pointer fields are set only on
// TransferCollectionStarted events, and then both are set.
type Event struct {
	Kind EventKind

	ConnectionID uint64
	RequestID    uint64

	// TransferCollectionStarted
	NumBlobs       *uint64
	TotalBlobsSize *uint64

	// TransferBlobCompleted
	Hash  hashid.Hash
	Index uint64
	Size  uint64

	// TransferAborted
	Reason AbortReason
	Err    error
}

// EventSender is the pluggable, best-effort event sink a Provider is
// parameterized over.
// Implementations must not block the serving goroutine; a channel
// send should be non-blocking (select with a default, or a
// sufficiently large buffer).
type EventSender interface {
	Send(Event)
}

// NoopEvents discards every event, for callers that don't care.
type NoopEvents struct{}

func (NoopEvents) Send(Event) {}

// ChannelEvents forwards events to a buffered channel, dropping the
// event if the channel is full rather than blocking the server loop.
type ChannelEvents struct {
	C chan Event
}

func NewChannelEvents(buf int) *ChannelEvents {
	return &ChannelEvents{C: make(chan Event, buf)}
}

func (c *ChannelEvents) Send(e Event) {
	select {
	case c.C <- e:
	default:
	}
}
