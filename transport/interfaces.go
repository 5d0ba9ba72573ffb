// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport is the abstract bidirectional-stream contract
// meshcore requires of its QUIC transport: the provider, the
// reconciliation engine, and the download scheduler depend only on
// this package, never on a concrete QUIC library, so they can be
// exercised against an in-memory fake in tests.
package transport

import (
	"context"
	"io"

	"github.com/luxfi/ids"
)

// ALPN identifiers for the three protocols meshcore speaks over one
// QUIC endpoint.
const (
	ALPNBytes  = "/iroh-bytes/4"
	ALPNSync   = "/iroh-sync/1"
	ALPNGossip = "/iroh-gossip/0"
)

// Stream is one bidirectional, ordered, reliable byte stream within a
// Conn. It carries a stable integer id unique within its connection.
type Stream interface {
	io.Reader
	io.Writer

	// ID returns the stream's connection-scoped identifier.
	ID() uint64

	// CloseSend closes the write half without affecting reads.
	CloseSend() error

	// Close releases the stream. Dropping a provider stream
	// mid-transfer is equivalent to a transport error.
	Close() error
}

// Conn is one QUIC connection to a peer, carrying a stable id.
type Conn interface {
	// ID returns the connection's stable identifier.
	ID() uint64

	// Peer returns the remote peer's identity.
	Peer() ids.NodeID

	// OpenBi opens a new bidirectional stream (client role).
	OpenBi(ctx context.Context) (Stream, error)

	// AcceptBi accepts the next bidirectional stream opened by the
	// peer (server role).
	AcceptBi(ctx context.Context) (Stream, error)

	// Close tears down the connection and all its streams.
	Close() error
}

// Listener accepts inbound connections for one ALPN.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer opens outbound connections. The in-memory Dialer returns a
// new connection on every Dial; it does not pool them per (peer, ALPN).
type Dialer interface {
	Dial(ctx context.Context, peer ids.NodeID, alpn string) (Conn, error)
}
