// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package livesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/ranger"
	"github.com/luxfi/meshcore/replica"
	"github.com/luxfi/meshcore/transport"
)

// Server answers the reconciliation sessions that remote actors
// initiate: it accepts connections from a sync-protocol listener and
// serves each inbound stream as the responder, resolving the replica
// to reconcile from the namespace carried by the session's opening
// message. Only replicas the companion Actor is live-syncing are
// served; a session for an unknown namespace is closed with an error.
type Server struct {
	Actor    *Actor
	Listener transport.Listener
	Log      log.Logger
}

// NewServer builds a Server answering sync sessions for a's replicas.
func NewServer(a *Actor, l transport.Listener, logger log.Logger) *Server {
	return &Server{Actor: a, Listener: l, Log: logger}
}

// Run accepts connections until ctx is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	for {
		conn, err := s.Listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("livesync: accept connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	for {
		stream, err := conn.AcceptBi(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Log.Debug("livesync: connection closed", "peer", conn.Peer(), "err", err)
			}
			return
		}
		go func() {
			defer stream.Close()
			lookup := func(namespace []byte) (ranger.Store, error) {
				return s.Actor.lookupStore(conn.Peer(), namespace)
			}
			if err := ranger.RunResponderFor(stream, lookup, s.Actor.params); err != nil {
				s.Log.Debug("livesync: inbound session failed", "peer", conn.Peer(), "err", err)
			}
		}()
	}
}

// lookupStore resolves the namespace announced by an inbound session
// to the ranger view of the matching live-synced replica, attributing
// the entries it inserts to peer.
func (a *Actor) lookupStore(peer ids.NodeID, namespace []byte) (ranger.Store, error) {
	var ns hashid.NamespaceId
	if len(namespace) != len(ns) {
		return nil, fmt.Errorf("%w: namespace must be %d bytes, got %d", errs.ErrProtocol, len(ns), len(namespace))
	}
	copy(ns[:], namespace)

	a.mu.Lock()
	d, ok := a.docs[ns]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: namespace %s is not live-synced here", errs.ErrNotFound, ns)
	}
	return d.store.AsRanger(replica.Origin{Kind: replica.OriginRemote, Peer: peer}), nil
}
