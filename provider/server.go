// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/log"
	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/collection"
	"github.com/luxfi/meshcore/transport"
)

// Server accepts connections from a transport.Listener and dispatches
// each bidirectional stream to a Provider, bounding the number of
// concurrently served streams per connection to
// ProviderParameters.MaxConcurrentStreams.
// A single stream's fatal error is logged and isolated
// to that stream; it never tears down the connection or the listener.
type Server[M blobs.BaoMap, E EventSender, P collection.Parser] struct {
	Listener transport.Listener
	Provider *Provider[M, E, P]
	Log      log.Logger
}

// NewServer builds a Server serving p over l.
func NewServer[M blobs.BaoMap, E EventSender, P collection.Parser](l transport.Listener, p *Provider[M, E, P], logger log.Logger) *Server[M, E, P] {
	return &Server[M, E, P]{Listener: l, Provider: p, Log: logger}
}

// Run accepts connections until ctx is canceled or the listener
// returns a fatal error.
func (s *Server[M, E, P]) Run(ctx context.Context) error {
	for {
		conn, err := s.Listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("provider: accept connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server[M, E, P]) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	maxStreams := int64(s.Provider.Params.MaxConcurrentStreams)
	if maxStreams < 1 {
		maxStreams = 1
	}
	sem := semaphore.NewWeighted(maxStreams)

	for {
		stream, err := conn.AcceptBi(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Log.Debug("provider: connection closed", "peer", conn.Peer(), "err", err)
			}
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			stream.Close()
			return
		}
		go func() {
			defer sem.Release(1)
			defer stream.Close()
			if err := s.Provider.HandleStream(conn.ID(), stream); err != nil {
				s.Log.Debug("provider: stream failed", "peer", conn.Peer(), "stream", stream.ID(), "err", err)
			}
		}()
	}
}
