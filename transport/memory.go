// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/luxfi/ids"
)

// Network is an in-process fake of a QUIC-style transport, used to
// exercise the provider, reconciliation, and download-scheduler
// packages without a real network. Peers register listeners by
// (NodeID, ALPN); Dial finds the matching listener and hands it a
// freshly paired Conn.
type Network struct {
	mu        sync.Mutex
	listeners map[listenerKey]*memListener
	nextConn  atomic.Uint64
}

type listenerKey struct {
	peer ids.NodeID
	alpn string
}

// NewNetwork returns an empty in-memory transport fabric.
func NewNetwork() *Network {
	return &Network{listeners: make(map[listenerKey]*memListener)}
}

// Listen registers a Listener for peer serving alpn.
func (n *Network) Listen(peer ids.NodeID, alpn string) *memListener {
	l := &memListener{conns: make(chan Conn, 16), closed: make(chan struct{})}
	n.mu.Lock()
	n.listeners[listenerKey{peer, alpn}] = l
	n.mu.Unlock()
	return l
}

// Dialer returns a Dialer that dials through this network as caller.
func (n *Network) Dialer(caller ids.NodeID) Dialer {
	return &memDialer{net: n, caller: caller}
}

type memDialer struct {
	net    *Network
	caller ids.NodeID
}

func (d *memDialer) Dial(ctx context.Context, peer ids.NodeID, alpn string) (Conn, error) {
	d.net.mu.Lock()
	l, ok := d.net.listeners[listenerKey{peer, alpn}]
	d.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no listener for peer %s alpn %s", peer, alpn)
	}

	id := d.net.nextConn.Add(1)
	clientConn := &memConn{id: id, peer: peer, nextStream: new(atomic.Uint64)}
	serverConn := &memConn{id: id, peer: d.caller, nextStream: clientConn.nextStream}
	clientConn.peerConn = serverConn
	serverConn.peerConn = clientConn
	clientConn.bi = make(chan Stream, 16)
	serverConn.bi = clientConn.bi

	select {
	case l.conns <- serverConn:
	case <-l.closed:
		return nil, fmt.Errorf("transport: listener closed")
	}
	return clientConn, nil
}

type memListener struct {
	conns  chan Conn
	closed chan struct{}
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, fmt.Errorf("transport: listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Close() error {
	close(l.closed)
	return nil
}

type memConn struct {
	id         uint64
	peer       ids.NodeID
	peerConn   *memConn
	bi         chan Stream
	nextStream *atomic.Uint64
}

func (c *memConn) ID() uint64       { return c.id }
func (c *memConn) Peer() ids.NodeID { return c.peer }

func (c *memConn) OpenBi(ctx context.Context) (Stream, error) {
	a, b := net.Pipe()
	id := c.nextStream.Add(1)
	local := &memStream{id: id, rwc: a}
	remote := &memStream{id: id, rwc: b}

	select {
	case c.peerConn.bi <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (c *memConn) AcceptBi(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.bi:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op for the in-memory connection: its streams stay
// open until each is closed on its own.
func (c *memConn) Close() error { return nil }

type memStream struct {
	id  uint64
	rwc io.ReadWriteCloser
}

func (s *memStream) ID() uint64 { return s.id }

func (s *memStream) Read(p []byte) (int, error)  { return s.rwc.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.rwc.Write(p) }

// CloseSend half-closes only when the pipe supports CloseWrite.
// net.Pipe does not, so for in-memory streams it is a no-op and the
// peer sees no end of stream until Close.
func (s *memStream) CloseSend() error {
	if c, ok := s.rwc.(interface{ CloseWrite() error }); ok {
		return c.CloseWrite()
	}
	return nil
}

func (s *memStream) Close() error { return s.rwc.Close() }
