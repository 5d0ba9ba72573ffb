// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ranger

import (
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/wire"
)

// Peer drives one side of a reconciliation session over a single
// transport.Stream, tracking one outstanding round trip: each
// Respond call resolves the round that produced the message it is
// replying to, rather than leaving the caller blocked on a separate
// future.
type Peer struct {
	Stream transport.Stream
	Store  Store
	Params config.ReconcileParameters

	br wire.ByteReader
}

// NewPeer wraps stream for a single reconciliation session against
// store.
func NewPeer(stream transport.Stream, store Store, params config.ReconcileParameters) *Peer {
	return &Peer{Stream: stream, Store: store, Params: params, br: wire.AsByteReader(stream)}
}

// RunInitiator opens the session as the initiator: sends the opening
// Init message covering the full key space, then drives Sync rounds
// until both sides have nothing further to exchange.
func (p *Peer) RunInitiator(namespace []byte) error {
	initial, err := InitialMessage(p.Store)
	if err != nil {
		return fmt.Errorf("ranger: build initial message: %w", err)
	}
	if err := p.write(Message{Kind: KindInit, Namespace: namespace, Body: initial}); err != nil {
		return err
	}
	return p.loop()
}

// RunResponder waits for the peer's opening Init message and drives
// the session as the responder until convergence.
func (p *Peer) RunResponder() error {
	msg, err := p.readInit()
	if err != nil {
		return err
	}
	return p.respondInit(msg)
}

// StoreLookup resolves an Init message's namespace bytes to the local
// store to reconcile against. Returning an error closes the stream.
type StoreLookup func(namespace []byte) (Store, error)

// RunResponderFor serves one inbound reconciliation session whose
// target store is not known until the opening Init arrives: it reads
// the Init, resolves the store for the announced namespace through
// lookup, and drives the session as the responder until convergence.
func RunResponderFor(stream transport.Stream, lookup StoreLookup, params config.ReconcileParameters) error {
	p := &Peer{Stream: stream, Params: params, br: wire.AsByteReader(stream)}
	msg, err := p.readInit()
	if err != nil {
		return err
	}
	store, err := lookup(msg.Namespace)
	if err != nil {
		return fmt.Errorf("ranger: resolve namespace: %w", err)
	}
	p.Store = store
	return p.respondInit(msg)
}

func (p *Peer) readInit() (Message, error) {
	msg, err := p.read()
	if err != nil {
		return Message{}, err
	}
	if msg.Kind != KindInit {
		return Message{}, fmt.Errorf("%w: expected Init, got Sync", errs.ErrProtocol)
	}
	return msg, nil
}

func (p *Peer) respondInit(msg Message) error {
	reply, err := Respond(p.Store, p.Params, msg.Body)
	if err != nil {
		return err
	}
	// The reply to Init is always written, even when empty: the
	// initiator blocks on it to learn the session is already
	// consistent.
	if err := p.write(Message{Kind: KindSync, Body: reply}); err != nil {
		return err
	}
	return p.loop()
}

// loop exchanges Sync messages until a round produces nothing new on
// either side.
func (p *Peer) loop() error {
	for {
		msg, err := p.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Kind != KindSync {
			return fmt.Errorf("%w: duplicate Init mid-session", errs.ErrProtocol)
		}

		reply, err := Respond(p.Store, p.Params, msg.Body)
		if err != nil {
			return err
		}
		if msg.Body.IsEmpty() && reply.IsEmpty() {
			// The peer's message required no response: the exchange is
			// complete, and an empty frame would only make the peer
			// reply in kind.
			return nil
		}
		if err := p.write(Message{Kind: KindSync, Body: reply}); err != nil {
			return err
		}
	}
}

func (p *Peer) write(msg Message) error {
	if err := wire.WriteLPValue(p.Stream, msg); err != nil {
		return fmt.Errorf("%w: write message: %v", errs.ErrTransport, err)
	}
	return nil
}

func (p *Peer) read() (Message, error) {
	var msg Message
	if err := wire.ReadLPValue(p.br, &msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("%w: read message: %v", errs.ErrTransport, err)
	}
	return msg, nil
}
