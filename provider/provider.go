// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

import (
	"bufio"
	"fmt"
	"io"
	"runtime"

	"github.com/luxfi/meshcore/baostream"
	"github.com/luxfi/meshcore/blobs"
	"github.com/luxfi/meshcore/collection"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
	"github.com/luxfi/meshcore/transport"
	"github.com/luxfi/meshcore/wire"
)

// Provider is the generic blob-serving engine, parameterized over the
// blob-map, event-sink, and collection-parser capabilities.
// Authorization and custom-get handling remain dynamically dispatched,
// since they are the true per-deployment extension points.
type Provider[M blobs.BaoMap, E EventSender, P collection.Parser] struct {
	Blobs  M
	Events E
	Parser P

	// Authorize is consulted once per stream, if non-nil. A nil
	// handler authorizes every request.
	Authorize RequestAuthorizationHandler

	// CustomGet resolves KindCustomGet requests, if non-nil. A nil
	// handler makes every CustomGet request a protocol violation.
	CustomGet CustomGetHandler

	Params config.ProviderParameters
}

// New builds a Provider with the given capability implementations.
func New[M blobs.BaoMap, E EventSender, P collection.Parser](blobMap M, events E, parser P, params config.ProviderParameters) *Provider[M, E, P] {
	return &Provider[M, E, P]{Blobs: blobMap, Events: events, Parser: parser, Params: params}
}

// HandleStream drives one provider stream through its full lifecycle:
// receive request, authorize, classify, serve, finish. It
// returns a non-nil error for protocol, authorization, transport,
// integrity and resource failures; a request for a hash the store does not have is reported
// via a TransferAborted event and a nil error, since that is a normal
// outcome rather than a failure of the provider itself.
func (p *Provider[M, E, P]) HandleStream(connID uint64, stream transport.Stream) error {
	p.Events.Send(Event{Kind: EventClientConnected, ConnectionID: connID})

	br := bufio.NewReader(stream)

	var req Request
	if err := wire.ReadLPValue(br, &req); err != nil {
		return fmt.Errorf("%w: recv_request: %v", errs.ErrProtocol, err)
	}

	// A well-behaved client writes exactly one request frame per
	// stream. If more bytes arrived in the same read as the frame
	// itself, that is a protocol violation we can detect without
	// risking a blocking read for data that may never come (the
	// in-memory transport's CloseSend is a best-effort no-op, so a
	// further blocking Read here is not reliable as a decoder).
	if br.Buffered() > 0 {
		err := fmt.Errorf("%w: trailing bytes after request", errs.ErrProtocol)
		p.abort(connID, req, AbortOther, err)
		return err
	}

	switch req.Kind {
	case KindGet:
		p.Events.Send(Event{Kind: EventGetRequestReceived, ConnectionID: connID})
	case KindCustomGet:
		p.Events.Send(Event{Kind: EventCustomGetRequestReceived, ConnectionID: connID})
	}

	if p.Authorize != nil {
		if err := p.Authorize.Authorize(req.Token(), req); err != nil {
			wrapped := fmt.Errorf("%w: %v", errs.ErrAuthorization, err)
			p.abort(connID, req, AbortOther, wrapped)
			return wrapped
		}
	}

	get, err := p.classify(req)
	if err != nil {
		p.abort(connID, req, AbortOther, err)
		return err
	}

	if req.Kind == KindCustomGet {
		if err := wire.WriteLPValue(stream, Request{Kind: KindGet, Get: &get}); err != nil {
			return fmt.Errorf("%w: write synthesized get: %v", errs.ErrTransport, err)
		}
	}

	if err := p.serve(connID, stream, get); err != nil {
		return err
	}

	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("%w: finish: %v", errs.ErrTransport, err)
	}
	return nil
}

func (p *Provider[M, E, P]) classify(req Request) (GetRequest, error) {
	switch req.Kind {
	case KindGet:
		if req.Get == nil {
			return GetRequest{}, fmt.Errorf("%w: Get request missing payload", errs.ErrProtocol)
		}
		return *req.Get, nil
	case KindCustomGet:
		if p.CustomGet == nil {
			return GetRequest{}, fmt.Errorf("%w: no custom-get handler configured", errs.ErrProtocol)
		}
		if req.CustomGet == nil {
			return GetRequest{}, fmt.Errorf("%w: CustomGet request missing payload", errs.ErrProtocol)
		}
		return p.CustomGet.Handle(req.CustomGet.Data)
	default:
		return GetRequest{}, fmt.Errorf("%w: unknown request kind %d", errs.ErrProtocol, req.Kind)
	}
}

// serve walks the requested ranges: the root blob first, then, unless
// the root was the only requested range, the collection's children in
// offset order.
func (p *Provider[M, E, P]) serve(connID uint64, stream transport.Stream, get GetRequest) error {
	root, ok := p.Blobs.Get(get.Hash)
	if !ok {
		p.Events.Send(Event{Kind: EventTransferAborted, ConnectionID: connID, Reason: AbortNotFound, Hash: get.Hash})
		return nil
	}

	if rootRanges := get.Ranges.ForOffset(0); !rootRanges.IsEmpty() {
		if err := p.serveEntry(stream, root, 0, rootRanges); err != nil {
			return err
		}
		size := uint64(root.Size())
		p.Events.Send(Event{Kind: EventTransferBlobCompleted, ConnectionID: connID, Hash: root.Hash(), Index: 0, Size: size})
	}

	if get.Ranges.RootOnly() {
		p.Events.Send(Event{Kind: EventTransferCollectionCompleted, ConnectionID: connID})
		return nil
	}

	return p.serveCollection(connID, stream, root, get.Ranges)
}

func (p *Provider[M, E, P]) serveCollection(connID uint64, stream transport.Stream, root blobs.Entry, ranges rangespec.Spec) error {
	data, err := readEntry(root)
	if err != nil {
		return fmt.Errorf("%w: read root for collection parse: %v", errs.ErrResource, err)
	}

	stats, cursor, err := p.Parser.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: parse collection: %v", errs.ErrProtocol, err)
	}
	numBlobs, totalSize := stats.NumBlobs, stats.TotalSize
	p.Events.Send(Event{
		Kind: EventTransferCollectionStarted, ConnectionID: connID,
		NumBlobs: &numBlobs, TotalBlobsSize: &totalSize,
	})

	var consumed uint64
	served := 0
	for _, e := range ranges.Entries() {
		if e.Offset == 0 {
			continue
		}
		childIdx := e.Offset - 1
		if childIdx > consumed {
			if err := cursor.Skip(childIdx - consumed); err != nil {
				return fmt.Errorf("%w: skip to child %d: %v", errs.ErrProtocol, childIdx, err)
			}
			consumed = childIdx
		}

		hash, ok, err := cursor.Next()
		if err != nil {
			return fmt.Errorf("%w: read child %d: %v", errs.ErrProtocol, childIdx, err)
		}
		consumed++
		if !ok {
			break
		}
		if e.Set.IsEmpty() {
			continue
		}

		child, ok := p.Blobs.Get(hash)
		if !ok {
			p.Events.Send(Event{Kind: EventTransferAborted, ConnectionID: connID, Reason: AbortNotFound, Hash: hash, Index: e.Offset})
			return nil
		}
		if err := p.serveEntry(stream, child, e.Offset, e.Set); err != nil {
			return err
		}
		p.Events.Send(Event{Kind: EventTransferBlobCompleted, ConnectionID: connID, Hash: hash, Index: e.Offset, Size: uint64(child.Size())})

		served++
		if served%p.Params.YieldEvery == 0 {
			runtime.Gosched()
		}
	}

	p.Events.Send(Event{Kind: EventTransferCollectionCompleted, ConnectionID: connID})
	return nil
}

func (p *Provider[M, E, P]) serveEntry(stream transport.Stream, entry blobs.Entry, _ uint64, ranges rangespec.Set) error {
	ob, err := entry.Outboard()
	if err != nil {
		return fmt.Errorf("%w: load outboard for %s: %v", errs.ErrResource, entry.Hash(), err)
	}
	dr, err := entry.DataReader()
	if err != nil {
		return fmt.Errorf("%w: open data for %s: %v", errs.ErrResource, entry.Hash(), err)
	}
	if err := baostream.Encode(stream, dr, ob, ranges); err != nil {
		return err
	}
	return nil
}

func (p *Provider[M, E, P]) abort(connID uint64, req Request, reason AbortReason, err error) {
	var hash hashid.Hash
	if req.Get != nil {
		hash = req.Get.Hash
	}
	p.Events.Send(Event{Kind: EventTransferAborted, ConnectionID: connID, Reason: reason, Hash: hash, Err: err})
}

// readEntry reads an entry's full bytes, used to parse its content as
// a collection. Root entries small enough to be a collection header
// are cheap to read in full regardless of the ranges a client
// actually requested, since the server needs the decoded child list
// itself.
func readEntry(entry blobs.Entry) ([]byte, error) {
	r, err := entry.DataReader()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, entry.Size())
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
