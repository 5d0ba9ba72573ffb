// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"context"
	"errors"

	"github.com/luxfi/meshcore/downloader"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/provider"
	"github.com/luxfi/meshcore/replica"
	"github.com/luxfi/meshcore/transport"
)

// InstrumentProviderEvents wraps next so every Event also updates m,
// then forwards unchanged to next. next may be nil, in which case
// events are only counted. Passing a nil *Metrics makes this the
// identity wrapper (or provider.NoopEvents{} if next is also nil).
func (m *Metrics) InstrumentProviderEvents(next provider.EventSender) provider.EventSender {
	if m == nil {
		if next == nil {
			return provider.NoopEvents{}
		}
		return next
	}
	return &instrumentedEvents{m: m, next: next}
}

type instrumentedEvents struct {
	m    *Metrics
	next provider.EventSender
}

func (e *instrumentedEvents) Send(ev provider.Event) {
	switch ev.Kind {
	case provider.EventTransferCollectionCompleted:
		e.m.transfersCompleted.Inc()
	case provider.EventTransferAborted:
		e.m.transfersAborted.Inc()
	case provider.EventTransferBlobCompleted:
		e.m.blobsServed.Inc()
		e.m.bytesServed.Add(float64(ev.Size))
	}
	if e.next != nil {
		e.next.Send(ev)
	}
}

// InstrumentReplicaInsert returns an InsertCallback suitable for
// replica.Store.OnInsert that increments the replica's acceptance
// counter; register it alongside any other on_insert callback. A nil
// *Metrics returns a no-op callback.
func (m *Metrics) InstrumentReplicaInsert() replica.InsertCallback {
	if m == nil {
		return func(replica.Origin, replica.SignedEntry) {}
	}
	return func(replica.Origin, replica.SignedEntry) {
		m.entriesInserted.Inc()
	}
}

// ObserveDroppedInvalid records n additional rejected Put calls,
// typically the delta between two Store.DroppedInvalid() readings
// since Put itself has no rejection hook.
func (m *Metrics) ObserveDroppedInvalid(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesRejected.Add(float64(n))
}

// InstrumentFetch wraps a downloader.FetchFunc so every attempt
// updates m before returning its result unchanged. Integrity
// failures are counted with not-found, matching how the scheduler
// treats them.
func (m *Metrics) InstrumentFetch(fetch downloader.FetchFunc) downloader.FetchFunc {
	if m == nil {
		return fetch
	}
	return func(ctx context.Context, conn transport.Conn, hash hashid.Hash) (int64, error) {
		size, err := fetch(ctx, conn, hash)
		switch {
		case err == nil:
			m.downloadsSucceeded.Inc()
			m.downloadBytes.Add(float64(size))
		case errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrIntegrity):
			m.downloadsNotFound.Inc()
		default:
			m.downloadsFailed.Inc()
		}
		return size, err
	}
}
