// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry wires meshcore's three core subsystems (the
// provider engine, the replica store, and the download scheduler) to
// a prometheus.Registerer. No global registry, no package state: a
// *Metrics value is built once against an explicit registerer and
// wrapped around each component's extension point.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter meshcore exports. A nil *Metrics is
// valid everywhere it's accepted and records nothing, so callers that
// don't care about observability can pass nil instead of a dedicated
// no-op implementation.
type Metrics struct {
	transfersCompleted prometheus.Counter
	transfersAborted   prometheus.Counter
	blobsServed        prometheus.Counter
	bytesServed        prometheus.Counter

	entriesInserted prometheus.Counter
	entriesRejected prometheus.Counter

	downloadsSucceeded prometheus.Counter
	downloadsNotFound  prometheus.Counter
	downloadsFailed    prometheus.Counter
	downloadBytes      prometheus.Counter
}

// New builds and registers meshcore's metrics against reg. reg may be
// nil, in which case New returns a nil *Metrics and every
// instrumentation call below becomes a no-op.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		transfersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_provider_transfers_completed_total",
			Help: "Number of provider transfers that finished cleanly.",
		}),
		transfersAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_provider_transfers_aborted_total",
			Help: "Number of provider transfers that aborted (not found, protocol error, etc).",
		}),
		blobsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_provider_blobs_served_total",
			Help: "Number of individual blobs (root or collection child) served.",
		}),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_provider_bytes_served_total",
			Help: "Cumulative bytes served across all blobs.",
		}),
		entriesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_replica_entries_inserted_total",
			Help: "Number of SignedEntry values accepted into a replica store.",
		}),
		entriesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_replica_entries_rejected_total",
			Help: "Number of SignedEntry values dropped for failing signature or timestamp checks.",
		}),
		downloadsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_downloader_succeeded_total",
			Help: "Number of per-peer downloads that completed and verified.",
		}),
		downloadsNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_downloader_not_found_total",
			Help: "Number of per-peer downloads that ended in NotFound or Integrity failure.",
		}),
		downloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_downloader_failed_total",
			Help: "Number of per-peer downloads that failed for a reason other than NotFound or Integrity.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_downloader_bytes_total",
			Help: "Cumulative bytes fetched by the download scheduler.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.transfersCompleted, m.transfersAborted, m.blobsServed, m.bytesServed,
		m.entriesInserted, m.entriesRejected,
		m.downloadsSucceeded, m.downloadsNotFound, m.downloadsFailed, m.downloadBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
