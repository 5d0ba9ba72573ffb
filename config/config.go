// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the tunable parameters for every meshcore
// subsystem, one Parameters-style struct per subsystem, each with a
// Default constructor and a Validate method returning a sentinel
// error, following the Parameters / DefaultParams / Validate
// convention used throughout this codebase.
package config

import (
	"errors"
	"time"
)

var (
	ErrSplitThresholdTooLow = errors.New("config: split threshold must be >= 1")
	ErrMaxRangeSizeTooLow   = errors.New("config: max range size must be >= split threshold")
	ErrPeerConcurrencyLow   = errors.New("config: per-peer concurrency must be >= 1")
	ErrYieldIntervalLow     = errors.New("config: yield interval must be >= 1")
	ErrFutureSkewNegative   = errors.New("config: future skew must be >= 0")
)

// ReconcileParameters tunes the set-reconciliation engine.
type ReconcileParameters struct {
	// SplitThreshold is the maximum number of entries a range may
	// contain before the responder sends the entries directly instead
	// of splitting further.
	SplitThreshold int

	// MaxRangeSize bounds how many entries a single "send entries"
	// reply may contain before it is split regardless of
	// SplitThreshold, guarding against a pathologically skewed key
	// distribution producing one huge leaf.
	MaxRangeSize int
}

// DefaultReconcileParameters returns the parameters meshcore ships
// with.
func DefaultReconcileParameters() ReconcileParameters {
	return ReconcileParameters{
		SplitThreshold: 16,
		MaxRangeSize:   1024,
	}
}

func (p ReconcileParameters) Validate() error {
	if p.SplitThreshold < 1 {
		return ErrSplitThresholdTooLow
	}
	if p.MaxRangeSize < p.SplitThreshold {
		return ErrMaxRangeSizeTooLow
	}
	return nil
}

// DownloadParameters tunes the download scheduler.
type DownloadParameters struct {
	// PerPeerConcurrency is the number of in-flight downloads allowed
	// per peer. Only Validate reads it: the scheduler always runs at
	// most one download per peer, whatever its value.
	PerPeerConcurrency int

	// DialTimeout bounds how long a dial may take before the peer is
	// treated as unreachable and its candidate assignments fail over.
	DialTimeout time.Duration
}

func DefaultDownloadParameters() DownloadParameters {
	return DownloadParameters{
		PerPeerConcurrency: 1,
		DialTimeout:        10 * time.Second,
	}
}

func (p DownloadParameters) Validate() error {
	if p.PerPeerConcurrency < 1 {
		return ErrPeerConcurrencyLow
	}
	return nil
}

// ProviderParameters tunes the blob provider engine.
type ProviderParameters struct {
	// YieldEvery is how many children the provider serves before
	// cooperatively yielding to concurrent streams; 1 yields after
	// every child.
	YieldEvery int

	// MaxConcurrentStreams bounds in-flight streams per connection.
	MaxConcurrentStreams int
}

func DefaultProviderParameters() ProviderParameters {
	return ProviderParameters{
		YieldEvery:           1,
		MaxConcurrentStreams: 64,
	}
}

func (p ProviderParameters) Validate() error {
	if p.YieldEvery < 1 {
		return ErrYieldIntervalLow
	}
	return nil
}

// ReplicaParameters tunes the replica store's write-admission checks.
type ReplicaParameters struct {
	// MaxFutureSkew is how far ahead of the store's local clock a
	// Record's timestamp may be before it is rejected as invalid.
	// Ten minutes matches the typical peer clock-skew tolerance.
	MaxFutureSkew time.Duration
}

func DefaultReplicaParameters() ReplicaParameters {
	return ReplicaParameters{
		MaxFutureSkew: 10 * time.Minute,
	}
}

func (p ReplicaParameters) Validate() error {
	if p.MaxFutureSkew < 0 {
		return ErrFutureSkewNegative
	}
	return nil
}
