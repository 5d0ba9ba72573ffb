// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blobs is the content-addressed database mapping a hash to
// its (data, precomputed-outboard) pair. Two capability tiers are
// exposed as separate interfaces so a read-only provider can be
// parameterized over BaoMap alone.
package blobs

import (
	"io"

	"github.com/luxfi/meshcore/baostream"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
	"github.com/luxfi/meshcore/vfs"
)

// State is a TempEntry's lifecycle stage.
type State int

const (
	StateEmpty State = iota
	StatePartial
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Entry is a (hash, size, outboard-handle, data-handle) tuple.
// Opening its readers may be async and fallible.
type Entry interface {
	Hash() hashid.Hash
	Size() int64
	// Available reports which chunk ranges are present, best-effort.
	Available() (rangespec.Set, error)
	Outboard() (*baostream.Outboard, error)
	DataReader() (vfs.ReadRaw, error)
}

// TempEntry is a mutable Entry being written to, with lifecycle
// states {empty, partial, complete}.
type TempEntry interface {
	Entry
	State() State
	DataWriter() (vfs.WriteRaw, error)
	OutboardWriter() (vfs.WriteRaw, error)
	// Finalize transitions the entry to complete once all bytes have
	// been written, computing and caching the outboard/root. It does
	// not commit the entry into a BaoMap; see BaoMapMut.InsertTempEntry.
	Finalize() error
}

// BaoMap is the read-only capability tier.
type BaoMap interface {
	Get(hash hashid.Hash) (Entry, bool)
}

// BaoMapMut is the read/write capability tier.
type BaoMapMut interface {
	BaoMap
	CreateTempEntry(hash hashid.Hash, size int64) (TempEntry, error)
	// InsertTempEntry commits entry atomically: on success, Get(hash)
	// returns the committed entry; on failure entry remains available
	// for another attempt or for deletion.
	InsertTempEntry(entry TempEntry) error
}

// ImportPhase names one step of the Import progress sequence:
// Found -> CopyProgress* -> Size -> OutboardProgress* -> OutboardDone.
type ImportPhase int

const (
	PhaseFound ImportPhase = iota
	PhaseCopyProgress
	PhaseSize
	PhaseOutboardProgress
	PhaseOutboardDone
)

// ImportProgress is one message of an import's progress sequence.
type ImportProgress struct {
	ImportID uint64
	Phase    ImportPhase
	Offset   int64 // valid for CopyProgress/OutboardProgress
	Size     int64 // valid for Phase==PhaseSize
	Hash     hashid.Hash
}

// BaoDb is the extended capability tier, adding adoption of on-disk
// VFS ids, partial-entry enumeration, and import/export.
type BaoDb interface {
	BaoMapMut
	InsertEntry(hash hashid.Hash, dataID vfs.FileID, outboardID *vfs.FileID) error
	GetPartialEntry(hash hashid.Hash) (dataID vfs.FileID, outboardID vfs.FileID, hasOutboard bool, ok bool)
	PartialBlobs() []hashid.Hash
	// Import reads size bytes from r, computes the outboard, and commits
	// the result. stable=true asserts the source will not be mutated,
	// permitting the store to reference it in place rather than copy.
	Import(importID uint64, r io.Reader, size int64, stable bool, progress chan<- ImportProgress) (hashid.Hash, error)
	ImportBytes(importID uint64, data []byte, progress chan<- ImportProgress) (hashid.Hash, error)
	Export(hash hashid.Hash, w io.Writer, stable bool, progress chan<- ImportProgress) error
}
