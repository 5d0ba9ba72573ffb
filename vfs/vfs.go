// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vfs

import (
	"io"

	"github.com/google/uuid"
	"github.com/luxfi/meshcore/hashid"
)

// FileID is an opaque handle to a file managed by a Vfs. It is safe
// to compare and to use as a map key. Implementations MAY use the
// underlying Purpose directly, as both provided implementations do.
type FileID struct {
	purpose Purpose
}

// Purpose exposes the underlying Purpose for callers that need to
// display or persist the handle (e.g. the blob map recording which
// FileID backs a committed entry).
func (id FileID) Purpose() Purpose { return id.purpose }

func idFor(p Purpose) FileID { return FileID{purpose: p} }

// NewFileID wraps a Purpose as a FileID, for callers (such as
// blobs.Store) that compute the final hash-keyed Purpose for an entry
// themselves.
func NewFileID(p Purpose) FileID { return idFor(p) }

// ReadRaw is a random-access reader over a file's bytes.
type ReadRaw interface {
	io.ReaderAt
	// Size returns the file's current length.
	Size() (int64, error)
}

// WriteRaw is a random-access writer over a file's bytes.
type WriteRaw interface {
	io.WriterAt
	// Truncate resizes the file to size, per os.File.Truncate.
	Truncate(size int64) error
	// Sync flushes the file to stable storage.
	Sync() error
}

// Vfs is the abstract, handle-based file store backing the blob map.
// Temp ids remain valid until deleted or committed; creating a temp
// pair does not require knowing the blob's final hash (hash is a
// naming hint only).
type Vfs interface {
	// CreateTempPair allocates a fresh uuid-tagged data file, and
	// (when wantOutboard) a companion outboard file tagged with the
	// same uuid.
	CreateTempPair(hash hashid.Hash, wantOutboard bool) (dataID FileID, outboardID FileID, hasOutboard bool, err error)

	// OpenRead opens id for random-access reading.
	OpenRead(id FileID) (ReadRaw, error)

	// OpenWrite opens id for random-access writing.
	OpenWrite(id FileID) (WriteRaw, error)

	// Delete removes id. Deleting a nonexistent id is not an error.
	Delete(id FileID) error

	// Rename moves the bytes at from to a new id with to's purpose,
	// used to commit a temp pair under its final hash-keyed Purpose.
	Rename(from, to FileID) error

	// List enumerates every id currently present.
	List() ([]FileID, error)
}

// NewUUID is a seam so tests can substitute a deterministic
// generator; production code calls uuid.New directly via this
// default.
var NewUUID = uuid.New
