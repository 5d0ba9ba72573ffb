// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blobs

import (
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/meshcore/baostream"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
	"github.com/luxfi/meshcore/vfs"
)

// Store is the concrete BaoDb: a Vfs plus an in-memory index guarded
// by one sync.RWMutex. Mutations are serialized per hash by the VFS
// layer's uuid-tagged temp files; the read path takes the same lock
// briefly, which keeps the invariant "at most one live writer per
// PartialData" centralized in one place.
type Store struct {
	vfs vfs.Vfs

	mu       sync.RWMutex
	complete map[hashid.Hash]*entry
	partial  map[hashid.Hash]*tempEntry
}

// NewStore returns a Store backed by v.
func NewStore(v vfs.Vfs) *Store {
	return &Store{
		vfs:      v,
		complete: make(map[hashid.Hash]*entry),
		partial:  make(map[hashid.Hash]*tempEntry),
	}
}

type entry struct {
	hash     hashid.Hash
	size     int64
	dataID   vfs.FileID
	outID    vfs.FileID
	hasOut   bool
	v        vfs.Vfs
	obMu     sync.Mutex
	outboard *baostream.Outboard
}

func (e *entry) Hash() hashid.Hash { return e.hash }
func (e *entry) Size() int64       { return e.size }

func (e *entry) Available() (rangespec.Set, error) {
	return rangespec.All(), nil
}

func (e *entry) DataReader() (vfs.ReadRaw, error) {
	r, err := e.v.OpenRead(e.dataID)
	if err != nil {
		return nil, fmt.Errorf("%w: open data for %s: %v", errs.ErrResource, e.hash, err)
	}
	return r, nil
}

func (e *entry) Outboard() (*baostream.Outboard, error) {
	e.obMu.Lock()
	defer e.obMu.Unlock()
	if e.outboard != nil {
		return e.outboard, nil
	}
	var ob *baostream.Outboard
	if !e.hasOut {
		data, err := e.DataReader()
		if err != nil {
			return nil, err
		}
		built, _, err := baostream.BuildOutboard(data, e.size)
		if err != nil {
			return nil, fmt.Errorf("%w: build outboard for %s: %v", errs.ErrIntegrity, e.hash, err)
		}
		ob = built
	} else {
		r, err := e.v.OpenRead(e.outID)
		if err != nil {
			return nil, fmt.Errorf("%w: open outboard for %s: %v", errs.ErrResource, e.hash, err)
		}
		size, err := r.Size()
		if err != nil {
			return nil, fmt.Errorf("%w: stat outboard for %s: %v", errs.ErrResource, e.hash, err)
		}
		ob, err = decodeOutboardFile(r, size, e.size)
		if err != nil {
			return nil, fmt.Errorf("%w: decode outboard for %s: %v", errs.ErrIntegrity, e.hash, err)
		}
	}
	if !e.hash.IsZero() && ob.Root() != e.hash {
		return nil, fmt.Errorf("%w: outboard for %s derives root %s", errs.ErrIntegrity, e.hash, ob.Root())
	}
	e.outboard = ob
	return ob, nil
}

type tempEntry struct {
	hash   hashid.Hash
	size   int64
	dataID vfs.FileID
	outID  vfs.FileID
	hasOut bool
	v      vfs.Vfs

	mu       sync.Mutex
	state    State
	outboard *baostream.Outboard
	root     hashid.Hash
}

func (t *tempEntry) Hash() hashid.Hash { return t.hash }
func (t *tempEntry) Size() int64       { return t.size }

func (t *tempEntry) Available() (rangespec.Set, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateComplete {
		return rangespec.All(), nil
	}
	return rangespec.Set{}, nil
}

func (t *tempEntry) DataReader() (vfs.ReadRaw, error) {
	r, err := t.v.OpenRead(t.dataID)
	if err != nil {
		return nil, fmt.Errorf("%w: open temp data: %v", errs.ErrResource, err)
	}
	return r, nil
}

func (t *tempEntry) Outboard() (*baostream.Outboard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outboard == nil {
		return nil, fmt.Errorf("%w: outboard not yet finalized", errs.ErrNotFound)
	}
	return t.outboard, nil
}

func (t *tempEntry) State() State { return t.state }

func (t *tempEntry) DataWriter() (vfs.WriteRaw, error) {
	w, err := t.v.OpenWrite(t.dataID)
	if err != nil {
		return nil, fmt.Errorf("%w: open temp data for write: %v", errs.ErrResource, err)
	}
	t.mu.Lock()
	if t.state == StateEmpty {
		t.state = StatePartial
	}
	t.mu.Unlock()
	return w, nil
}

func (t *tempEntry) OutboardWriter() (vfs.WriteRaw, error) {
	if !t.hasOut {
		return nil, fmt.Errorf("%w: temp entry has no outboard slot", errs.ErrResource)
	}
	w, err := t.v.OpenWrite(t.outID)
	if err != nil {
		return nil, fmt.Errorf("%w: open temp outboard for write: %v", errs.ErrResource, err)
	}
	return w, nil
}

// Finalize reads back the written data, computes its outboard and
// root, and transitions the entry to complete. It does not validate
// the root against t.hash and does not return it:
// BaoMapMut.InsertTempEntry commits under the computed root.
func (t *tempEntry) Finalize() (err error) {
	data, err := t.DataReader()
	if err != nil {
		return err
	}
	ob, root, err := baostream.BuildOutboard(data, t.size)
	if err != nil {
		return fmt.Errorf("%w: finalize: %v", errs.ErrIntegrity, err)
	}

	if t.hasOut {
		ow, err := t.OutboardWriter()
		if err != nil {
			return err
		}
		// Layout: the plain data digest, then one leaf hash per chunk.
		// The digest must be persisted because the identity hash binds
		// it and it cannot be recovered from the chunk hashes.
		dataHash := ob.DataHash()
		buf := make([]byte, 0, (1+len(ob.ChunkHashes))*32)
		buf = append(buf, dataHash[:]...)
		for _, h := range ob.ChunkHashes {
			buf = append(buf, h[:]...)
		}
		if _, err := ow.WriteAt(buf, 0); err != nil {
			return fmt.Errorf("%w: write outboard: %v", errs.ErrResource, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.outboard = ob
	t.root = root
	t.state = StateComplete
	return nil
}

func (s *Store) Get(hash hashid.Hash) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.complete[hash]
	if !ok {
		return nil, false
	}
	return e, true
}

func (s *Store) CreateTempEntry(hash hashid.Hash, size int64) (TempEntry, error) {
	dataID, outID, hasOut, err := s.vfs.CreateTempPair(hash, true)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp pair: %v", errs.ErrResource, err)
	}
	t := &tempEntry{
		hash: hash, size: size,
		dataID: dataID, outID: outID, hasOut: hasOut,
		v: s.vfs,
	}

	s.mu.Lock()
	s.partial[hash] = t
	s.mu.Unlock()
	return t, nil
}

// InsertTempEntry commits a finalized TempEntry under its computed
// root hash: after success, Get(hash) returns the committed entry.
func (s *Store) InsertTempEntry(te TempEntry) error {
	t, ok := te.(*tempEntry)
	if !ok {
		return fmt.Errorf("%w: insert temp entry: foreign implementation", errs.ErrResource)
	}
	t.mu.Lock()
	if t.state != StateComplete {
		t.mu.Unlock()
		return fmt.Errorf("%w: insert temp entry: not finalized", errs.ErrResource)
	}
	root := t.root
	t.mu.Unlock()

	finalData := vfs.NewFileID(vfs.DataPurpose(root))
	if err := s.vfs.Rename(t.dataID, finalData); err != nil {
		return fmt.Errorf("%w: commit data for %s: %v", errs.ErrResource, root, err)
	}
	var finalOut vfs.FileID
	if t.hasOut {
		finalOut = vfs.NewFileID(vfs.OutboardPurpose(root))
		if err := s.vfs.Rename(t.outID, finalOut); err != nil {
			// Move the data back so the temp entry stays usable.
			_ = s.vfs.Rename(finalData, t.dataID)
			return fmt.Errorf("%w: commit outboard for %s: %v", errs.ErrResource, root, err)
		}
	}

	committed := &entry{
		hash: root, size: t.size,
		dataID: finalData, outID: finalOut, hasOut: t.hasOut,
		v: s.vfs, outboard: t.outboard,
	}

	s.mu.Lock()
	delete(s.partial, t.hash)
	s.complete[root] = committed
	s.mu.Unlock()
	return nil
}

func (s *Store) InsertEntry(hash hashid.Hash, dataID vfs.FileID, outboardID *vfs.FileID) error {
	r, err := s.vfs.OpenRead(dataID)
	if err != nil {
		return fmt.Errorf("%w: adopt data for %s: %v", errs.ErrResource, hash, err)
	}
	size, err := r.Size()
	if err != nil {
		return fmt.Errorf("%w: stat adopted data for %s: %v", errs.ErrResource, hash, err)
	}

	e := &entry{hash: hash, size: size, dataID: dataID, v: s.vfs}
	if outboardID != nil {
		e.outID = *outboardID
		e.hasOut = true
	}

	s.mu.Lock()
	s.complete[hash] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) GetPartialEntry(hash hashid.Hash) (vfs.FileID, vfs.FileID, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.partial[hash]
	if !ok {
		return vfs.FileID{}, vfs.FileID{}, false, false
	}
	return t.dataID, t.outID, t.hasOut, true
}

func (s *Store) PartialBlobs() []hashid.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hashid.Hash, 0, len(s.partial))
	for h := range s.partial {
		out = append(out, h)
	}
	return out
}

func (s *Store) Import(importID uint64, r io.Reader, size int64, stable bool, progress chan<- ImportProgress) (hashid.Hash, error) {
	return s.importCommon(importID, r, size, stable, progress)
}

func (s *Store) ImportBytes(importID uint64, data []byte, progress chan<- ImportProgress) (hashid.Hash, error) {
	return s.importCommon(importID, bytesReader(data), int64(len(data)), false, progress)
}

func send(progress chan<- ImportProgress, msg ImportProgress) {
	if progress == nil {
		return
	}
	progress <- msg
}

// importCommon emits the strict progress sequence Found ->
// CopyProgress* -> Size -> OutboardProgress* -> OutboardDone. Both
// kinds of import copy the bytes into a temp entry and finish the copy
// before Size; stable imports send no CopyProgress messages.
func (s *Store) importCommon(importID uint64, r io.Reader, size int64, stable bool, progress chan<- ImportProgress) (hashid.Hash, error) {
	send(progress, ImportProgress{ImportID: importID, Phase: PhaseFound})

	te, err := s.CreateTempEntry(hashid.Hash{}, size)
	if err != nil {
		return hashid.Hash{}, err
	}
	t := te.(*tempEntry)

	w, err := t.DataWriter()
	if err != nil {
		return hashid.Hash{}, err
	}

	var offset int64
	buf := make([]byte, 256*1024)
	for offset < size {
		want := int64(len(buf))
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return hashid.Hash{}, fmt.Errorf("%w: import copy at %d: %v", errs.ErrResource, offset, err)
		}
		if _, err := w.WriteAt(buf[:n], offset); err != nil {
			return hashid.Hash{}, fmt.Errorf("%w: import write at %d: %v", errs.ErrResource, offset, err)
		}
		offset += int64(n)
		if !stable {
			send(progress, ImportProgress{ImportID: importID, Phase: PhaseCopyProgress, Offset: offset})
		}
	}

	send(progress, ImportProgress{ImportID: importID, Phase: PhaseSize, Size: size})

	if err := t.Finalize(); err != nil {
		return hashid.Hash{}, err
	}
	send(progress, ImportProgress{ImportID: importID, Phase: PhaseOutboardProgress, Offset: size})

	if err := s.InsertTempEntry(t); err != nil {
		return hashid.Hash{}, err
	}

	t.mu.Lock()
	root := t.root
	t.mu.Unlock()

	send(progress, ImportProgress{ImportID: importID, Phase: PhaseOutboardDone, Hash: root})
	return root, nil
}

func (s *Store) Export(hash hashid.Hash, w io.Writer, stable bool, progress chan<- ImportProgress) error {
	e, ok := s.Get(hash)
	if !ok {
		return fmt.Errorf("%w: export %s", errs.ErrNotFound, hash)
	}
	r, err := e.DataReader()
	if err != nil {
		return err
	}
	size := e.Size()
	buf := make([]byte, 256*1024)
	var offset int64
	for offset < size {
		want := int64(len(buf))
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		n, err := r.ReadAt(buf[:want], offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: export read at %d: %v", errs.ErrResource, offset, err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("%w: export write: %v", errs.ErrResource, err)
		}
		offset += int64(n)
	}
	return nil
}

type bytesSrc struct {
	b   []byte
	pos int
}

func bytesReader(b []byte) io.Reader { return &bytesSrc{b: b} }

func (r *bytesSrc) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func decodeOutboardFile(r vfs.ReadRaw, outboardSize, dataSize int64) (*baostream.Outboard, error) {
	buf := make([]byte, outboardSize)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	if len(buf) < hashid.Size {
		return nil, fmt.Errorf("outboard file too short for data digest: %d bytes", len(buf))
	}
	dataHash, err := hashid.FromBytes(buf[:hashid.Size])
	if err != nil {
		return nil, err
	}
	buf = buf[hashid.Size:]

	var chunkHashes [][32]byte
	for off := 0; off+32 <= len(buf); off += 32 {
		var h [32]byte
		copy(h[:], buf[off:off+32])
		chunkHashes = append(chunkHashes, h)
	}
	return baostream.RestoreOutboard(dataSize, dataHash, chunkHashes), nil
}
