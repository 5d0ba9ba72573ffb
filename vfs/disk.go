// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/database"
	"github.com/luxfi/meshcore/hashid"
)

// Disk is a local-filesystem-backed Vfs. On-disk names follow the
// Purpose display form exactly. A small database.Database-backed
// index records each Purpose's display name, so List enumeration
// doesn't require a directory scan; the index is injected so callers
// choose the backend (memdb for tests, a durable store in a node).
type Disk struct {
	dir   string
	index database.Database
}

// NewDisk opens (creating if absent) a Disk Vfs rooted at dir, using
// index to track the files it owns.
func NewDisk(dir string, index database.Database) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vfs: create root dir: %w", err)
	}
	return &Disk{dir: dir, index: index}, nil
}

// Close releases the underlying index database.
func (d *Disk) Close() error {
	return d.index.Close()
}

func (d *Disk) path(p Purpose) string {
	return filepath.Join(d.dir, p.Display())
}

func (d *Disk) CreateTempPair(hash hashid.Hash, wantOutboard bool) (FileID, FileID, bool, error) {
	id := NewUUID()
	dataPurpose := PartialDataPurpose(hash, id)
	if err := d.touch(dataPurpose); err != nil {
		return FileID{}, FileID{}, false, err
	}
	dataID := idFor(dataPurpose)

	if !wantOutboard {
		return dataID, FileID{}, false, nil
	}

	outPurpose := PartialOutboardPurpose(hash, id)
	if err := d.touch(outPurpose); err != nil {
		return FileID{}, FileID{}, false, err
	}
	return dataID, idFor(outPurpose), true, nil
}

func (d *Disk) touch(p Purpose) error {
	f, err := os.OpenFile(d.path(p), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("vfs: create %s: %w", p.Display(), err)
	}
	defer f.Close()
	return d.index.Put([]byte(p.Display()), []byte{0})
}

func (d *Disk) OpenRead(id FileID) (ReadRaw, error) {
	f, err := os.Open(d.path(id.purpose))
	if err != nil {
		return nil, fmt.Errorf("vfs: open %s: %w", id.purpose.Display(), err)
	}
	return &diskReader{f: f}, nil
}

func (d *Disk) OpenWrite(id FileID) (WriteRaw, error) {
	f, err := os.OpenFile(d.path(id.purpose), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vfs: open %s: %w", id.purpose.Display(), err)
	}
	if err := d.index.Put([]byte(id.purpose.Display()), []byte{0}); err != nil {
		f.Close()
		return nil, fmt.Errorf("vfs: index %s: %w", id.purpose.Display(), err)
	}
	return &diskWriter{f: f}, nil
}

func (d *Disk) Delete(id FileID) error {
	if err := os.Remove(d.path(id.purpose)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vfs: delete %s: %w", id.purpose.Display(), err)
	}
	if err := d.index.Delete([]byte(id.purpose.Display())); err != nil {
		return fmt.Errorf("vfs: unindex %s: %w", id.purpose.Display(), err)
	}
	return nil
}

func (d *Disk) Rename(from, to FileID) error {
	if err := os.Rename(d.path(from.purpose), d.path(to.purpose)); err != nil {
		return fmt.Errorf("vfs: rename %s -> %s: %w", from.purpose.Display(), to.purpose.Display(), err)
	}
	batch := d.index.NewBatch()
	if err := batch.Delete([]byte(from.purpose.Display())); err != nil {
		return fmt.Errorf("vfs: reindex rename: %w", err)
	}
	if err := batch.Put([]byte(to.purpose.Display()), []byte{0}); err != nil {
		return fmt.Errorf("vfs: reindex rename: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("vfs: reindex rename: %w", err)
	}
	return nil
}

func (d *Disk) List() ([]FileID, error) {
	iter := d.index.NewIterator()
	defer iter.Release()

	var ids []FileID
	for iter.Next() {
		p, err := ParsePurpose(string(iter.Key()))
		if err != nil {
			continue
		}
		ids = append(ids, idFor(p))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("vfs: list: %w", err)
	}
	return ids, nil
}

type diskReader struct{ f *os.File }

func (r *diskReader) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *diskReader) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type diskWriter struct{ f *os.File }

func (w *diskWriter) WriteAt(p []byte, off int64) (int, error) { return w.f.WriteAt(p, off) }
func (w *diskWriter) Truncate(size int64) error                { return w.f.Truncate(size) }
func (w *diskWriter) Sync() error                              { return w.f.Sync() }
