// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/meshcore/hashid"
)

// Memory is an in-memory Vfs, a map[Purpose][]byte guarded by a
// sync.RWMutex, used by tests and by in-memory blob map
// configurations.
type Memory struct {
	mu    sync.RWMutex
	files map[Purpose]*memFile
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns an empty in-memory Vfs.
func NewMemory() *Memory {
	return &Memory{files: make(map[Purpose]*memFile)}
}

func (m *Memory) CreateTempPair(hash hashid.Hash, wantOutboard bool) (FileID, FileID, bool, error) {
	id := NewUUID()
	dataID := idFor(PartialDataPurpose(hash, id))

	m.mu.Lock()
	m.files[dataID.purpose] = &memFile{}
	var outID FileID
	if wantOutboard {
		outID = idFor(PartialOutboardPurpose(hash, id))
		m.files[outID.purpose] = &memFile{}
	}
	m.mu.Unlock()

	return dataID, outID, wantOutboard, nil
}

func (m *Memory) fileFor(id FileID) (*memFile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id.purpose]
	return f, ok
}

func (m *Memory) OpenRead(id FileID) (ReadRaw, error) {
	f, ok := m.fileFor(id)
	if !ok {
		return nil, fmt.Errorf("vfs: no such file %s", id.purpose.Display())
	}
	return &memReader{f: f}, nil
}

func (m *Memory) OpenWrite(id FileID) (WriteRaw, error) {
	m.mu.Lock()
	f, ok := m.files[id.purpose]
	if !ok {
		f = &memFile{}
		m.files[id.purpose] = f
	}
	m.mu.Unlock()
	return &memWriter{f: f}, nil
}

func (m *Memory) Delete(id FileID) error {
	m.mu.Lock()
	delete(m.files, id.purpose)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Rename(from, to FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[from.purpose]
	if !ok {
		return fmt.Errorf("vfs: no such file %s", from.purpose.Display())
	}
	delete(m.files, from.purpose)
	m.files[to.purpose] = f
	return nil
}

func (m *Memory) List() ([]FileID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]FileID, 0, len(m.files))
	for p := range m.files {
		ids = append(ids, idFor(p))
	}
	return ids, nil
}

type memReader struct{ f *memFile }

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if off >= int64(len(r.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.f.data[off:])
	var err error
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (r *memReader) Size() (int64, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return int64(len(r.f.data)), nil
}

type memWriter struct{ f *memFile }

func (w *memWriter) WriteAt(p []byte, off int64) (int, error) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(w.f.data)) {
		grown := make([]byte, end)
		copy(grown, w.f.data)
		w.f.data = grown
	}
	copy(w.f.data[off:], p)
	return len(p), nil
}

func (w *memWriter) Truncate(size int64) error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if size <= int64(len(w.f.data)) {
		w.f.data = w.f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, w.f.data)
	w.f.data = grown
	return nil
}

func (w *memWriter) Sync() error { return nil }
