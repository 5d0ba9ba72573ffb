// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replica

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
)

// OriginKind discriminates where an inserted entry came from: a
// local write or a remote peer.
type OriginKind uint8

const (
	OriginLocal OriginKind = iota
	OriginRemote
)

// Origin is the provenance of an insert, passed to on_insert callbacks.
type Origin struct {
	Kind OriginKind
	Peer ids.NodeID
}

// history holds every SignedEntry ever put for one RecordIdentifier,
// keyed by timestamp, so full-history reads remain possible even
// though "latest" reads are last-writer-wins.
type history struct {
	byTimestamp map[int64]SignedEntry
}

func (h *history) latest() SignedEntry {
	var best SignedEntry
	var bestTS int64 = -1
	for ts, e := range h.byTimestamp {
		if ts > bestTS || (ts == bestTS && lessThanTiebreak(best, e)) {
			bestTS, best = ts, e
		}
	}
	return best
}

// lessThanTiebreak reports whether a should be superseded by b when
// their timestamps tie, breaking on content hash.
func lessThanTiebreak(a, b SignedEntry) bool {
	return a.Record.ContentHash.Less(b.Record.ContentHash)
}

// InsertCallback is invoked, in insertion order and synchronously, on
// every successful Put. Callbacks must not block.
type InsertCallback func(origin Origin, entry SignedEntry)

// Store is a per-namespace replica: a sorted map of RecordIdentifier
// to its signed record history. Every operation takes a single
// RWMutex briefly; range/iteration operations snapshot the index at
// construction time so they never block concurrent puts.
type Store struct {
	namespace hashid.NamespaceId
	params    config.ReplicaParameters
	now       func() time.Time

	mu        sync.RWMutex
	byIdent   map[string]*history
	order     []RecordIdentifier // sorted by RecordIdentifier.Bytes()
	callbacks []InsertCallback

	droppedInvalid int
}

// NewStore returns an empty Store for namespace.
func NewStore(namespace hashid.NamespaceId, params config.ReplicaParameters) *Store {
	return &Store{
		namespace: namespace,
		params:    params,
		now:       time.Now,
		byIdent:   make(map[string]*history),
	}
}

// Namespace returns the replica's namespace id.
func (s *Store) Namespace() hashid.NamespaceId { return s.namespace }

// OnInsert registers a callback invoked on every successful Put.
func (s *Store) OnInsert(cb InsertCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// DroppedInvalid reports how many Put calls were dropped for failing
// signature or timestamp validation.
func (s *Store) DroppedInvalid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.droppedInvalid
}

// Put verifies entry's signatures and timestamp, then inserts it
// under its RecordIdentifier, invoking any registered insert
// callbacks. An invalid entry is dropped silently to the caller,
// counted on droppedInvalid.
func (s *Store) Put(origin Origin, entry SignedEntry) error {
	if entry.Identifier.Namespace != s.namespace {
		return fmt.Errorf("%w: entry namespace does not match replica", errs.ErrProtocol)
	}
	if !entry.Verify() {
		s.mu.Lock()
		s.droppedInvalid++
		s.mu.Unlock()
		return nil
	}
	maxTS := s.now().Add(s.params.MaxFutureSkew).UnixMicro()
	if entry.Record.TimestampMicros > maxTS {
		s.mu.Lock()
		s.droppedInvalid++
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	key := string(entry.Identifier.Bytes())
	h, ok := s.byIdent[key]
	if !ok {
		h = &history{byTimestamp: make(map[int64]SignedEntry)}
		s.byIdent[key] = h
		s.insertSorted(entry.Identifier)
	}
	ts := entry.Record.TimestampMicros
	if prev, exists := h.byTimestamp[ts]; !exists || lessThanTiebreak(prev, entry) {
		h.byTimestamp[ts] = entry
	}
	callbacks := append([]InsertCallback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(origin, entry)
	}
	return nil
}

func (s *Store) insertSorted(id RecordIdentifier) {
	idBytes := id.Bytes()
	i := sort.Search(len(s.order), func(i int) bool {
		return string(s.order[i].Bytes()) >= string(idBytes)
	})
	s.order = append(s.order, RecordIdentifier{})
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = id
}

// Get returns the latest SignedEntry for id.
func (s *Store) Get(id RecordIdentifier) (SignedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byIdent[string(id.Bytes())]
	if !ok {
		return SignedEntry{}, false
	}
	return h.latest(), true
}

// GetFirst returns the lowest-ordered RecordIdentifier's latest entry.
func (s *Store) GetFirst() (RecordIdentifier, SignedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return RecordIdentifier{}, SignedEntry{}, false
	}
	id := s.order[0]
	return id, s.byIdent[string(id.Bytes())].latest(), true
}

// Len returns the number of distinct RecordIdentifiers held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// IsEmpty reports whether the store holds no identifiers.
func (s *Store) IsEmpty() bool { return s.Len() == 0 }

// Remove deletes id's full history, returning every entry it held.
func (s *Store) Remove(id RecordIdentifier) []SignedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(id.Bytes())
	h, ok := s.byIdent[key]
	if !ok {
		return nil
	}
	delete(s.byIdent, key)
	for i, existing := range s.order {
		if string(existing.Bytes()) == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	out := make([]SignedEntry, 0, len(h.byTimestamp))
	for _, e := range h.byTimestamp {
		out = append(out, e)
	}
	return out
}

// snapshot returns copies of the sorted identifier order and of the
// history map as of now, so range iteration never observes a moving
// target.
func (s *Store) snapshot() ([]RecordIdentifier, map[string]*history) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := append([]RecordIdentifier(nil), s.order...)
	byIdent := make(map[string]*history, len(s.byIdent))
	for k, v := range s.byIdent {
		cp := &history{byTimestamp: make(map[int64]SignedEntry, len(v.byTimestamp))}
		for ts, e := range v.byTimestamp {
			cp.byTimestamp[ts] = e
		}
		byIdent[k] = cp
	}
	return order, byIdent
}

// All returns the latest entry for every identifier, in order.
func (s *Store) All() []SignedEntry {
	order, byIdent := s.snapshot()
	out := make([]SignedEntry, 0, len(order))
	for _, id := range order {
		out = append(out, byIdent[string(id.Bytes())].latest())
	}
	return out
}

// GetLatestByKey returns, for every author that wrote key, that
// author's latest entry for key.
func (s *Store) GetLatestByKey(key []byte) []SignedEntry {
	order, byIdent := s.snapshot()
	var out []SignedEntry
	for _, id := range order {
		if string(id.Key) == string(key) {
			out = append(out, byIdent[string(id.Bytes())].latest())
		}
	}
	return out
}

// GetLatestByKeyAndAuthor returns the latest entry for exactly (key, author).
func (s *Store) GetLatestByKeyAndAuthor(key []byte, author hashid.AuthorId) (SignedEntry, bool) {
	id := RecordIdentifier{Namespace: s.namespace, Author: author, Key: key}
	return s.Get(id)
}

// GetLatestByPrefix returns the latest entry for every identifier
// whose key has the given prefix.
func (s *Store) GetLatestByPrefix(prefix []byte) []SignedEntry {
	order, byIdent := s.snapshot()
	var out []SignedEntry
	for _, id := range order {
		if len(id.Key) >= len(prefix) && string(id.Key[:len(prefix)]) == string(prefix) {
			out = append(out, byIdent[string(id.Bytes())].latest())
		}
	}
	return out
}

// GetAll returns every historical entry for every identifier.
func (s *Store) GetAll() []SignedEntry {
	order, byIdent := s.snapshot()
	var out []SignedEntry
	for _, id := range order {
		h := byIdent[string(id.Bytes())]
		for _, e := range h.byTimestamp {
			out = append(out, e)
		}
	}
	return out
}
