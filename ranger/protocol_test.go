// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ranger

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/meshcore/config"
)

// memStore is a minimal in-memory Store for exercising the protocol
// functions directly, independent of replica's RangerView adapter.
type memStore struct {
	entries map[string]Entry
}

func newMemStore(entries ...Entry) *memStore {
	m := &memStore{entries: make(map[string]Entry)}
	for _, e := range entries {
		m.entries[string(e.Key)] = e
	}
	return m
}

func (m *memStore) sorted() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
	return out
}

func (m *memStore) GetFirst() (Entry, bool, error) {
	all := m.sorted()
	if len(all) == 0 {
		return Entry{}, false, nil
	}
	return all[0], true, nil
}

func (m *memStore) Get(key []byte) (Entry, bool, error) {
	e, ok := m.entries[string(key)]
	return e, ok, nil
}

func (m *memStore) Len() (int, error)      { return len(m.entries), nil }
func (m *memStore) IsEmpty() (bool, error) { return len(m.entries) == 0, nil }

func (m *memStore) GetFingerprint(r Range, _ int) (Fingerprint, int, error) {
	var fp Fingerprint
	count := 0
	for _, e := range m.entries {
		if r.Contains(e.Key) {
			fp = fp.XOR(Fingerprint(EntryFingerprint(e)))
			count++
		}
	}
	return fp, count, nil
}

func (m *memStore) GetRange(r Range, limit int) ([]Entry, error) {
	var out []Entry
	for _, e := range m.sorted() {
		if r.Contains(e.Key) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) All() ([]Entry, error) { return m.sorted(), nil }

func (m *memStore) Put(e Entry) error {
	m.entries[string(e.Key)] = e
	return nil
}

func (m *memStore) Remove(key []byte) ([]Entry, error) {
	e, ok := m.entries[string(key)]
	if !ok {
		return nil, nil
	}
	delete(m.entries, string(key))
	return []Entry{e}, nil
}

func TestRangeContainsCyclic(t *testing.T) {
	full := Full()
	require.True(t, full.IsFull())
	require.True(t, full.Contains([]byte{0x00}))
	require.True(t, full.Contains([]byte{0xff}))

	wrap := Range{X: []byte{0xf0}, Y: []byte{0x10}}
	require.True(t, wrap.Contains([]byte{0xff}))
	require.True(t, wrap.Contains([]byte{0x00}))
	require.False(t, wrap.Contains([]byte{0x50}))
}

func TestRespondConsistentRangeSkips(t *testing.T) {
	a := newMemStore(Entry{Key: []byte("k1"), Value: []byte("v1")})
	b := newMemStore(Entry{Key: []byte("k1"), Value: []byte("v1")})
	params := config.DefaultReconcileParameters()

	init, err := InitialMessage(a)
	require.NoError(t, err)

	reply, err := Respond(b, params, init)
	require.NoError(t, err)
	require.True(t, reply.IsEmpty())
}

func TestRespondEmptyRangeRequestsAll(t *testing.T) {
	a := newMemStore(Entry{Key: []byte("k1"), Value: []byte("v1")})
	b := newMemStore() // empty
	params := config.DefaultReconcileParameters()

	init, err := InitialMessage(a)
	require.NoError(t, err)

	reply, err := Respond(b, params, init)
	require.NoError(t, err)
	require.Len(t, reply.RangeItems, 1)
	require.False(t, reply.RangeItems[0].HaveLocally)
}

func TestRespondSmallRangeSendsEntries(t *testing.T) {
	a := newMemStore(Entry{Key: []byte("k1"), Value: []byte("v1")})
	b := newMemStore(Entry{Key: []byte("k2"), Value: []byte("v2")})
	params := config.DefaultReconcileParameters()

	init, err := InitialMessage(a)
	require.NoError(t, err)

	reply, err := Respond(b, params, init)
	require.NoError(t, err)
	require.Len(t, reply.RangeItems, 1)
	require.True(t, reply.RangeItems[0].HaveLocally)
	require.Len(t, reply.RangeItems[0].Entries, 1)
	require.Equal(t, []byte("k2"), reply.RangeItems[0].Entries[0].Key)
}

func TestRespondSplitsLargeRanges(t *testing.T) {
	params := config.ReconcileParameters{SplitThreshold: 2, MaxRangeSize: 1024}

	a := newMemStore()
	b := newMemStore()
	for i := 0; i < 10; i++ {
		a.Put(Entry{Key: []byte{byte(i)}, Value: []byte{byte(i)}})
	}
	for i := 5; i < 15; i++ {
		b.Put(Entry{Key: []byte{byte(i)}, Value: []byte{byte(i)}})
	}

	init, err := InitialMessage(a)
	require.NoError(t, err)

	reply, err := Respond(b, params, init)
	require.NoError(t, err)
	require.NotEmpty(t, reply.RangeFingerprints)
}

func TestValidateOrdering(t *testing.T) {
	require.NoError(t, ValidateOrdering(false, Message{Kind: KindInit}))
	require.Error(t, ValidateOrdering(true, Message{Kind: KindInit}))
	require.Error(t, ValidateOrdering(false, Message{Kind: KindSync}))
	require.NoError(t, ValidateOrdering(true, Message{Kind: KindSync}))
}

// TestReconciliationConverges: repeatedly
// exchanging Respond rounds between two stores with disjoint
// entries drives both to the same final key set.
func TestReconciliationConverges(t *testing.T) {
	params := config.DefaultReconcileParameters()
	a := newMemStore()
	b := newMemStore()
	// Disjoint key ranges: the reconciled outcome is a clean union, with
	// no same-key conflicting values to arbitrate (that tie-break is
	// replica.Store's job, exercised separately in package replica).
	for i := 0; i < 20; i++ {
		a.Put(Entry{Key: []byte{byte(i)}, Value: []byte{byte(i), 0xaa}})
	}
	for i := 20; i < 40; i++ {
		b.Put(Entry{Key: []byte{byte(i)}, Value: []byte{byte(i), 0xbb}})
	}

	msg, err := InitialMessage(a)
	require.NoError(t, err)

	// Alternate Respond between the two sides until neither produces a
	// further message, mirroring ranger.Peer's loop without a
	// transport.Stream in between.
	turn := b
	other := a
	for round := 0; round < 20; round++ {
		reply, err := Respond(turn, params, msg)
		require.NoError(t, err)
		if reply.IsEmpty() && msg.IsEmpty() {
			break
		}
		msg = reply
		turn, other = other, turn
	}
	_ = other

	aEntries, err := a.All()
	require.NoError(t, err)
	bEntries, err := b.All()
	require.NoError(t, err)
	require.ElementsMatch(t, aEntries, bEntries)
}
