// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package replica

import (
	"fmt"

	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/ranger"
)

// RangerView adapts a *Store to ranger.Store: RecordIdentifier/
// SignedEntry marshal to and from ranger's opaque (key, value) byte
// pairs at this boundary, so package ranger stays free of any
// dependency on replica's record types.
type RangerView struct {
	store  *Store
	origin Origin
}

// AsRanger returns a ranger.Store view of s. Entries received and
// inserted through it are attributed to origin (Local for entries this
// node authors and wants to publish as reconciled, Remote(peer) for
// entries arriving from a reconciliation session with peer).
func (s *Store) AsRanger(origin Origin) RangerView {
	return RangerView{store: s, origin: origin}
}

func parseIdentifier(key []byte) (RecordIdentifier, error) {
	if len(key) < 2*hashid.KeySize {
		return RecordIdentifier{}, fmt.Errorf("replica: malformed ranger key, too short")
	}
	var id RecordIdentifier
	copy(id.Namespace[:], key[:hashid.KeySize])
	copy(id.Author[:], key[hashid.KeySize:2*hashid.KeySize])
	id.Key = key[2*hashid.KeySize:]
	return id, nil
}

func toRangerEntry(e SignedEntry) (ranger.Entry, error) {
	val, err := e.MarshalBinary()
	if err != nil {
		return ranger.Entry{}, fmt.Errorf("replica: marshal entry: %w", err)
	}
	return ranger.Entry{Key: e.Identifier.Bytes(), Value: val}, nil
}

func fromRangerEntry(re ranger.Entry) (SignedEntry, error) {
	var e SignedEntry
	if err := e.UnmarshalBinary(re.Value); err != nil {
		return SignedEntry{}, fmt.Errorf("replica: unmarshal entry: %w", err)
	}
	return e, nil
}

func (v RangerView) GetFirst() (ranger.Entry, bool, error) {
	_, e, ok := v.store.GetFirst()
	if !ok {
		return ranger.Entry{}, false, nil
	}
	re, err := toRangerEntry(e)
	return re, true, err
}

func (v RangerView) Get(key []byte) (ranger.Entry, bool, error) {
	id, err := parseIdentifier(key)
	if err != nil {
		return ranger.Entry{}, false, err
	}
	e, ok := v.store.Get(id)
	if !ok {
		return ranger.Entry{}, false, nil
	}
	re, err := toRangerEntry(e)
	return re, true, err
}

func (v RangerView) Len() (int, error)      { return v.store.Len(), nil }
func (v RangerView) IsEmpty() (bool, error) { return v.store.IsEmpty(), nil }

func (v RangerView) GetFingerprint(r ranger.Range, _ int) (ranger.Fingerprint, int, error) {
	all := v.store.All()
	var fp ranger.Fingerprint
	count := 0
	for _, e := range all {
		key := e.Identifier.Bytes()
		if !r.Contains(key) {
			continue
		}
		re, err := toRangerEntry(e)
		if err != nil {
			return ranger.Fingerprint{}, 0, err
		}
		fp = fp.XOR(ranger.Fingerprint(ranger.EntryFingerprint(re)))
		count++
	}
	return fp, count, nil
}

func (v RangerView) GetRange(r ranger.Range, limit int) ([]ranger.Entry, error) {
	all := v.store.All()
	var out []ranger.Entry
	for _, e := range all {
		key := e.Identifier.Bytes()
		if !r.Contains(key) {
			continue
		}
		re, err := toRangerEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (v RangerView) All() ([]ranger.Entry, error) {
	return v.GetRange(ranger.Full(), 0)
}

func (v RangerView) Put(re ranger.Entry) error {
	e, err := fromRangerEntry(re)
	if err != nil {
		return err
	}
	return v.store.Put(v.origin, e)
}

func (v RangerView) Remove(key []byte) ([]ranger.Entry, error) {
	id, err := parseIdentifier(key)
	if err != nil {
		return nil, err
	}
	removed := v.store.Remove(id)
	out := make([]ranger.Entry, 0, len(removed))
	for _, e := range removed {
		re, err := toRangerEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}
