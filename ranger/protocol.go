// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ranger

import (
	"fmt"
	"sort"

	"github.com/luxfi/meshcore/config"
	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
)

// RangeFingerprint is one (range, fingerprint) assertion a peer sends
// for comparison.
type RangeFingerprint struct {
	R           Range
	Fingerprint Fingerprint
	Count       int
}

// RangeItem carries entries for a range small enough to exchange
// directly. HaveLocally false with no Entries is the "my range is
// empty, send me everything in it" signal. HaveLocally false with
// Entries is the final delivery of entries the peer lacked; the
// receiver inserts them and sends nothing back for that range.
type RangeItem struct {
	R           Range
	Entries     []Entry
	HaveLocally bool
}

// ProtocolMessage is the reconciliation payload exchanged after the
// opening Init.
type ProtocolMessage struct {
	RangeFingerprints []RangeFingerprint
	RangeItems        []RangeItem
}

// IsEmpty reports whether m asserts or requests nothing further,
// which is how both sides recognize termination: the exchange
// finishes when a message requires no response.
func (m ProtocolMessage) IsEmpty() bool {
	return len(m.RangeFingerprints) == 0 && len(m.RangeItems) == 0
}

// EntryFingerprint is as_fingerprint(entry): the BLAKE3 digest of the
// entry's key and value concatenated, so a value change changes the
// range fingerprint even if the key set is unchanged. Exported so a
// Store implementation computes range fingerprints with the exact
// same per-entry digest this package uses to detect value differences
// in diffMissing.
func EntryFingerprint(e Entry) hashid.Hash {
	buf := make([]byte, 0, len(e.Key)+len(e.Value))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)
	return hashid.HashBytes(buf)
}

// InitialMessage builds the opening message: the full key space and
// its fingerprint, sent once by the initiating peer.
func InitialMessage(store Store) (ProtocolMessage, error) {
	fp, count, err := store.GetFingerprint(Full(), 0)
	if err != nil {
		return ProtocolMessage{}, fmt.Errorf("ranger: fingerprint full range: %w", err)
	}
	return ProtocolMessage{
		RangeFingerprints: []RangeFingerprint{{R: Full(), Fingerprint: fp, Count: count}},
	}, nil
}

// Respond computes the local reply to an incoming ProtocolMessage
// against store, symmetrically usable by either peer: every reconciling peer
// treats the message it just received as "incoming" and runs the same
// algorithm. Every received entry (in in.RangeItems) is validated by
// the store's own Put (replica.Store rejects bad signatures) before
// being inserted.
func Respond(store Store, params config.ReconcileParameters, in ProtocolMessage) (ProtocolMessage, error) {
	var out ProtocolMessage

	for _, item := range in.RangeItems {
		if !item.HaveLocally && len(item.Entries) == 0 {
			// Peer's range was empty; hand over everything we have.
			entries, err := store.GetRange(item.R, params.MaxRangeSize)
			if err != nil {
				return ProtocolMessage{}, fmt.Errorf("ranger: get range for want-all: %w", err)
			}
			out.RangeItems = append(out.RangeItems, RangeItem{R: item.R, Entries: entries, HaveLocally: true})
			continue
		}
		for _, e := range item.Entries {
			if err := store.Put(e); err != nil {
				return ProtocolMessage{}, fmt.Errorf("ranger: insert received entry: %w", err)
			}
		}
		if !item.HaveLocally {
			// Final delivery of what we lacked; no reply for this range.
			continue
		}
		// Reply with whatever we have in this range that the peer did
		// not send us, as a final delivery, so both sides converge after
		// one round trip per leaf range.
		ours, err := store.GetRange(item.R, params.MaxRangeSize)
		if err != nil {
			return ProtocolMessage{}, fmt.Errorf("ranger: get range for diff reply: %w", err)
		}
		missing := diffMissing(ours, item.Entries)
		if len(missing) > 0 {
			out.RangeItems = append(out.RangeItems, RangeItem{R: item.R, Entries: missing, HaveLocally: false})
		}
	}

	for _, rf := range in.RangeFingerprints {
		reply, err := respondToFingerprint(store, params, rf)
		if err != nil {
			return ProtocolMessage{}, err
		}
		out.RangeFingerprints = append(out.RangeFingerprints, reply.RangeFingerprints...)
		out.RangeItems = append(out.RangeItems, reply.RangeItems...)
	}

	return out, nil
}

func respondToFingerprint(store Store, params config.ReconcileParameters, rf RangeFingerprint) (ProtocolMessage, error) {
	var out ProtocolMessage

	localFP, count, err := store.GetFingerprint(rf.R, 0)
	if err != nil {
		return out, fmt.Errorf("ranger: fingerprint range: %w", err)
	}
	if localFP == rf.Fingerprint {
		// Consistent range, nothing to report.
		return out, nil
	}
	if count == 0 {
		// Our side is empty for this range; ask the peer to send
		// everything.
		out.RangeItems = append(out.RangeItems, RangeItem{R: rf.R, HaveLocally: false})
		return out, nil
	}
	if count <= params.SplitThreshold {
		// Small enough, send our entries directly.
		entries, err := store.GetRange(rf.R, params.MaxRangeSize)
		if err != nil {
			return out, fmt.Errorf("ranger: get range for leaf send: %w", err)
		}
		out.RangeItems = append(out.RangeItems, RangeItem{R: rf.R, Entries: entries, HaveLocally: true})
		return out, nil
	}

	// Split at the median key and recurse on both halves.
	entries, err := store.GetRange(rf.R, 0)
	if err != nil {
		return out, fmt.Errorf("ranger: get range for split: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return string(entries[i].Key) < string(entries[j].Key) })
	mid := entries[len(entries)/2]

	left := Range{X: rf.R.X, Y: mid.Key}
	right := Range{X: mid.Key, Y: rf.R.Y}
	for _, sub := range []Range{left, right} {
		fp, n, err := store.GetFingerprint(sub, 0)
		if err != nil {
			return out, fmt.Errorf("ranger: fingerprint sub-range: %w", err)
		}
		out.RangeFingerprints = append(out.RangeFingerprints, RangeFingerprint{R: sub, Fingerprint: fp, Count: n})
	}
	return out, nil
}

// diffMissing returns the entries in ours whose key is absent from
// theirs, or whose value differs (a newer local write supersedes an
// older remote one the peer sent).
func diffMissing(ours, theirs []Entry) []Entry {
	theirByKey := make(map[string]Entry, len(theirs))
	for _, e := range theirs {
		theirByKey[string(e.Key)] = e
	}
	var out []Entry
	for _, e := range ours {
		if t, ok := theirByKey[string(e.Key)]; !ok || EntryFingerprint(t) != EntryFingerprint(e) {
			out = append(out, e)
		}
	}
	return out
}

// MessageKind discriminates the two framed message shapes.
type MessageKind uint8

const (
	KindInit MessageKind = iota
	KindSync
)

// Message is one length-prefixed frame on a reconciliation stream.
type Message struct {
	Kind      MessageKind
	Namespace []byte // set only on Init
	Body      ProtocolMessage
}

// ValidateOrdering rejects out-of-order frames: a duplicate Init, or
// a Sync before any Init.
func ValidateOrdering(sawInit bool, msg Message) error {
	if msg.Kind == KindInit && sawInit {
		return fmt.Errorf("%w: duplicate Init", errs.ErrProtocol)
	}
	if msg.Kind == KindSync && !sawInit {
		return fmt.Errorf("%w: Sync before Init", errs.ErrProtocol)
	}
	return nil
}
