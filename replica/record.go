// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package replica implements the per-namespace replica store:
// a sorted map of RecordIdentifier to its signed record history,
// last-writer-wins by (timestamp, content hash), with insert callbacks
// and the range/fingerprint operations the set-reconciliation engine
// (package ranger) needs.
package replica

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/wire"
)

// RecordIdentifier is (namespace, author, key).
type RecordIdentifier struct {
	Namespace hashid.NamespaceId
	Author    hashid.AuthorId
	Key       []byte
}

// Bytes returns the identifier's canonical byte encoding: namespace ||
// author || key, which also defines its total order for the
// reconciliation engine's cyclic ranges.
func (id RecordIdentifier) Bytes() []byte {
	buf := make([]byte, 0, len(id.Namespace)+len(id.Author)+len(id.Key))
	buf = append(buf, id.Namespace[:]...)
	buf = append(buf, id.Author[:]...)
	buf = append(buf, id.Key...)
	return buf
}

// Less gives RecordIdentifier a deterministic total order over its
// canonical byte encoding.
func (id RecordIdentifier) Less(o RecordIdentifier) bool {
	return bytes.Compare(id.Bytes(), o.Bytes()) < 0
}

// Record is (timestamp in microseconds, content hash, content size).
type Record struct {
	TimestampMicros int64
	ContentHash     hashid.Hash
	ContentSize     uint64
}

// canonicalMsg returns the bytes both signatures of a SignedEntry are
// computed over: the identifier followed by the record, each field in
// a fixed-width encoding so the message is unambiguous.
func canonicalMsg(id RecordIdentifier, r Record) []byte {
	buf := make([]byte, 0, len(id.Bytes())+8+hashid.Size+8)
	buf = append(buf, id.Bytes()...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.TimestampMicros))
	buf = append(buf, ts[:]...)

	buf = append(buf, r.ContentHash.Bytes()...)

	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], r.ContentSize)
	buf = append(buf, sz[:]...)
	return buf
}

// SignedEntry pairs a RecordIdentifier and Record with both a
// namespace and an author signature over their canonical encoding.
type SignedEntry struct {
	Identifier   RecordIdentifier
	Record       Record
	NamespaceSig hashid.Signature
	AuthorSig    hashid.Signature
}

// Sign produces a SignedEntry for id/rec, signed by both ns and
// author.
func Sign(ns hashid.Namespace, author hashid.Author, id RecordIdentifier, rec Record) SignedEntry {
	msg := canonicalMsg(id, rec)
	return SignedEntry{
		Identifier:   id,
		Record:       rec,
		NamespaceSig: ns.Sign(msg),
		AuthorSig:    author.Sign(msg),
	}
}

// Verify reports whether both the namespace and author signatures on
// e are valid over its canonical encoding.
func (e SignedEntry) Verify() bool {
	msg := canonicalMsg(e.Identifier, e.Record)
	return hashid.VerifyNamespace(e.Identifier.Namespace, msg, e.NamespaceSig) &&
		hashid.VerifyAuthor(e.Identifier.Author, msg, e.AuthorSig)
}

// wireEntry is SignedEntry's CBOR-friendly shape: fixed-size byte
// arrays don't round-trip through cbor as arrays of the zero value
// when empty, so every field here is a plain slice/byte-string.
type wireEntry struct {
	Namespace       []byte
	Author          []byte
	Key             []byte
	TimestampMicros int64
	ContentHash     []byte
	ContentSize     uint64
	NamespaceSig    []byte
	AuthorSig       []byte
}

func (e SignedEntry) toWire() wireEntry {
	return wireEntry{
		Namespace:       e.Identifier.Namespace[:],
		Author:          e.Identifier.Author[:],
		Key:             e.Identifier.Key,
		TimestampMicros: e.Record.TimestampMicros,
		ContentHash:     e.Record.ContentHash.Bytes(),
		ContentSize:     e.Record.ContentSize,
		NamespaceSig:    e.NamespaceSig.Bytes(),
		AuthorSig:       e.AuthorSig.Bytes(),
	}
}

func (w wireEntry) fromWire() (SignedEntry, error) {
	var e SignedEntry
	if len(w.Namespace) != hashid.KeySize || len(w.Author) != hashid.KeySize {
		return e, fmt.Errorf("replica: malformed identifier in wire entry")
	}
	copy(e.Identifier.Namespace[:], w.Namespace)
	copy(e.Identifier.Author[:], w.Author)
	e.Identifier.Key = w.Key

	hash, err := hashid.FromBytes(w.ContentHash)
	if err != nil {
		return e, fmt.Errorf("replica: malformed content hash: %w", err)
	}
	e.Record = Record{TimestampMicros: w.TimestampMicros, ContentHash: hash, ContentSize: w.ContentSize}

	if len(w.NamespaceSig) != len(e.NamespaceSig) || len(w.AuthorSig) != len(e.AuthorSig) {
		return e, fmt.Errorf("replica: malformed signature in wire entry")
	}
	copy(e.NamespaceSig[:], w.NamespaceSig)
	copy(e.AuthorSig[:], w.AuthorSig)
	return e, nil
}

// MarshalBinary implements encoding.BinaryMarshaler, used both for
// wire transmission (wrapped in wire.Marshal) and as the opaque
// ranger.Entry payload.
func (e SignedEntry) MarshalBinary() ([]byte, error) {
	return wire.Marshal(e.toWire())
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *SignedEntry) UnmarshalBinary(data []byte) error {
	var w wireEntry
	if err := wire.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.fromWire()
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}
