// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rangespec implements ChunkRange and Spec: the half-open
// chunk-index intervals a provider request selects within a blob, and
// the ordered per-offset selection across a collection's root and
// children.
package rangespec

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the fixed chunk unit, 16 KiB.
const ChunkSize = 1 << 14

// ChunkIdx indexes a chunk within a blob.
type ChunkIdx uint64

// ChunkRange is a half-open interval [Start, End) of chunk indices.
type ChunkRange struct {
	Start ChunkIdx
	End   ChunkIdx
}

// IsEmpty reports whether the range selects no chunks.
func (r ChunkRange) IsEmpty() bool { return r.End <= r.Start }

// Set is an ordered, non-overlapping collection of ChunkRanges for a
// single blob, sorted by Start.
type Set struct {
	ranges []ChunkRange
}

// NewSet builds a Set from ranges, merging overlaps/adjacencies and
// sorting by Start.
func NewSet(ranges ...ChunkRange) Set {
	filtered := make([]ChunkRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			filtered = append(filtered, r)
		}
	}
	for i := 1; i < len(filtered); i++ {
		for j := i; j > 0 && filtered[j-1].Start > filtered[j].Start; j-- {
			filtered[j-1], filtered[j] = filtered[j], filtered[j-1]
		}
	}
	merged := filtered[:0:0]
	for _, r := range filtered {
		if n := len(merged); n > 0 && merged[n-1].End >= r.Start {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return Set{ranges: merged}
}

// All returns a Set covering every chunk, 0..infinity in practice
// bounded by the blob's own size at serve time.
func All() Set {
	return Set{ranges: []ChunkRange{{Start: 0, End: ^ChunkIdx(0)}}}
}

// IsEmpty reports whether the set selects no chunks at all.
func (s Set) IsEmpty() bool { return len(s.ranges) == 0 }

// Ranges returns the set's non-empty sub-ranges in offset order.
func (s Set) Ranges() []ChunkRange { return s.ranges }

// Contains reports whether idx falls in any sub-range.
func (s Set) Contains(idx ChunkIdx) bool {
	for _, r := range s.ranges {
		if idx >= r.Start && idx < r.End {
			return true
		}
	}
	return false
}

// Entry pairs an offset (0 = collection root, k >= 1 = the (k-1)-th
// child) with the ChunkRange Set requested for that blob.
type Entry struct {
	Offset uint64
	Set    Set
}

// Spec is the ordered set of per-offset selections carried in a Get
// request. Offsets must be strictly increasing.
type Spec struct {
	entries []Entry
}

// NewSpec validates and builds a Spec from entries already in
// strictly-increasing offset order.
func NewSpec(entries ...Entry) (Spec, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i].Offset <= entries[i-1].Offset {
			return Spec{}, fmt.Errorf("rangespec: offsets must be strictly increasing, got %d after %d",
				entries[i].Offset, entries[i-1].Offset)
		}
	}
	return Spec{entries: append([]Entry(nil), entries...)}, nil
}

// Entries returns the spec's (offset, Set) pairs in offset order.
func (s Spec) Entries() []Entry { return s.entries }

// RootOnly reports whether the spec names exactly one non-empty
// sub-range and it is for offset 0, in which case the provider serves
// only the root blob.
func (s Spec) RootOnly() bool {
	nonEmpty := 0
	rootNonEmpty := false
	for _, e := range s.entries {
		if e.Set.IsEmpty() {
			continue
		}
		nonEmpty++
		if e.Offset == 0 {
			rootNonEmpty = true
		}
	}
	return nonEmpty == 1 && rootNonEmpty
}

// ForOffset returns the Set requested for offset, or an empty Set if
// the spec does not mention it.
func (s Spec) ForOffset(offset uint64) Set {
	for _, e := range s.entries {
		if e.Offset == offset {
			return e.Set
		}
	}
	return Set{}
}

// Encode serializes the spec with a compact deterministic encoding: a
// varint entry count, then per entry a varint offset, a varint
// range-count, and per range a varint start followed by a varint
// length. Equal specs encode to equal bytes.
func (s Spec) Encode() []byte {
	buf := make([]byte, 0, 16*len(s.entries))
	tmp := make([]byte, binary.MaxVarintLen64)

	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf = append(buf, tmp[:n]...)
	}

	putUvarint(uint64(len(s.entries)))
	for _, e := range s.entries {
		putUvarint(e.Offset)
		putUvarint(uint64(len(e.Set.ranges)))
		for _, r := range e.Set.ranges {
			putUvarint(uint64(r.Start))
			putUvarint(uint64(r.End - r.Start))
		}
	}
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler so a Spec embeds
// cleanly as a CBOR byte string inside wire messages.
func (s Spec) MarshalBinary() ([]byte, error) { return s.Encode(), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Spec) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Spec, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return Spec{}, fmt.Errorf("rangespec: truncated entry count")
	}
	data = data[n:]

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		offset, n := binary.Uvarint(data)
		if n <= 0 {
			return Spec{}, fmt.Errorf("rangespec: truncated offset")
		}
		data = data[n:]

		rangeCount, n := binary.Uvarint(data)
		if n <= 0 {
			return Spec{}, fmt.Errorf("rangespec: truncated range count")
		}
		data = data[n:]

		ranges := make([]ChunkRange, 0, rangeCount)
		for j := uint64(0); j < rangeCount; j++ {
			start, n := binary.Uvarint(data)
			if n <= 0 {
				return Spec{}, fmt.Errorf("rangespec: truncated range start")
			}
			data = data[n:]

			length, n := binary.Uvarint(data)
			if n <= 0 {
				return Spec{}, fmt.Errorf("rangespec: truncated range length")
			}
			data = data[n:]

			ranges = append(ranges, ChunkRange{Start: ChunkIdx(start), End: ChunkIdx(start + length)})
		}
		entries = append(entries, Entry{Offset: offset, Set: Set{ranges: ranges}})
	}
	return Spec{entries: entries}, nil
}
