// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package collection implements the Collection blob format: a blob
// whose decoded content enumerates child hashes in order. Parsing is
// lazy: Parse returns cheap (num blobs, total size) stats from the
// header alone, and a Cursor that decodes one child hash at a time as
// the provider walks it.
package collection

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/meshcore/hashid"
)

// Stats are the cheap upfront statistics decoded from a collection
// header alone, before any child hash is read.
type Stats struct {
	NumBlobs  uint64
	TotalSize uint64
}

// Cursor walks a collection's child hashes in order.
type Cursor interface {
	// Skip advances the cursor past n children without returning them.
	Skip(n uint64) error
	// Next returns the next child hash, or ok=false at the end.
	Next() (hash hashid.Hash, ok bool, err error)
}

// Parser decodes a collection blob's bytes into its stats and a fresh
// cursor over its children.
type Parser interface {
	Parse(data []byte) (Stats, Cursor, error)
}

// Encode serializes child hashes and their sizes into a collection
// blob: varint numBlobs, varint totalSize, then numBlobs records of
// (32-byte hash, varint size).
func Encode(children []hashid.Hash, sizes []uint64) ([]byte, error) {
	if len(children) != len(sizes) {
		return nil, fmt.Errorf("collection: %d hashes but %d sizes", len(children), len(sizes))
	}
	var total uint64
	for _, s := range sizes {
		total += s
	}

	buf := make([]byte, 0, 16+40*len(children))
	tmp := make([]byte, binary.MaxVarintLen64)
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf = append(buf, tmp[:n]...)
	}

	putUvarint(uint64(len(children)))
	putUvarint(total)
	for i, h := range children {
		buf = append(buf, h[:]...)
		putUvarint(sizes[i])
	}
	return buf, nil
}

// DefaultParser decodes blobs produced by Encode.
type DefaultParser struct{}

func (DefaultParser) Parse(data []byte) (Stats, Cursor, error) {
	numBlobs, n := binary.Uvarint(data)
	if n <= 0 {
		return Stats{}, nil, fmt.Errorf("collection: truncated num-blobs")
	}
	data = data[n:]

	total, n := binary.Uvarint(data)
	if n <= 0 {
		return Stats{}, nil, fmt.Errorf("collection: truncated total-size")
	}
	data = data[n:]

	return Stats{NumBlobs: numBlobs, TotalSize: total}, &cursor{remaining: data, count: numBlobs}, nil
}

type cursor struct {
	remaining []byte
	count     uint64
	pos       uint64
}

func (c *cursor) Skip(n uint64) error {
	for i := uint64(0); i < n; i++ {
		if _, _, err := c.readOne(); err != nil {
			return err
		}
	}
	return nil
}

func (c *cursor) Next() (hashid.Hash, bool, error) {
	if c.pos >= c.count {
		return hashid.Hash{}, false, nil
	}
	h, _, err := c.readOne()
	if err != nil {
		return hashid.Hash{}, false, err
	}
	return h, true, nil
}

func (c *cursor) readOne() (hashid.Hash, uint64, error) {
	if c.pos >= c.count {
		return hashid.Hash{}, 0, fmt.Errorf("collection: cursor past end")
	}
	if len(c.remaining) < hashid.Size {
		return hashid.Hash{}, 0, fmt.Errorf("collection: truncated child hash")
	}
	h, err := hashid.FromBytes(c.remaining[:hashid.Size])
	if err != nil {
		return hashid.Hash{}, 0, err
	}
	c.remaining = c.remaining[hashid.Size:]

	size, n := binary.Uvarint(c.remaining)
	if n <= 0 {
		return hashid.Hash{}, 0, fmt.Errorf("collection: truncated child size")
	}
	c.remaining = c.remaining[n:]
	c.pos++
	return h, size, nil
}
