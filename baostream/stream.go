// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package baostream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/luxfi/meshcore/errs"
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
)

// DataReader is the random-access source an Encoder reads chunk
// bytes from (satisfied by vfs.ReadRaw).
type DataReader interface {
	io.ReaderAt
}

// groupsFor returns, in ascending order, the distinct group indices
// that intersect any chunk in ranges.
func groupsFor(ranges rangespec.Set, numGroups int) []int {
	covered := make([]bool, numGroups)
	for _, r := range ranges.Ranges() {
		end := r.End
		if limit := rangespec.ChunkIdx(numGroups * GroupSize); end > limit {
			end = limit
		}
		if r.Start >= end {
			continue
		}
		startGroup := int(r.Start) / GroupSize
		endGroup := (int(end) - 1) / GroupSize
		for g := startGroup; g <= endGroup && g < numGroups; g++ {
			if g >= 0 {
				covered[g] = true
			}
		}
	}
	var out []int
	for g, c := range covered {
		if c {
			out = append(out, g)
		}
	}
	return out
}

func putUvarint(buf *[]byte, v uint64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	*buf = append(*buf, tmp[:n]...)
}

// Encode streams the framed, per-group-hashed byte sequence covering
// ranges to w. The header carries the blob size and the (data digest,
// proof root) pair the blob's identity hash commits to; each frame
// then carries one group's sibling proof, chunk hashes, and payload,
// in ascending group order. Encode is deterministic: the same (data,
// outboard, ranges) always produces the same bytes.
func Encode(w io.Writer, data DataReader, ob *Outboard, ranges rangespec.Set) error {
	groups := groupsFor(ranges, ob.NumGroups())

	header := make([]byte, 0, 16+2*32)
	putUvarint(&header, uint64(ob.Size))
	dataHash := ob.DataHash()
	header = append(header, dataHash[:]...)
	proofRoot := ob.ProofRoot()
	header = append(header, proofRoot[:]...)
	putUvarint(&header, uint64(len(groups)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: write header: %v", errs.ErrTransport, err)
	}

	for _, g := range groups {
		if err := encodeGroup(w, data, ob, g); err != nil {
			return err
		}
	}
	return nil
}

func encodeGroup(w io.Writer, data DataReader, ob *Outboard, g int) error {
	chunkHashes := ob.chunksInGroup(g)
	proof := ob.GroupProof(g)

	start := int64(g) * GroupSize * ChunkSize
	end := start + int64(len(chunkHashes))*ChunkSize
	if end > ob.Size {
		end = ob.Size
	}
	raw := make([]byte, end-start)
	if _, err := data.ReadAt(raw, start); err != nil && err != io.EOF {
		return fmt.Errorf("%w: read group %d: %v", errs.ErrResource, g, err)
	}

	frame := make([]byte, 0, len(raw)+256)
	putUvarint(&frame, uint64(g))

	putUvarint(&frame, uint64(len(proof)))
	for _, step := range proof {
		if step.siblingIsRight {
			frame = append(frame, 1)
		} else {
			frame = append(frame, 0)
		}
		frame = append(frame, step.sibling[:]...)
	}

	putUvarint(&frame, uint64(len(chunkHashes)))
	for _, h := range chunkHashes {
		frame = append(frame, h[:]...)
	}

	putUvarint(&frame, uint64(len(raw)))
	frame = append(frame, raw...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write group %d: %v", errs.ErrTransport, g, err)
	}
	return nil
}

// Sink receives verified chunk bytes in ascending chunk order.
type Sink interface {
	io.Writer
}

// fullyCovers reports whether ranges selects every chunk of a size-
// byte blob.
func fullyCovers(ranges rangespec.Set, size int64) bool {
	n := numChunks(size)
	for i := 0; i < n; i++ {
		if !ranges.Contains(rangespec.ChunkIdx(i)) {
			return false
		}
	}
	return true
}

// decodeState carries the header values every frame of one Decode
// call is checked against.
type decodeState struct {
	size      int64
	numGroups int
	proofRoot [32]byte
	lastGroup int
}

// Decode reads a stream produced by Encode and writes exactly the
// chunks covered by ranges to sink, in ascending order, verifying
// everything against root alone. The header's claimed (data digest,
// proof root) pair must hash to root before any frame is trusted;
// each frame's sibling proof must then chain to the bound proof root,
// with a direction path matching the group index the frame claims, in
// strictly ascending group order, and each chunk must match its leaf
// hash under that proof. When ranges covers the whole blob, Decode
// additionally hashes the reassembled bytes and checks them against
// the bound data digest. size is the expected blob size, or -1 to
// accept the (verified) size the stream declares; the accepted size
// is returned. Decode distinguishes transport, integrity, and sink
// errors.
func Decode(r io.Reader, root hashid.Hash, size int64, ranges rangespec.Set, sink Sink) (int64, error) {
	br := &byteReader{r: r}

	streamSize, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, fmt.Errorf("%w: read size: %v", errs.ErrTransport, err)
	}
	if size >= 0 && int64(streamSize) != size {
		return 0, fmt.Errorf("%w: stream declares size %d, expected %d", errs.ErrIntegrity, streamSize, size)
	}

	var dataHash hashid.Hash
	if _, err := io.ReadFull(br, dataHash[:]); err != nil {
		return 0, fmt.Errorf("%w: read data digest: %v", errs.ErrTransport, err)
	}
	var proofRoot [32]byte
	if _, err := io.ReadFull(br, proofRoot[:]); err != nil {
		return 0, fmt.Errorf("%w: read proof root: %v", errs.ErrTransport, err)
	}

	// Anchor: the claimed pair must reproduce the identity hash the
	// caller already knows. Everything after this is checked against
	// the pair, so a stream fabricated for a different blob cannot get
	// past this line no matter how internally consistent it is.
	if rootHash(dataHash, proofRoot) != root {
		return 0, fmt.Errorf("%w: stream header does not bind to the requested root", errs.ErrIntegrity)
	}

	frameCount, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, fmt.Errorf("%w: read frame count: %v", errs.ErrTransport, err)
	}

	full := fullyCovers(ranges, int64(streamSize))
	var hasher *hashid.Hasher
	if full {
		hasher = hashid.NewHasher()
	}

	st := &decodeState{
		size:      int64(streamSize),
		numGroups: numGroups(int64(streamSize)),
		proofRoot: proofRoot,
		lastGroup: -1,
	}
	for i := uint64(0); i < frameCount; i++ {
		if err := decodeGroup(br, st, ranges, sink, hasher); err != nil {
			return 0, err
		}
	}

	if full {
		if hasher.Sum() != dataHash {
			return 0, fmt.Errorf("%w: reassembled data does not match the bound digest", errs.ErrIntegrity)
		}
	}
	return int64(streamSize), nil
}

func decodeGroup(br *byteReader, st *decodeState, ranges rangespec.Set, sink Sink, hasher *hashid.Hasher) error {
	groupIdx64, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("%w: read group index: %v", errs.ErrTransport, err)
	}
	groupIdx := int(groupIdx64)
	if groupIdx >= st.numGroups {
		return fmt.Errorf("%w: group %d out of range for %d groups", errs.ErrIntegrity, groupIdx, st.numGroups)
	}
	if groupIdx <= st.lastGroup {
		return fmt.Errorf("%w: group %d out of order after %d", errs.ErrIntegrity, groupIdx, st.lastGroup)
	}
	st.lastGroup = groupIdx

	numSiblings, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("%w: read proof length: %v", errs.ErrTransport, err)
	}
	proof := make([]proofStep, numSiblings)
	for i := range proof {
		dir, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: read proof direction: %v", errs.ErrTransport, err)
		}
		var sib [32]byte
		if _, err := io.ReadFull(br, sib[:]); err != nil {
			return fmt.Errorf("%w: read proof sibling: %v", errs.ErrTransport, err)
		}
		proof[i] = proofStep{sibling: sib, siblingIsRight: dir == 1}
	}

	// The proof's direction path is fixed by the group's position in
	// the tree, so a frame cannot relabel another group's (valid)
	// proof under a different index.
	wantDirs := proofDirections(st.numGroups, groupIdx)
	if len(proof) != len(wantDirs) {
		return fmt.Errorf("%w: group %d proof has %d steps, want %d", errs.ErrIntegrity, groupIdx, len(proof), len(wantDirs))
	}
	for i, step := range proof {
		if step.siblingIsRight != wantDirs[i] {
			return fmt.Errorf("%w: group %d proof path does not match its position", errs.ErrIntegrity, groupIdx)
		}
	}

	numChunkHashes, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("%w: read chunk-hash count: %v", errs.ErrTransport, err)
	}
	chunkHashes := make([][32]byte, numChunkHashes)
	for i := range chunkHashes {
		if _, err := io.ReadFull(br, chunkHashes[i][:]); err != nil {
			return fmt.Errorf("%w: read chunk hash: %v", errs.ErrTransport, err)
		}
	}

	rawLen, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("%w: read payload length: %v", errs.ErrTransport, err)
	}
	groupStart := int64(groupIdx) * GroupSize * ChunkSize
	wantLen := st.size - groupStart
	if limit := int64(GroupSize * ChunkSize); wantLen > limit {
		wantLen = limit
	}
	if int64(rawLen) != wantLen {
		return fmt.Errorf("%w: group %d payload is %d bytes, want %d", errs.ErrIntegrity, groupIdx, rawLen, wantLen)
	}
	raw := make([]byte, rawLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return fmt.Errorf("%w: read payload: %v", errs.ErrTransport, err)
	}

	// Verify each chunk against its declared leaf hash, recompute the
	// group hash from those leaves, and chain it through the sibling
	// proof to the proof root the stream header bound to the blob's
	// identity. Only then is any byte of this frame trusted.
	for i, declared := range chunkHashes {
		chunkStart := i * ChunkSize
		chunkEnd := chunkStart + ChunkSize
		if chunkEnd > len(raw) {
			chunkEnd = len(raw)
		}
		if leafHash(raw[chunkStart:chunkEnd]) != declared {
			return fmt.Errorf("%w: chunk %d of group %d failed hash check", errs.ErrIntegrity, i, groupIdx)
		}
	}
	groupHash := treeRoot(chunkHashes)
	if verifyProof(groupHash, proof) != st.proofRoot {
		return fmt.Errorf("%w: group %d proof does not chain to the bound proof root", errs.ErrIntegrity, groupIdx)
	}

	// Emit only the chunks this group contributes that fall within
	// the requested ranges, in ascending chunk order.
	firstChunk := groupIdx * GroupSize
	for i := 0; i < len(chunkHashes); i++ {
		chunkStart := i * ChunkSize
		chunkEnd := chunkStart + ChunkSize
		if chunkEnd > len(raw) {
			chunkEnd = len(raw)
		}
		if hasher != nil {
			if _, err := hasher.Write(raw[chunkStart:chunkEnd]); err != nil {
				return fmt.Errorf("%w: hash chunk %d of group %d: %v", errs.ErrResource, i, groupIdx, err)
			}
		}
		chunkIdx := rangespec.ChunkIdx(firstChunk + i)
		if !ranges.Contains(chunkIdx) {
			continue
		}
		if _, err := sink.Write(raw[chunkStart:chunkEnd]); err != nil {
			return fmt.Errorf("%w: write sink: %v", errs.ErrResource, err)
		}
	}
	return nil
}

// byteReader adapts an io.Reader to io.ByteReader for binary.ReadUvarint.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
