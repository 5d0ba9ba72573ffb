// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package baostream

import (
	"fmt"
	"io"

	"github.com/luxfi/meshcore/hashid"
)

// Outboard is the precomputed, randomly-addressable tree-hash proof
// data for one blob. It stores one BLAKE3 leaf hash per chunk; group
// hashes and sibling proofs are derived from these on demand (cheap
// relative to rehashing blob bytes, the property the format exists to
// provide).
type Outboard struct {
	Size        int64
	ChunkHashes [][32]byte

	// dataHash is the plain BLAKE3 digest of the blob's raw bytes,
	// accumulated by BuildOutboard alongside the per-chunk leaf
	// hashes, or read back from a persisted outboard file.
	dataHash hashid.Hash

	// hash is the blob's identity: rootHash(dataHash, ProofRoot()).
	hash hashid.Hash
}

// NumChunks returns ceil(Size / ChunkSize).
func (o *Outboard) NumChunks() int {
	return numChunks(o.Size)
}

func numChunks(size int64) int {
	if size == 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// NumGroups returns ceil(NumChunks / GroupSize).
func (o *Outboard) NumGroups() int {
	return numGroups(o.Size)
}

func numGroups(size int64) int {
	n := numChunks(size)
	if n == 0 {
		return 0
	}
	return (n + GroupSize - 1) / GroupSize
}

// chunksInGroup returns the chunk-leaf slice belonging to group g.
func (o *Outboard) chunksInGroup(g int) [][32]byte {
	start := g * GroupSize
	end := start + GroupSize
	if end > len(o.ChunkHashes) {
		end = len(o.ChunkHashes)
	}
	return o.ChunkHashes[start:end]
}

// groupHashes returns one combined hash per group, in order.
func (o *Outboard) groupHashes() [][32]byte {
	n := o.NumGroups()
	out := make([][32]byte, n)
	for g := 0; g < n; g++ {
		out[g] = treeRoot(o.chunksInGroup(g))
	}
	return out
}

// Root returns the blob's identity hash: BLAKE3 over the domain tag,
// the plain data digest, and the proof-tree root. Every verified
// range a decoder accepts is anchored to this value.
func (o *Outboard) Root() hashid.Hash { return o.hash }

// DataHash returns the plain BLAKE3 digest of the blob's raw bytes.
func (o *Outboard) DataHash() hashid.Hash { return o.dataHash }

// ProofRoot returns the root of the group-proof tree. The empty blob
// has no groups; its proof root is the leaf hash of the empty chunk.
func (o *Outboard) ProofRoot() [32]byte {
	groups := o.groupHashes()
	if len(groups) == 0 {
		return leafHash(nil)
	}
	return treeRoot(groups)
}

// GroupProof returns the sibling path from group g's hash to the
// proof root.
func (o *Outboard) GroupProof(g int) []proofStep {
	return buildProof(o.groupHashes(), g)
}

// seal derives the identity hash from the chunk hashes and data
// digest already present.
func (o *Outboard) seal() {
	o.hash = rootHash(o.dataHash, o.ProofRoot())
}

// RestoreOutboard rebuilds an Outboard from persisted parts: the
// blob's size, its plain data digest, and its per-chunk leaf hashes,
// re-deriving the identity hash from them.
func RestoreOutboard(size int64, dataHash hashid.Hash, chunkHashes [][32]byte) *Outboard {
	ob := &Outboard{Size: size, ChunkHashes: chunkHashes, dataHash: dataHash}
	ob.seal()
	return ob
}

// BuildOutboard hashes data chunk-by-chunk, reading each chunk via
// ReadAt at its known offset (data is typically a vfs.ReadRaw, which
// is random-access by construction; there is no sequential reader to
// preserve here). It returns the resulting Outboard together with the
// blob's identity hash, which commits to both the plain BLAKE3 digest
// of the full byte stream and the proof tree built over its chunks.
func BuildOutboard(data io.ReaderAt, size int64) (*Outboard, hashid.Hash, error) {
	ob := &Outboard{Size: size, ChunkHashes: make([][32]byte, 0, numChunks(size))}
	hasher := hashid.NewHasher()
	buf := make([]byte, ChunkSize)
	var read int64
	for read < size {
		want := int64(ChunkSize)
		if remaining := size - read; remaining < want {
			want = remaining
		}
		n, err := data.ReadAt(buf[:want], read)
		if err != nil && err != io.EOF {
			return nil, hashid.Hash{}, fmt.Errorf("baostream: read chunk at %d: %w", read, err)
		}
		if int64(n) != want {
			return nil, hashid.Hash{}, fmt.Errorf("baostream: short chunk read at %d: got %d want %d", read, n, want)
		}
		if _, err := hasher.Write(buf[:n]); err != nil {
			return nil, hashid.Hash{}, fmt.Errorf("baostream: hash chunk at %d: %w", read, err)
		}
		ob.ChunkHashes = append(ob.ChunkHashes, leafHash(buf[:n]))
		read += int64(n)
	}
	ob.dataHash = hasher.Sum()
	ob.seal()
	return ob, ob.hash, nil
}
