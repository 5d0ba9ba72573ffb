// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package baostream implements the verified-range encoder/decoder:
// given a data reader, its precomputed Outboard, and a set of chunk
// ranges, stream a framed, per-chunk-hashed byte sequence a receiver
// holding only the blob's root hash can verify.
//
// A blob's identity hash (Outboard.Root) commits to two values at
// once: the plain BLAKE3 digest of its bytes (DataHash) and the root
// of the group-proof tree built over its chunks (ProofRoot), combined
// as BLAKE3(domain || dataHash || proofRoot). The proof tree is this
// package's own structure, not a reimplementation of BLAKE3's
// internal tree (which a byte-exact "bao" format would require):
// leaves are domain-separated BLAKE3 hashes of individual 16 KiB
// chunks, combined 4-at-a-time into group hashes, which are in turn
// combined into the proof root using the same left-subtree-is-largest-
// power-of-two-less-than-n rule BLAKE3 itself uses. Because the root
// hash binds the proof root, a decoder can verify any chunk range,
// partial or full, against the root alone: the stream's claimed
// (dataHash, proofRoot) pair must hash to the root, and every group's
// sibling proof must then chain to that bound proof root at the
// position the group claims.
package baostream

import (
	"github.com/zeebo/blake3"

	"github.com/luxfi/meshcore/hashid"
)

const (
	// ChunkSize is the base verified-streaming unit, 16 KiB.
	ChunkSize = 1 << 14
	// GroupSize is the outboard's subtree granularity, 4 chunks (64 KiB).
	GroupSize = 4
)

const (
	domainLeaf = 0x00
	domainNode = 0x01
	domainRoot = 0x02
)

func leafHash(chunk []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte{domainLeaf})
	h.Write(chunk)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func nodeHash(left, right [32]byte) [32]byte {
	h := blake3.New()
	h.Write([]byte{domainNode})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// rootHash combines a blob's plain data digest and its proof-tree root
// into the blob's identity hash. Binding both means a decoder that
// knows only the identity can authenticate a claimed proof root before
// trusting any per-group proof against it.
func rootHash(dataHash hashid.Hash, proofRoot [32]byte) hashid.Hash {
	h := blake3.New()
	h.Write([]byte{domainRoot})
	h.Write(dataHash.Bytes())
	h.Write(proofRoot[:])
	var out hashid.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// leftLen returns the length of the left subtree for a tree of n
// leaves (n >= 2): the largest power of two strictly less than n,
// mirroring BLAKE3's own tree-splitting rule.
func leftLen(n int) int {
	p := 1
	for p*2 < n {
		p *= 2
	}
	return p
}

// treeRoot recursively combines leaves into a single root hash. Panics
// if leaves is empty; callers must not call it on an empty slice.
func treeRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 1 {
		return leaves[0]
	}
	split := leftLen(len(leaves))
	left := treeRoot(leaves[:split])
	right := treeRoot(leaves[split:])
	return nodeHash(left, right)
}

// proofStep is one sibling hash encountered walking from a leaf up to
// the root, in leaf-to-root order.
type proofStep struct {
	sibling        [32]byte
	siblingIsRight bool
}

// buildProof returns the sibling path from leaves[idx] up to the root
// of treeRoot(leaves).
func buildProof(leaves [][32]byte, idx int) []proofStep {
	if len(leaves) == 1 {
		return nil
	}
	split := leftLen(len(leaves))
	if idx < split {
		rest := buildProof(leaves[:split], idx)
		rightRoot := treeRoot(leaves[split:])
		return append(rest, proofStep{sibling: rightRoot, siblingIsRight: true})
	}
	rest := buildProof(leaves[split:], idx-split)
	leftRoot := treeRoot(leaves[:split])
	return append(rest, proofStep{sibling: leftRoot, siblingIsRight: false})
}

// proofDirections returns the sibling-side sequence a valid proof for
// leaf idx in a tree of n leaves must have, leaf-to-root order. The
// directions are a function of position alone, so a decoder can check
// that a frame's proof actually belongs to the group index the frame
// claims, not just that it chains to the right root from somewhere.
func proofDirections(n, idx int) []bool {
	if n <= 1 {
		return nil
	}
	split := leftLen(n)
	if idx < split {
		return append(proofDirections(split, idx), true)
	}
	return append(proofDirections(n-split, idx-split), false)
}

// verifyProof recomputes the root from a leaf hash and its sibling
// path, returning the recomputed root.
func verifyProof(leaf [32]byte, steps []proofStep) [32]byte {
	cur := leaf
	for _, s := range steps {
		if s.siblingIsRight {
			cur = nodeHash(cur, s.sibling)
		} else {
			cur = nodeHash(s.sibling, cur)
		}
	}
	return cur
}
