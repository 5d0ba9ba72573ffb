// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hashid provides the content-hash and signing-key primitives
// shared by every meshcore component: 32-byte BLAKE3 content hashes,
// and Ed25519 author/namespace signing and verifying keys.
package hashid

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is an opaque 32-byte BLAKE3 content digest. The zero Hash never
// arises from hashing (BLAKE3 of the empty string is non-zero) so it
// doubles as an "empty/unset" sentinel where useful.
type Hash [Size]byte

// Bytes returns the hash's raw bytes without copying; callers must
// not mutate the returned slice.
func (h Hash) Bytes() []byte { return h[:] }

// String renders the hash as lowercase hex.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("hashid: decode hash: %w", err)
	}
	if len(b) != Size {
		return fmt.Errorf("hashid: hash must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return nil
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// Less gives Hash a byte-lexicographic total order, used directly by
// the reconciliation engine's key ordering.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// FromBytes copies b into a new Hash. b must be exactly Size bytes.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("hashid: hash must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes returns the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Hasher streams BLAKE3 input incrementally, for callers that do not
// want to buffer an entire blob before hashing it.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a streaming BLAKE3 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the accumulated digest without resetting the hasher.
func (h *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.h.Sum(nil))
	return out
}

// HashReader hashes the full contents of r.
func HashReader(r io.Reader) (Hash, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, fmt.Errorf("hashid: hash reader: %w", err)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
