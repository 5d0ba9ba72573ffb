// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashid

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeySize is the length in bytes of an Ed25519 verifying key.
const KeySize = ed25519.PublicKeySize

// AuthorId is the 32-byte verifying key of a Record's author.
type AuthorId [KeySize]byte

// NamespaceId is the 32-byte verifying key of a Replica's namespace.
type NamespaceId [KeySize]byte

func (id AuthorId) String() string    { return hex.EncodeToString(id[:]) }
func (id NamespaceId) String() string { return hex.EncodeToString(id[:]) }

func (id AuthorId) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id NamespaceId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// Less orders AuthorId/NamespaceId byte-lexicographically.
func (id AuthorId) Less(o AuthorId) bool       { return lessBytes(id[:], o[:]) }
func (id NamespaceId) Less(o NamespaceId) bool { return lessBytes(id[:], o[:]) }

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// verifyStrict checks a pure Ed25519 signature (no pre-hash) through
// VerifyWithOptions. It accepts exactly what ed25519.Verify accepts;
// that check already rejects a non-canonical S.
func verifyStrict(pub ed25519.PublicKey, msg, sig []byte) bool {
	opts := &ed25519.Options{Hash: crypto.Hash(0)}
	err := ed25519.VerifyWithOptions(pub, msg, sig, opts)
	return err == nil
}

// Signature is a detached Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

func (s Signature) Bytes() []byte { return s[:] }

// Author is an Ed25519 signing key identifying the writer of Records.
type Author struct {
	priv ed25519.PrivateKey
}

// NewAuthor generates a fresh Author signing key.
func NewAuthor() (Author, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Author{}, fmt.Errorf("hashid: generate author key: %w", err)
	}
	return Author{priv: priv}, nil
}

// AuthorFromSeed deterministically derives an Author from a 32-byte
// seed, primarily for tests.
func AuthorFromSeed(seed [32]byte) Author {
	return Author{priv: ed25519.NewKeyFromSeed(seed[:])}
}

// Id returns the author's public verifying id.
func (a Author) Id() AuthorId {
	var id AuthorId
	copy(id[:], a.priv.Public().(ed25519.PublicKey))
	return id
}

// Sign signs msg, returning a detached signature.
func (a Author) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(a.priv, msg))
	return sig
}

// VerifyingKey is an alias of AuthorId, the public key that verifies
// an author's signatures (the value Author.Id returns).
type VerifyingKey = AuthorId

// Namespace is an Ed25519 signing key identifying a replica.
type Namespace struct {
	priv ed25519.PrivateKey
}

// NewNamespace generates a fresh Namespace signing key.
func NewNamespace() (Namespace, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Namespace{}, fmt.Errorf("hashid: generate namespace key: %w", err)
	}
	return Namespace{priv: priv}, nil
}

// NamespaceFromSeed deterministically derives a Namespace from a
// 32-byte seed, primarily for tests.
func NamespaceFromSeed(seed [32]byte) Namespace {
	return Namespace{priv: ed25519.NewKeyFromSeed(seed[:])}
}

// Id returns the namespace's public verifying id.
func (n Namespace) Id() NamespaceId {
	var id NamespaceId
	copy(id[:], n.priv.Public().(ed25519.PublicKey))
	return id
}

// Sign signs msg, returning a detached signature.
func (n Namespace) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(n.priv, msg))
	return sig
}

// VerifyAuthor reports whether sig is a strict, valid signature by id
// over msg.
func VerifyAuthor(id AuthorId, msg []byte, sig Signature) bool {
	return verifyStrict(ed25519.PublicKey(id[:]), msg, sig[:])
}

// VerifyNamespace reports whether sig is a strict, valid signature by
// id over msg.
func VerifyNamespace(id NamespaceId, msg []byte, sig Signature) bool {
	return verifyStrict(ed25519.PublicKey(id[:]), msg, sig[:])
}
