// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vfs is the content-agnostic, handle-based file store used
// by the blob map: create typed temp files, open them for
// random-access read/write, delete them, enumerate them.
package vfs

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/luxfi/meshcore/hashid"
)

// Kind distinguishes the six file purposes.
type Kind uint8

const (
	KindPartialData Kind = iota
	KindData
	KindPartialOutboard
	KindOutboard
	KindPaths
	KindMeta
)

// Purpose is a typed, displayable file-name tag. Display and parse
// forms are deterministic: `<hex-hash>[-<hex-uuid>].<ext>` for
// hash-keyed purposes, `<hex-name>.meta` for Meta.
type Purpose struct {
	Kind Kind
	Hash hashid.Hash // valid for all kinds except Meta
	UUID uuid.UUID   // valid only for PartialData/PartialOutboard
	Name string      // valid only for Meta
}

func extFor(k Kind) string {
	switch k {
	case KindPartialData, KindData:
		return "data"
	case KindPartialOutboard, KindOutboard:
		return "outboard"
	case KindPaths:
		return "paths"
	case KindMeta:
		return "meta"
	default:
		return "bin"
	}
}

// Display renders the purpose's deterministic on-disk file name.
func (p Purpose) Display() string {
	ext := extFor(p.Kind)
	if p.Kind == KindMeta {
		return fmt.Sprintf("%s.%s", hex.EncodeToString([]byte(p.Name)), ext)
	}
	if p.Kind == KindPartialData || p.Kind == KindPartialOutboard {
		return fmt.Sprintf("%s-%s.%s", p.Hash.String(), hex.EncodeToString(p.UUID[:]), ext)
	}
	return fmt.Sprintf("%s.%s", p.Hash.String(), ext)
}

// ParsePurpose inverts Display for each of the six kinds.
func ParsePurpose(name string) (Purpose, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return Purpose{}, fmt.Errorf("vfs: %q has no extension", name)
	}
	stem, ext := name[:dot], name[dot+1:]

	switch ext {
	case "meta":
		raw, err := hexDecode(stem)
		if err != nil {
			return Purpose{}, fmt.Errorf("vfs: parse %q: bad meta name: %w", name, err)
		}
		return Purpose{Kind: KindMeta, Name: string(raw)}, nil
	case "data", "outboard", "paths":
		hashPart, uuidPart, hasUUID := strings.Cut(stem, "-")
		h, err := hashFromHex(hashPart)
		if err != nil {
			return Purpose{}, fmt.Errorf("vfs: parse %q: %w", name, err)
		}
		p := Purpose{Hash: h}
		if hasUUID {
			raw, err := hexDecode(uuidPart)
			if err != nil {
				return Purpose{}, fmt.Errorf("vfs: parse %q: bad uuid: %w", name, err)
			}
			u, err := uuid.FromBytes(raw)
			if err != nil {
				return Purpose{}, fmt.Errorf("vfs: parse %q: bad uuid: %w", name, err)
			}
			p.UUID = u
			if ext == "data" {
				p.Kind = KindPartialData
			} else if ext == "outboard" {
				p.Kind = KindPartialOutboard
			} else {
				return Purpose{}, fmt.Errorf("vfs: parse %q: partial .paths is not a valid purpose", name)
			}
		} else {
			switch ext {
			case "data":
				p.Kind = KindData
			case "outboard":
				p.Kind = KindOutboard
			case "paths":
				p.Kind = KindPaths
			}
		}
		return p, nil
	default:
		return Purpose{}, fmt.Errorf("vfs: %q has unknown extension %q", name, ext)
	}
}

func hashFromHex(s string) (hashid.Hash, error) {
	b, err := hexDecode(s)
	if err != nil {
		return hashid.Hash{}, err
	}
	return hashid.FromBytes(b)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// DataPurpose returns the complete-data Purpose for hash.
func DataPurpose(hash hashid.Hash) Purpose { return Purpose{Kind: KindData, Hash: hash} }

// OutboardPurpose returns the complete-outboard Purpose for hash.
func OutboardPurpose(hash hashid.Hash) Purpose { return Purpose{Kind: KindOutboard, Hash: hash} }

// PartialDataPurpose returns a fresh partial-data Purpose for hash,
// uniquely tagged so concurrent incomplete writers never collide.
func PartialDataPurpose(hash hashid.Hash, id uuid.UUID) Purpose {
	return Purpose{Kind: KindPartialData, Hash: hash, UUID: id}
}

// PartialOutboardPurpose returns a fresh partial-outboard Purpose for
// hash, tagged with the same uuid as its companion PartialData.
func PartialOutboardPurpose(hash hashid.Hash, id uuid.UUID) Purpose {
	return Purpose{Kind: KindPartialOutboard, Hash: hash, UUID: id}
}

// PathsPurpose returns the external-reference-list Purpose for hash.
func PathsPurpose(hash hashid.Hash) Purpose { return Purpose{Kind: KindPaths, Hash: hash} }

// MetaPurpose returns a named metadata Purpose.
func MetaPurpose(name string) Purpose { return Purpose{Kind: KindMeta, Name: name} }
