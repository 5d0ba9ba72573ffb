// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the length-prefixed framing and the
// compact deterministic binary codec shared by every meshcore wire
// message: Request, SignedEntry, ProtocolMessage, Op, and the
// live-sync Message envelope. Uses github.com/fxamacker/cbor/v2 in
// canonical mode so both peers produce byte-identical encodings of
// the same abstract value.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Version is the current wire codec version, carried implicitly by
// being the only version meshcore speaks; kept as a named constant so
// a future incompatible change has somewhere to branch from.
const Version uint16 = 1

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build canonical cbor encoder: %v", err))
	}
	return mode
}

// Marshal encodes v using the canonical (deterministic) CBOR
// encoding.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

// WriteLP writes a varint length followed by payload.
func WriteLP(w io.Writer, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// WriteLPValue marshals v and writes it length-prefixed.
func WriteLPValue(w io.Writer, v interface{}) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteLP(w, b)
}

// ByteReader is the minimal reader ReadLP needs: byte-at-a-time for
// the varint length, then bulk for the payload.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// AsByteReader adapts a plain io.Reader, buffering if necessary.
func AsByteReader(r io.Reader) ByteReader {
	if br, ok := r.(ByteReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// ReadLP reads one length-prefixed frame, returning (nil, io.EOF) if
// the stream ends cleanly between frames.
func ReadLP(r ByteReader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return buf, nil
}

// ReadLPValue reads one length-prefixed frame and unmarshals it into v.
func ReadLPValue(r ByteReader, v interface{}) error {
	b, err := ReadLP(r)
	if err != nil {
		return err
	}
	return Unmarshal(b, v)
}
