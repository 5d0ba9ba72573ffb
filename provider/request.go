// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package provider is the blob provider engine: it accepts
// bidirectional streams, parses a typed request, optionally
// authorizes it, serves the root blob and/or walks a collection to
// serve child blobs, and emits lifecycle events.
package provider

import (
	"github.com/luxfi/meshcore/hashid"
	"github.com/luxfi/meshcore/rangespec"
)

// RequestKind discriminates the two request shapes a client may send.
type RequestKind uint8

const (
	KindGet RequestKind = iota
	KindCustomGet
)

// GetRequest is a direct request for specific ranges of a known hash.
type GetRequest struct {
	Hash   hashid.Hash
	Ranges rangespec.Spec
	Token  []byte `cbor:",omitempty"`
}

// CustomGetRequest is an opaque blob the server routes to a
// user-supplied handler, which must return a GetRequest that is then
// served.
type CustomGetRequest struct {
	Data  []byte
	Token []byte `cbor:",omitempty"`
}

// Request is the single length-prefixed message a client sends to
// open a provider stream.
type Request struct {
	Kind      RequestKind
	Get       *GetRequest       `cbor:",omitempty"`
	CustomGet *CustomGetRequest `cbor:",omitempty"`
}

// Token returns the request's opaque authorization token regardless
// of which variant carries it; authorization is keyed off the same
// field for both.
func (r Request) Token() []byte {
	if r.Get != nil {
		return r.Get.Token
	}
	if r.CustomGet != nil {
		return r.CustomGet.Token
	}
	return nil
}
