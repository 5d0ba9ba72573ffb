// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provider

// RequestAuthorizationHandler is a user-supplied extension point,
// invoked once per stream with the request's opaque token. A non-nil
// error aborts the stream.
type RequestAuthorizationHandler interface {
	Authorize(token []byte, req Request) error
}

// CustomGetHandler synthesizes a GetRequest from an opaque
// CustomGetRequest payload.
type CustomGetHandler interface {
	Handle(data []byte) (GetRequest, error)
}

// AllowAll authorizes every request unconditionally, for tests and
// deployments with no authorization requirement.
type AllowAll struct{}

func (AllowAll) Authorize([]byte, Request) error { return nil }
