// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs defines the error taxonomy shared by every meshcore
// component: transport failures, protocol violations, authorization
// rejections, missing content, integrity failures, resource exhaustion,
// and cancellation. Components return sentinel errors from this package
// (optionally wrapped with fmt.Errorf's %w) so callers can classify a
// failure with errors.Is/errors.As without depending on the package
// that produced it.
package errs

import "errors"

// Sentinel errors, one per failure class. Wrap with
// fmt.Errorf("...: %w", err) to attach detail while keeping the class
// classifiable via errors.Is.
var (
	// ErrTransport covers stream closed, peer gone, write failed.
	ErrTransport = errors.New("errs: transport failure")

	// ErrProtocol covers unexpected frames, trailing bytes after a
	// request, double-init, or any other framing violation.
	ErrProtocol = errors.New("errs: protocol violation")

	// ErrAuthorization covers a rejected authorization handler.
	ErrAuthorization = errors.New("errs: authorization rejected")

	// ErrNotFound covers a requested hash absent from the local blob
	// map, or a replica key with no entry.
	ErrNotFound = errors.New("errs: not found")

	// ErrIntegrity covers BLAKE3 verification failure, signature
	// verification failure, or outboard/data inconsistency.
	ErrIntegrity = errors.New("errs: integrity check failed")

	// ErrResource covers VFS errors and out-of-space conditions.
	ErrResource = errors.New("errs: resource error")

	// ErrCanceled covers a task dropped or an actor shut down.
	ErrCanceled = errors.New("errs: canceled")
)
