// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pikels

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/documents"
	"github.com/AleutianAI/pikels/services/pikels/resolver"
)

// Sentinel errors for the analysis service.
var (
	// ErrServiceStopped indicates Shutdown was called.
	ErrServiceStopped = errors.New("pikels service stopped")

	// ErrInvalidPolicy indicates an unknown cross-file invalidation policy.
	ErrInvalidPolicy = errors.New("invalid invalidation policy")
)

// Layer names where a failure originated.
type Layer string

const (
	// LayerLSP covers request handling: unknown documents, bad positions.
	LayerLSP Layer = "lsp"

	// LayerBridge covers the transport: the worker is down, restarting or
	// did not answer in time.
	LayerBridge Layer = "bridge"

	// LayerWorker covers errors the Pike worker itself reported.
	LayerWorker Layer = "worker"
)

// Error is a failure surfaced to service callers.
//
// Description:
//
//	Every error returned by Service operations is an *Error so that the
//	frontend can tell a dead worker (retry later) from a worker-reported
//	problem (show it) from a bad request. The cause stays reachable through
//	errors.Is and errors.As.
type Error struct {
	Layer Layer
	Op    string
	URI   string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Layer, e.Op, e.URI, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Layer, e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool {
	return e.Layer == LayerBridge && bridge.IsRetryable(e.Err)
}

// wrapError classifies err into an *Error. nil stays nil and an *Error is
// returned unchanged.
func wrapError(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}
	return &Error{Layer: layerOf(err), Op: op, URI: uri, Err: err}
}

func layerOf(err error) Layer {
	var rpcErr *bridge.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return LayerWorker
	case errors.Is(err, bridge.ErrWorkerUnavailable),
		errors.Is(err, bridge.ErrWorkerNotInstalled),
		errors.Is(err, bridge.ErrRequestTimeout),
		errors.Is(err, bridge.ErrHandshakeFailed),
		errors.Is(err, bridge.ErrInvalidResponse),
		errors.Is(err, bridge.ErrBridgeStopped),
		errors.Is(err, context.DeadlineExceeded):
		return LayerBridge
	case errors.Is(err, documents.ErrDocumentNotFound),
		errors.Is(err, documents.ErrDocumentNotOpen),
		errors.Is(err, documents.ErrDocumentUnstable),
		errors.Is(err, resolver.ErrInvalidPath),
		errors.Is(err, ErrServiceStopped),
		errors.Is(err, context.Canceled):
		return LayerLSP
	default:
		return LayerBridge
	}
}
