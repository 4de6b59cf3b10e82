// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for worker operations.
var (
	// ErrWorkerUnavailable indicates the worker failed to start or died.
	// The bridge restarts the worker on the next request, so callers may retry.
	ErrWorkerUnavailable = errors.New("pike worker unavailable")

	// ErrWorkerNotInstalled indicates the worker binary was not found.
	ErrWorkerNotInstalled = errors.New("pike worker not installed")

	// ErrRequestTimeout indicates no correlated response arrived in time.
	ErrRequestTimeout = errors.New("pike worker request timeout")

	// ErrHandshakeFailed indicates the worker started but never reported ready.
	ErrHandshakeFailed = errors.New("pike worker handshake failed")

	// ErrInvalidResponse indicates the worker response could not be parsed.
	ErrInvalidResponse = errors.New("invalid pike worker response")

	// ErrBridgeStopped indicates Shutdown was called. The bridge does not restart.
	ErrBridgeStopped = errors.New("pike bridge stopped")

	// errProtocolClosed is returned for sends on a closed protocol.
	errProtocolClosed = errors.New("protocol closed")
)

// JSON-RPC error codes used by the worker.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeCompileError is returned by the worker when Pike itself throws while
	// compiling. The diagnostics are still reported through the result.
	CodeCompileError = -32001
)

// RPCError is an error returned by the worker via JSON-RPC.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the worker.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("worker error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the worker does not implement the method.
func (e *RPCError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRetryable reports whether err is a transient worker-level failure.
//
// Worker crashes and timeouts are retryable: the bridge restarts the worker
// on the next request. Errors returned by a healthy worker are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrWorkerUnavailable) || errors.Is(err, ErrRequestTimeout)
}
