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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version spoken by the worker.
const JSONRPCVersion = "2.0"

// maxFrameSize bounds a single worker message. Introspection of large stdlib
// modules is the biggest payload we expect.
const maxFrameSize = 64 << 20

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID is the request identifier. Omit for notifications.
	ID int64 `json:"id,omitempty"`

	// Method is the worker method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID is the request identifier this response corresponds to.
	ID int64 `json:"id"`

	// Result contains the method result (mutually exclusive with Error).
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains error information (mutually exclusive with Result).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError represents a JSON-RPC error.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// callResult is delivered to a pending request slot. Either resp is set or
// err explains why no response will ever arrive.
type callResult struct {
	resp Response
	err  error
}

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication with the worker over its pipes.
//
// Description:
//
//	Implements Content-Length framing and request/response correlation.
//	Any number of requests may be in flight at once; responses are matched
//	to their callers by id, so the worker may answer out of order.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests
//	and notifications simultaneously.
type Protocol struct {
	reader    *bufio.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan callResult
	pendingMu sync.Mutex
	closed    bool // guarded by pendingMu
	closeErr  error
}

// NewProtocol creates a new protocol handler.
//
// Inputs:
//
//	r - Reader for worker output (stdout pipe)
//	w - Writer for worker input (stdin pipe)
//
// Outputs:
//
//	*Protocol - The protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Protocol{
		reader:  reader,
		writer:  w,
		pending: make(map[int64]chan callResult),
	}
}

// SendRequest sends a request and waits for the correlated response.
//
// Description:
//
//	Registers a pending slot under a fresh id, writes the request and
//	blocks until the matching response arrives, the protocol is closed,
//	or ctx is done.
//
// Outputs:
//
//	*Response - The worker's response
//	error - ErrRequestTimeout on deadline, the close cause if the protocol
//	        was closed while waiting, *RPCError if the worker returned one
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	id := atomic.AddInt64(&p.nextID, 1)
	respCh := make(chan callResult, 1)

	// Registration and the closed check share a lock so Close cannot miss a slot.
	p.pendingMu.Lock()
	if p.closed {
		err := p.closeErr
		p.pendingMu.Unlock()
		return nil, err
	}
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer p.forget(id)

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (id %d)", ErrRequestTimeout, method, id)
		}
		return nil, ctx.Err()
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, &RPCError{
				Code:    res.resp.Error.Code,
				Message: res.resp.Error.Message,
				Data:    res.resp.Error.Data,
			}
		}
		return &res.resp, nil
	}
}

// SendNotification sends a notification (no response expected).
func (p *Protocol) SendNotification(method string, params interface{}) error {
	p.pendingMu.Lock()
	closed, closeErr := p.closed, p.closeErr
	p.pendingMu.Unlock()
	if closed {
		return closeErr
	}

	return p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// Pending returns the number of requests awaiting a response.
func (p *Protocol) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

func (p *Protocol) forget(id int64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

// writeMessage marshals and writes one framed message.
func (p *Protocol) writeMessage(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.writer, v)
}

// ReadLoop reads messages from the worker and dispatches responses.
//
// Description:
//
//	Runs until the worker closes stdout, a framing error occurs or ctx is
//	cancelled. Notifications from the worker are dropped.
//
// Outputs:
//
//	error - io.EOF when the worker closed its output, otherwise the read
//	        error or ctx.Err()
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := readFrame(p.reader)
		if err != nil {
			return err
		}
		p.handleMessage(body)
	}
}

// handleMessage routes a response to its pending slot.
func (p *Protocol) handleMessage(body json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == 0 {
		return
	}

	p.pendingMu.Lock()
	ch, ok := p.pending[resp.ID]
	p.pendingMu.Unlock()

	if ok {
		select {
		case ch <- callResult{resp: resp}:
		default:
		}
	}
}

// Close fails every pending request with cause and rejects further sends.
//
// Description:
//
//	Does not close the underlying pipes. Idempotent: the first cause wins.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) Close(cause error) {
	if cause == nil {
		cause = errProtocolClosed
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = cause

	for id, ch := range p.pending {
		select {
		case ch <- callResult{err: cause}:
		default:
		}
		delete(p.pending, id)
	}
}

// =============================================================================
// FRAMING
// =============================================================================

// writeFrame writes v as JSON with a Content-Length header.
func writeFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	header := "Content-Length: " + strconv.Itoa(len(data)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readFrame reads one Content-Length framed message body.
func readFrame(r *bufio.Reader) (json.RawMessage, error) {
	contentLength := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if contentLength == -1 {
				// Stray blank line between frames.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length value %q: %w", value, err)
		}
		if n <= 0 || n > maxFrameSize {
			return nil, fmt.Errorf("Content-Length out of range: %d", n)
		}
		contentLength = n
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
