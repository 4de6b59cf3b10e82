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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// pipePair connects a Protocol to an in-process fake worker.
type pipePair struct {
	protocol *Protocol

	// requests receives every request the protocol writes.
	requests *bufio.Reader

	// respond writes frames back to the protocol.
	respond io.WriteCloser
}

func newPipePair(t *testing.T) *pipePair {
	t.Helper()

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	p := NewProtocol(fromWorkerR, toWorkerW)
	pair := &pipePair{
		protocol: p,
		requests: bufio.NewReader(toWorkerR),
		respond:  fromWorkerW,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.ReadLoop(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		_ = fromWorkerW.Close()
		_ = toWorkerR.Close()
		<-done
	})
	return pair
}

func (pp *pipePair) nextRequest(t *testing.T) Request {
	t.Helper()
	body, err := readFrame(pp.requests)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func (pp *pipePair) reply(t *testing.T, id int64, result interface{}) {
	t.Helper()
	raw, _ := json.Marshal(result)
	if err := writeFrame(pp.respond, Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func TestWriteFrame(t *testing.T) {
	t.Run("writes Content-Length header", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeFrame(&buf, Request{JSONRPC: "2.0", ID: 1, Method: "compile"}); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}

		output := buf.String()
		if !strings.HasPrefix(output, "Content-Length: ") {
			t.Errorf("missing Content-Length header in: %s", output)
		}
		header, body, ok := strings.Cut(output, "\r\n\r\n")
		if !ok {
			t.Fatalf("missing header terminator in: %q", output)
		}
		if want := fmt.Sprintf("Content-Length: %d", len(body)); header != want {
			t.Errorf("header = %q, want %q", header, want)
		}
	})

	t.Run("writes valid JSON body", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeFrame(&buf, Request{JSONRPC: "2.0", ID: 7, Method: "compile"}); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}

		output := buf.String()
		for _, want := range []string{`"jsonrpc":"2.0"`, `"id":7`, `"method":"compile"`} {
			if !strings.Contains(output, want) {
				t.Errorf("missing %s in: %s", want, output)
			}
		}
	})
}

func TestReadFrame(t *testing.T) {
	t.Run("reads valid message", func(t *testing.T) {
		msg := `{"jsonrpc":"2.0","id":1,"result":null}`
		input := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(msg), msg)

		body, err := readFrame(bufio.NewReader(strings.NewReader(input)))
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("ignores other headers", func(t *testing.T) {
		msg := `{"jsonrpc":"2.0","id":1,"result":null}`
		input := fmt.Sprintf("Content-Type: application/json\r\ncontent-length: %d\r\n\r\n%s", len(msg), msg)

		body, err := readFrame(bufio.NewReader(strings.NewReader(input)))
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("reads consecutive frames", func(t *testing.T) {
		var buf bytes.Buffer
		_ = writeFrame(&buf, map[string]int{"a": 1})
		_ = writeFrame(&buf, map[string]int{"b": 2})

		r := bufio.NewReader(&buf)
		first, err := readFrame(r)
		if err != nil {
			t.Fatalf("first frame: %v", err)
		}
		second, err := readFrame(r)
		if err != nil {
			t.Fatalf("second frame: %v", err)
		}
		if string(first) != `{"a":1}` || string(second) != `{"b":2}` {
			t.Errorf("got %s and %s", first, second)
		}
	})

	t.Run("rejects invalid length", func(t *testing.T) {
		_, err := readFrame(bufio.NewReader(strings.NewReader("Content-Length: abc\r\n\r\n{}")))
		if err == nil {
			t.Fatal("expected error for invalid Content-Length")
		}
	})

	t.Run("returns EOF on closed stream", func(t *testing.T) {
		_, err := readFrame(bufio.NewReader(strings.NewReader("")))
		if !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want io.EOF", err)
		}
	})

	t.Run("fails on truncated body", func(t *testing.T) {
		_, err := readFrame(bufio.NewReader(strings.NewReader("Content-Length: 20\r\n\r\n{}")))
		if err == nil {
			t.Fatal("expected error for truncated body")
		}
	})
}

func TestProtocol_SendRequest(t *testing.T) {
	t.Run("correlates out of order responses by id", func(t *testing.T) {
		pp := newPipePair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		type outcome struct {
			method string
			result string
			err    error
		}
		results := make(chan outcome, 2)

		var wg sync.WaitGroup
		for _, method := range []string{"first", "second"} {
			wg.Add(1)
			go func(m string) {
				defer wg.Done()
				resp, err := pp.protocol.SendRequest(ctx, m, nil)
				if err != nil {
					results <- outcome{method: m, err: err}
					return
				}
				var s string
				_ = json.Unmarshal(resp.Result, &s)
				results <- outcome{method: m, result: s}
			}(method)
		}

		// Answer in reverse order of arrival.
		a := pp.nextRequest(t)
		b := pp.nextRequest(t)
		pp.reply(t, b.ID, "answer-"+b.Method)
		pp.reply(t, a.ID, "answer-"+a.Method)

		wg.Wait()
		close(results)
		for r := range results {
			if r.err != nil {
				t.Fatalf("%s: %v", r.method, r.err)
			}
			if r.result != "answer-"+r.method {
				t.Errorf("%s got %q", r.method, r.result)
			}
		}
		if n := pp.protocol.Pending(); n != 0 {
			t.Errorf("pending = %d, want 0", n)
		}
	})

	t.Run("returns RPCError for error responses", func(t *testing.T) {
		pp := newPipePair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			_, err := pp.protocol.SendRequest(ctx, "analyze", nil)
			errCh <- err
		}()

		req := pp.nextRequest(t)
		_ = writeFrame(pp.respond, Response{
			JSONRPC: JSONRPCVersion,
			ID:      req.ID,
			Error:   &ResponseError{Code: CodeMethodNotFound, Message: "no such method"},
		})

		err := <-errCh
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("err = %v, want *RPCError", err)
		}
		if !rpcErr.IsMethodNotFound() {
			t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
		}
	})

	t.Run("times out with ErrRequestTimeout", func(t *testing.T) {
		pp := newPipePair(t)
		go func() { _ = pp.nextRequestQuiet() }()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := pp.protocol.SendRequest(ctx, "compile", nil)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("err = %v, want ErrRequestTimeout", err)
		}
		if n := pp.protocol.Pending(); n != 0 {
			t.Errorf("pending = %d after timeout, want 0", n)
		}
	})

	t.Run("cancelled context is not a timeout", func(t *testing.T) {
		pp := newPipePair(t)
		go func() { _ = pp.nextRequestQuiet() }()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := pp.protocol.SendRequest(ctx, "compile", nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrRequestTimeout) {
			t.Error("cancellation must not be reported as a timeout")
		}
	})
}

func (pp *pipePair) nextRequestQuiet() error {
	_, err := readFrame(pp.requests)
	return err
}

func TestProtocol_Close(t *testing.T) {
	t.Run("fails pending requests with the cause", func(t *testing.T) {
		pp := newPipePair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			_, err := pp.protocol.SendRequest(ctx, "compile", nil)
			errCh <- err
		}()
		pp.nextRequest(t)

		pp.protocol.Close(ErrWorkerUnavailable)

		select {
		case err := <-errCh:
			if !errors.Is(err, ErrWorkerUnavailable) {
				t.Errorf("err = %v, want ErrWorkerUnavailable", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not released by Close")
		}
	})

	t.Run("rejects sends after close", func(t *testing.T) {
		p := NewProtocol(nil, io.Discard)
		p.Close(ErrWorkerUnavailable)

		_, err := p.SendRequest(context.Background(), "compile", nil)
		if !errors.Is(err, ErrWorkerUnavailable) {
			t.Errorf("SendRequest err = %v, want ErrWorkerUnavailable", err)
		}
		if err := p.SendNotification("exit", nil); !errors.Is(err, ErrWorkerUnavailable) {
			t.Errorf("SendNotification err = %v, want ErrWorkerUnavailable", err)
		}
	})

	t.Run("first cause wins", func(t *testing.T) {
		p := NewProtocol(nil, io.Discard)
		p.Close(ErrBridgeStopped)
		p.Close(ErrWorkerUnavailable)

		_, err := p.SendRequest(context.Background(), "compile", nil)
		if !errors.Is(err, ErrBridgeStopped) {
			t.Errorf("err = %v, want ErrBridgeStopped", err)
		}
	})
}

func TestProtocol_ReadLoop(t *testing.T) {
	t.Run("returns EOF when worker closes output", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(""), io.Discard)
		if err := p.ReadLoop(context.Background()); !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want io.EOF", err)
		}
	})

	t.Run("ignores unknown ids and notifications", func(t *testing.T) {
		var buf bytes.Buffer
		_ = writeFrame(&buf, Response{JSONRPC: JSONRPCVersion, ID: 99, Result: json.RawMessage(`1`)})
		_ = writeFrame(&buf, Notification{JSONRPC: JSONRPCVersion, Method: "log"})

		p := NewProtocol(&buf, io.Discard)
		if err := p.ReadLoop(context.Background()); !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want io.EOF", err)
		}
	})
}
