// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lspserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

const testDoc = "int counter;\n" +
	"void create(string name) {\n" +
	"  undefined;\n" +
	"}\n" +
	"int main() {\n" +
	"  Stdio.\n" +
	"  cou\n" +
	"}\n"

const testURI = "file:///work/main.pike"

// =============================================================================
// FAKES
// =============================================================================

// stubWorker answers analyze and resolve_module in-process.
type stubWorker struct {
	mu    sync.Mutex
	state bridge.State
	hooks []func(bridge.VersionInfo)
}

func (w *stubWorker) Request(_ context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	var payload interface{}
	switch method {
	case bridge.MethodAnalyze:
		var doc bridge.DocumentParams
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		var diags []bridge.Diagnostic
		for i, line := range strings.Split(doc.Text, "\n") {
			if strings.Contains(line, "undefined") {
				diags = append(diags, bridge.Diagnostic{
					Range:    span(i, 2, i, 11),
					Severity: bridge.SeverityWarning,
					Message:  "undefined identifier",
				})
			}
		}
		payload = map[string]interface{}{
			"introspect": bridge.IntrospectResult{Symbols: []bridge.Symbol{
				{Name: "counter", Kind: "variable", Detail: "int counter", Range: span(0, 0, 0, 12)},
				{
					Name:       "create",
					Kind:       "function",
					Detail:     "void create(string name)",
					Doc:        "Sets the name.",
					Range:      span(1, 0, 3, 1),
					References: []bridge.Range{span(6, 2, 6, 8), span(7, 2, 7, 8)},
				},
				{Name: "main", Kind: "function", Detail: "int main()", Range: span(4, 0, 7, 1)},
			}},
			"diagnostics": bridge.DiagnosticsResult{Diagnostics: diags},
		}
	case bridge.MethodResolveModule:
		var p struct{ Name string }
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Name == "Stdio" {
			payload = bridge.SymbolInfo{Name: "Stdio", Kind: "module", Members: []string{"File", "stdout"}}
		}
	default:
		return &bridge.RPCError{Code: bridge.CodeMethodNotFound, Message: "no " + method}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (w *stubWorker) Start(context.Context) error {
	w.mu.Lock()
	w.state = bridge.StateReady
	hooks := append([]func(bridge.VersionInfo){}, w.hooks...)
	w.mu.Unlock()
	for _, fn := range hooks {
		fn(bridge.VersionInfo{Version: "8.0.1956", Major: 8})
	}
	return nil
}

func (w *stubWorker) Shutdown(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = bridge.StateStopped
	return nil
}

func (w *stubWorker) OnReady(fn func(bridge.VersionInfo)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, fn)
}

func (w *stubWorker) Snapshot() bridge.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bridge.Snapshot{State: w.state.String()}
}

func span(sl, sc, el, ec int) bridge.Range {
	return bridge.Range{
		Start: bridge.Position{Line: sl, Character: sc},
		End:   bridge.Position{Line: el, Character: ec},
	}
}

// =============================================================================
// HARNESS
// =============================================================================

type session struct {
	conn  jsonrpc2.Conn
	diags chan protocol.PublishDiagnosticsParams
	roots chan string
	done  chan error
}

func startSession(t *testing.T) *session {
	t.Helper()

	cfg := pikels.DefaultServiceConfig()
	cfg.DebounceWindow = 20 * time.Millisecond
	cfg.WarmModules = []string{}
	svc := pikels.NewService(cfg, &stubWorker{})

	s := &session{
		diags: make(chan protocol.PublishDiagnosticsParams, 16),
		roots: make(chan string, 1),
		done:  make(chan error, 1),
	}
	srv := New(svc,
		WithShutdownTimeout(2*time.Second),
		WithWorkspaceHook(func(root string) { s.roots <- root }))

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { s.done <- srv.Serve(ctx, serverSide) }()

	s.conn = jsonrpc2.NewConn(jsonrpc2.NewStream(clientSide))
	s.conn.Go(ctx, func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		if req.Method() == protocol.MethodTextDocumentPublishDiagnostics {
			var p protocol.PublishDiagnosticsParams
			if err := json.Unmarshal(req.Params(), &p); err == nil {
				s.diags <- p
			}
		}
		return reply(ctx, nil, nil)
	})

	t.Cleanup(func() {
		cancel()
		_ = s.conn.Close()
		select {
		case <-s.done:
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func (s *session) call(t *testing.T, method string, params, result interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.conn.Call(ctx, method, params, result)
	return err
}

func (s *session) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.conn.Notify(ctx, method, params))
}

func (s *session) initialize(t *testing.T) protocol.InitializeResult {
	t.Helper()
	var res protocol.InitializeResult
	err := s.call(t, protocol.MethodInitialize, protocol.InitializeParams{
		ProcessID: 42,
		RootURI:   protocol.DocumentURI(documents.PathToURI("/work")),
	}, &res)
	require.NoError(t, err)
	s.notify(t, protocol.MethodInitialized, protocol.InitializedParams{})
	return res
}

func (s *session) waitDiagnostics(t *testing.T) protocol.PublishDiagnosticsParams {
	t.Helper()
	select {
	case p := <-s.diags:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for diagnostics")
	}
	return protocol.PublishDiagnosticsParams{}
}

func position(line, char uint32) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
		Position:     protocol.Position{Line: line, Character: char},
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestServer_Session(t *testing.T) {
	s := startSession(t)

	res := s.initialize(t)
	require.NotNil(t, res.ServerInfo)
	assert.Equal(t, ServerName, res.ServerInfo.Name)
	assert.Equal(t, true, res.Capabilities.HoverProvider)
	require.NotNil(t, res.Capabilities.CompletionProvider)
	assert.Equal(t, []string{".", ">"}, res.Capabilities.CompletionProvider.TriggerCharacters)
	assert.NotNil(t, res.Capabilities.CodeLensProvider)

	select {
	case root := <-s.roots:
		assert.Equal(t, "/work", root)
	case <-time.After(time.Second):
		t.Error("workspace hook not called")
	}

	s.notify(t, protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: testURI, LanguageID: "pike", Version: 1, Text: testDoc},
	})

	t.Run("open publishes diagnostics", func(t *testing.T) {
		p := s.waitDiagnostics(t)
		assert.Equal(t, protocol.DocumentURI(testURI), p.URI)
		assert.Equal(t, uint32(1), p.Version)
		require.Len(t, p.Diagnostics, 1)
		assert.Equal(t, protocol.DiagnosticSeverityWarning, p.Diagnostics[0].Severity)
		assert.Equal(t, "pike", p.Diagnostics[0].Source)
		assert.Equal(t, uint32(2), p.Diagnostics[0].Range.Start.Line)
	})

	t.Run("hover local symbol", func(t *testing.T) {
		var hover *protocol.Hover
		err := s.call(t, protocol.MethodTextDocumentHover,
			protocol.HoverParams{TextDocumentPositionParams: position(1, 6)}, &hover)
		require.NoError(t, err)
		require.NotNil(t, hover)
		assert.Equal(t, protocol.Markdown, hover.Contents.Kind)
		assert.Contains(t, hover.Contents.Value, "void create(string name)")
		assert.Contains(t, hover.Contents.Value, "Sets the name.")
		require.NotNil(t, hover.Range)
		assert.Equal(t, uint32(5), hover.Range.Start.Character)
		assert.Equal(t, uint32(11), hover.Range.End.Character)
	})

	t.Run("hover whitespace is null", func(t *testing.T) {
		var hover *protocol.Hover
		err := s.call(t, protocol.MethodTextDocumentHover,
			protocol.HoverParams{TextDocumentPositionParams: position(3, 1)}, &hover)
		require.NoError(t, err)
		assert.Nil(t, hover)
	})

	t.Run("completion module members", func(t *testing.T) {
		var list protocol.CompletionList
		err := s.call(t, protocol.MethodTextDocumentCompletion,
			protocol.CompletionParams{TextDocumentPositionParams: position(5, 8)}, &list)
		require.NoError(t, err)

		labels := make([]string, 0, len(list.Items))
		for _, item := range list.Items {
			labels = append(labels, item.Label)
		}
		assert.ElementsMatch(t, []string{"File", "stdout"}, labels)
		assert.False(t, list.IsIncomplete)
	})

	t.Run("completion scope", func(t *testing.T) {
		var list protocol.CompletionList
		err := s.call(t, protocol.MethodTextDocumentCompletion,
			protocol.CompletionParams{TextDocumentPositionParams: position(6, 5)}, &list)
		require.NoError(t, err)
		require.Len(t, list.Items, 1)
		assert.Equal(t, "counter", list.Items[0].Label)
		assert.Equal(t, protocol.CompletionItemKindVariable, list.Items[0].Kind)
	})

	t.Run("code lens", func(t *testing.T) {
		var lenses []protocol.CodeLens
		err := s.call(t, protocol.MethodTextDocumentCodeLens, protocol.CodeLensParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
		}, &lenses)
		require.NoError(t, err)
		require.Len(t, lenses, 2)

		require.NotNil(t, lenses[0].Command)
		assert.Equal(t, "2 references", lenses[0].Command.Title)
		assert.Equal(t, ShowReferencesCommand, lenses[0].Command.Command)
		require.Len(t, lenses[0].Command.Arguments, 1)
		arg, ok := lenses[0].Command.Arguments[0].(map[string]interface{})
		require.True(t, ok, "argument is an object")
		assert.Equal(t, testURI, arg["uri"])

		require.NotNil(t, lenses[1].Command)
		assert.Equal(t, "0 references", lenses[1].Command.Title)
	})

	t.Run("change then close clears diagnostics", func(t *testing.T) {
		s.notify(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
			TextDocument: protocol.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: testURI},
				Version:                2,
			},
			ContentChanges: []protocol.TextDocumentContentChangeEvent{
				{Text: "int counter;\n"},
			},
		})
		p := s.waitDiagnostics(t)
		assert.Equal(t, uint32(2), p.Version)
		assert.Empty(t, p.Diagnostics)

		s.notify(t, protocol.MethodTextDocumentDidClose, protocol.DidCloseTextDocumentParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: testURI},
		})
		p = s.waitDiagnostics(t)
		assert.Equal(t, protocol.DocumentURI(testURI), p.URI)
		assert.Empty(t, p.Diagnostics)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := s.call(t, "pike/unknown", struct{}{}, nil)
		var rpcErr *jsonrpc2.Error
		require.True(t, errors.As(err, &rpcErr), "got %v", err)
		assert.Equal(t, jsonrpc2.MethodNotFound, rpcErr.Code)
	})

	require.NoError(t, s.call(t, protocol.MethodShutdown, nil, nil))
	s.notify(t, protocol.MethodExit, nil)

	select {
	case err := <-s.done:
		assert.NoError(t, err)
		s.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after exit")
	}
}

func TestServer_RequestBeforeInitialize(t *testing.T) {
	s := startSession(t)

	var hover *protocol.Hover
	err := s.call(t, protocol.MethodTextDocumentHover,
		protocol.HoverParams{TextDocumentPositionParams: position(0, 0)}, &hover)

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, jsonrpc2.ServerNotInitialized, rpcErr.Code)
}

func TestServer_HoverUnknownDocument(t *testing.T) {
	s := startSession(t)
	s.initialize(t)

	var hover *protocol.Hover
	err := s.call(t, protocol.MethodTextDocumentHover, protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "file:///nowhere/gone.pike"},
		},
	}, &hover)

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, jsonrpc2.InvalidParams, rpcErr.Code)
}

func TestServer_ExitWithoutShutdown(t *testing.T) {
	s := startSession(t)
	s.initialize(t)

	s.notify(t, protocol.MethodExit, nil)

	select {
	case err := <-s.done:
		assert.ErrorIs(t, err, ErrExitWithoutShutdown)
		s.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after exit")
	}
}

func TestReferenceCommand(t *testing.T) {
	tests := []struct {
		count int
		title string
	}{
		{0, "0 references"},
		{1, "1 reference"},
		{2, "2 references"},
		{12, "12 references"},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			cmd := referenceCommand(tt.count, testURI, bridge.Position{Line: 3, Character: 4})
			assert.Equal(t, tt.title, cmd.Title)
			assert.Equal(t, ShowReferencesCommand, cmd.Command)
			require.Len(t, cmd.Arguments, 1)
			assert.Equal(t, referenceArgs{
				URI:      testURI,
				Position: protocol.Position{Line: 3, Character: 4},
			}, cmd.Arguments[0])
		})
	}
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code jsonrpc2.Code
	}{
		{
			name: "document not found",
			err:  &pikels.Error{Layer: pikels.LayerLSP, Op: "hover", Err: documents.ErrDocumentNotFound},
			code: jsonrpc2.InvalidParams,
		},
		{
			name: "worker unavailable",
			err:  &pikels.Error{Layer: pikels.LayerBridge, Op: "hover", Err: bridge.ErrWorkerUnavailable},
			code: codeServerCancelled,
		},
		{
			name: "worker error",
			err:  &pikels.Error{Layer: pikels.LayerWorker, Op: "analyze", Err: &bridge.RPCError{Code: 1, Message: "boom"}},
			code: codeRequestFailed,
		},
		{
			name: "other",
			err:  errors.New("boom"),
			code: jsonrpc2.InternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rpcErr *jsonrpc2.Error
			require.True(t, errors.As(toRPCError(tt.err), &rpcErr))
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestToDiagnostics(t *testing.T) {
	got := toDiagnostics([]bridge.Diagnostic{
		{Range: span(0, 1, 0, 4), Severity: bridge.SeverityHint, Message: "hint", Source: "uninitialized"},
		{Range: span(-1, 0, 0, 0), Severity: 0, Message: "no severity"},
	})

	require.Len(t, got, 2)
	assert.Equal(t, protocol.DiagnosticSeverityHint, got[0].Severity)
	assert.Equal(t, "uninitialized", got[0].Source)
	assert.Equal(t, protocol.DiagnosticSeverityError, got[1].Severity)
	assert.Equal(t, "pike", got[1].Source)
	assert.Equal(t, uint32(0), got[1].Range.Start.Line)
}
