// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lspserver speaks the Language Server Protocol over a byte stream
// and drives a pikels.Service.
package lspserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

// ServerName is reported to the client in the initialize result.
const ServerName = "pikels"

// ErrExitWithoutShutdown is returned by Serve when the client sent exit
// without a preceding shutdown request.
var ErrExitWithoutShutdown = errors.New("exit received before shutdown")

// errNotInitialized is returned for requests that arrive before initialize.
var errNotInitialized = jsonrpc2.NewError(jsonrpc2.ServerNotInitialized, "server not initialized")

// Option configures a Server.
type Option func(*Server)

// WithWorkspaceHook registers fn to receive the workspace root directory
// once the client has initialized. fn is not called when the client sends
// no root.
func WithWorkspaceHook(fn func(root string)) Option {
	return func(s *Server) {
		s.onWorkspace = fn
	}
}

// WithShutdownTimeout bounds how long Serve waits for the service to stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// Server is one LSP session.
//
// Thread Safety:
//
//	Messages are handled one after another in arrival order. Diagnostics
//	may be published concurrently from background validations.
type Server struct {
	svc             *pikels.Service
	onWorkspace     func(root string)
	shutdownTimeout time.Duration

	mu           sync.Mutex
	conn         jsonrpc2.Conn
	initialized  bool
	shutdown     bool
	exitReceived bool
	version      string
}

// New creates a server for svc.
func New(svc *pikels.Service, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		shutdownTimeout: 10 * time.Second,
		version:         pikels.ServiceVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the session on rwc until the client exits or the stream
// closes.
//
// Description:
//
//	Registers the server as the service's diagnostics publisher, reads
//	messages until exit or end of stream, then shuts the service down.
//
// Outputs:
//
//	error - nil after shutdown+exit or a clean end of stream,
//	        ErrExitWithoutShutdown when exit came first, otherwise the
//	        stream error
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.svc.SetPublisher(s)

	conn.Go(ctx, protocol.Handlers(s.handle))

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.Done()
	}

	s.svc.SetPublisher(nil)
	stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.svc.Shutdown(stopCtx); err != nil {
		slog.Warn("Service shutdown failed", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	exited, wasShutdown := s.exitReceived, s.shutdown
	s.mu.Unlock()

	switch {
	case exited && !wasShutdown:
		return ErrExitWithoutShutdown
	case exited:
		return nil
	}
	if err := conn.Err(); err != nil && !isEndOfStream(err) && ctx.Err() == nil {
		return fmt.Errorf("lsp stream: %w", err)
	}
	return nil
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// PublishDiagnostics sends textDocument/publishDiagnostics to the client.
func (s *Server) PublishDiagnostics(ctx context.Context, uri string, version *int, diags []bridge.Diagnostic) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	params := &protocol.PublishDiagnosticsParams{
		URI:         protocol.DocumentURI(uri),
		Diagnostics: toDiagnostics(diags),
	}
	if version != nil && *version >= 0 {
		params.Version = uint32(*version)
	}
	return conn.Notify(ctx, protocol.MethodTextDocumentPublishDiagnostics, params)
}

// handle dispatches one message. Every message is replied to; the replier
// ignores replies to notifications.
func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	method := req.Method()

	switch method {
	case protocol.MethodInitialize:
		return s.initialize(ctx, reply, req)
	case protocol.MethodInitialized:
		return reply(ctx, nil, nil)
	case protocol.MethodShutdown:
		return s.handleShutdown(ctx, reply)
	case protocol.MethodExit:
		return s.exit(ctx, reply)
	}

	s.mu.Lock()
	ready, stopping := s.initialized, s.shutdown
	s.mu.Unlock()
	if !ready {
		return reply(ctx, nil, errNotInitialized)
	}
	if stopping {
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server is shutting down"))
	}

	switch method {
	case protocol.MethodTextDocumentDidOpen:
		return s.didOpen(ctx, reply, req)
	case protocol.MethodTextDocumentDidChange:
		return s.didChange(ctx, reply, req)
	case protocol.MethodTextDocumentDidSave:
		return s.didSave(ctx, reply, req)
	case protocol.MethodTextDocumentDidClose:
		return s.didClose(ctx, reply, req)
	case protocol.MethodTextDocumentHover:
		return s.hover(ctx, reply, req)
	case protocol.MethodTextDocumentCompletion:
		return s.completion(ctx, reply, req)
	case protocol.MethodTextDocumentCodeLens:
		return s.codeLens(ctx, reply, req)
	case protocol.MethodSetTrace:
		return reply(ctx, nil, nil)
	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func decode(req jsonrpc2.Request, v interface{}) error {
	if err := json.Unmarshal(req.Params(), v); err != nil {
		return jsonrpc2.Errorf(jsonrpc2.InvalidParams, "%s: %v", req.Method(), err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *Server) initialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.InitializeParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server already initialized"))
	}
	s.initialized = true
	s.mu.Unlock()

	root := workspaceRoot(params)
	slog.Info("LSP session initialized",
		slog.Int("client_pid", int(params.ProcessID)),
		slog.String("root", root))

	// The worker starts in the background; a failed start is retried by
	// the first request that needs it.
	go func() {
		if err := s.svc.Start(context.Background()); err != nil {
			slog.Warn("Pike worker did not start", slog.String("error", err.Error()))
		}
	}()
	if root != "" && s.onWorkspace != nil {
		s.onWorkspace(root)
	}

	return reply(ctx, protocol.InitializeResult{
		Capabilities: capabilities(),
		ServerInfo: &protocol.ServerInfo{
			Name:    ServerName,
			Version: s.version,
		},
	}, nil)
}

func capabilities() protocol.ServerCapabilities {
	return protocol.ServerCapabilities{
		TextDocumentSync: protocol.TextDocumentSyncOptions{
			OpenClose: true,
			Change:    protocol.TextDocumentSyncKindFull,
			Save:      &protocol.SaveOptions{IncludeText: false},
		},
		HoverProvider: true,
		CompletionProvider: &protocol.CompletionOptions{
			TriggerCharacters: []string{".", ">"},
		},
		CodeLensProvider: &protocol.CodeLensOptions{},
	}
}

// workspaceRoot prefers the first workspace folder, then rootUri, then the
// deprecated rootPath.
func workspaceRoot(params protocol.InitializeParams) string {
	if len(params.WorkspaceFolders) > 0 && params.WorkspaceFolders[0].URI != "" {
		return documents.URIToPath(params.WorkspaceFolders[0].URI)
	}
	if params.RootURI != "" {
		return documents.URIToPath(string(params.RootURI))
	}
	return params.RootPath
}

func (s *Server) handleShutdown(ctx context.Context, reply jsonrpc2.Replier) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.svc.Shutdown(stopCtx); err != nil {
		slog.Warn("Service shutdown failed", slog.String("error", err.Error()))
	}
	return reply(ctx, nil, nil)
}

func (s *Server) exit(ctx context.Context, reply jsonrpc2.Replier) error {
	s.mu.Lock()
	s.exitReceived = true
	conn := s.conn
	s.mu.Unlock()

	err := reply(ctx, nil, nil)
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

func (s *Server) didOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	doc := params.TextDocument
	s.svc.DidOpen(string(doc.URI), string(doc.LanguageID), int(doc.Version), doc.Text)
	return reply(ctx, nil, nil)
}

// didChange applies the last content change. The server advertises full
// sync, so every change carries the whole text.
func (s *Server) didChange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidChangeTextDocumentParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	if len(params.ContentChanges) == 0 {
		return reply(ctx, nil, nil)
	}

	uri := string(params.TextDocument.URI)
	text := params.ContentChanges[len(params.ContentChanges)-1].Text
	if err := s.svc.DidChange(uri, int(params.TextDocument.Version), text); err != nil {
		slog.Warn("Change for unknown document",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
	}
	return reply(ctx, nil, nil)
}

func (s *Server) didSave(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidSaveTextDocumentParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	s.svc.DidSave(string(params.TextDocument.URI))
	return reply(ctx, nil, nil)
}

func (s *Server) didClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	s.svc.DidClose(ctx, string(params.TextDocument.URI))
	return reply(ctx, nil, nil)
}

// =============================================================================
// FEATURES
// =============================================================================

func (s *Server) hover(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.HoverParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	res, err := s.svc.Hover(ctx, string(params.TextDocument.URI), fromPosition(params.Position))
	if err != nil {
		return reply(ctx, nil, toRPCError(err))
	}
	if res == nil {
		return reply(ctx, nil, nil)
	}
	return reply(ctx, toHover(res), nil)
}

func (s *Server) completion(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.CompletionParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	cc, err := s.svc.Completion(ctx, string(params.TextDocument.URI), fromPosition(params.Position))
	if err != nil {
		return reply(ctx, nil, toRPCError(err))
	}
	return reply(ctx, toCompletionList(cc), nil)
}

func (s *Server) codeLens(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params protocol.CodeLensParams
	if err := decode(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	uri := string(params.TextDocument.URI)
	lenses, err := s.svc.ReferenceLenses(ctx, uri)
	if err != nil {
		return reply(ctx, nil, toRPCError(err))
	}

	out := make([]protocol.CodeLens, 0, len(lenses))
	for _, l := range lenses {
		out = append(out, protocol.CodeLens{
			Range:   toRange(l.Range),
			Command: referenceCommand(l.Count, uri, l.Position),
		})
	}
	return reply(ctx, out, nil)
}
