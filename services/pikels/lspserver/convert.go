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
	"errors"
	"fmt"
	"strings"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/completion"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

// ShowReferencesCommand is the client command a reference lens invokes.
const ShowReferencesCommand = "pike.showReferences"

// Error codes outside the JSON-RPC range, from the LSP error code space.
const (
	codeServerCancelled jsonrpc2.Code = -32802
	codeRequestFailed   jsonrpc2.Code = -32803
)

// referenceArgs is the single argument of ShowReferencesCommand.
type referenceArgs struct {
	URI      string            `json:"uri"`
	Position protocol.Position `json:"position"`
}

// referenceCommand builds the lens command for a symbol with count
// references: "1 reference", "0 references", "3 references".
func referenceCommand(count int, uri string, pos bridge.Position) *protocol.Command {
	title := fmt.Sprintf("%d reference", count)
	if count != 1 {
		title += "s"
	}
	return &protocol.Command{
		Title:     title,
		Command:   ShowReferencesCommand,
		Arguments: []interface{}{referenceArgs{URI: uri, Position: toPosition(pos)}},
	}
}

func fromPosition(p protocol.Position) bridge.Position {
	return bridge.Position{Line: int(p.Line), Character: int(p.Character)}
}

func toPosition(p bridge.Position) protocol.Position {
	return protocol.Position{Line: clampUint32(p.Line), Character: clampUint32(p.Character)}
}

func toRange(r bridge.Range) protocol.Range {
	return protocol.Range{Start: toPosition(r.Start), End: toPosition(r.End)}
}

func clampUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

func toDiagnostics(diags []bridge.Diagnostic) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		source := d.Source
		if source == "" {
			source = "pike"
		}
		severity := protocol.DiagnosticSeverity(d.Severity)
		if d.Severity < bridge.SeverityError || d.Severity > bridge.SeverityHint {
			severity = protocol.DiagnosticSeverityError
		}
		out = append(out, protocol.Diagnostic{
			Range:    toRange(d.Range),
			Severity: severity,
			Source:   source,
			Message:  d.Message,
		})
	}
	return out
}

// toHover renders a hover result as markdown: a pike code block with the
// signature, the documentation, then where it came from.
func toHover(res *pikels.HoverResult) *protocol.Hover {
	var b strings.Builder

	signature := res.Signature
	if signature == "" {
		signature = strings.TrimSpace(res.Kind + " " + res.Path)
	}
	b.WriteString("```pike\n")
	b.WriteString(signature)
	b.WriteString("\n```")

	if res.Doc != "" {
		b.WriteString("\n\n")
		b.WriteString(res.Doc)
	}
	if res.Source == pikels.HoverStdlib && res.Path != "" {
		b.WriteString("\n\n*")
		b.WriteString(res.Path)
		b.WriteString("*")
	}

	rng := toRange(res.Range)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.Markdown, Value: b.String()},
		Range:    &rng,
	}
}

// symbolKinds maps worker symbol kinds to completion kinds.
var symbolKinds = map[string]protocol.CompletionItemKind{
	"function": protocol.CompletionItemKindFunction,
	"method":   protocol.CompletionItemKindMethod,
	"class":    protocol.CompletionItemKindClass,
	"constant": protocol.CompletionItemKindConstant,
	"variable": protocol.CompletionItemKindVariable,
	"module":   protocol.CompletionItemKindModule,
	"enum":     protocol.CompletionItemKindEnum,
	"typedef":  protocol.CompletionItemKindInterface,
}

func completionKind(kind string) protocol.CompletionItemKind {
	if k, ok := symbolKinds[kind]; ok {
		return k
	}
	return protocol.CompletionItemKindText
}

// toCompletionList turns a completion context into items. Scope symbols
// carry their detail and docs; qualifier members are names only.
func toCompletionList(cc *completion.Context) *protocol.CompletionList {
	items := []protocol.CompletionItem{}

	for _, sym := range cc.Symbols {
		item := protocol.CompletionItem{
			Label:  sym.Name,
			Kind:   completionKind(sym.Kind),
			Detail: sym.Detail,
		}
		if sym.Doc != "" {
			item.Documentation = protocol.MarkupContent{Kind: protocol.Markdown, Value: sym.Doc}
		}
		items = append(items, item)
	}

	memberKind := protocol.CompletionItemKindField
	switch cc.Expected {
	case completion.ExpectInheritTarget:
		memberKind = protocol.CompletionItemKindModule
	case completion.ExpectObjectMember:
		memberKind = protocol.CompletionItemKindMethod
	}
	for _, name := range cc.Members {
		item := protocol.CompletionItem{Label: name, Kind: memberKind}
		if cc.QualifierPath != "" {
			item.Detail = cc.QualifierPath + "." + name
		}
		items = append(items, item)
	}

	return &protocol.CompletionList{
		// A stale analysis or an unresolved qualifier may change on the
		// next keystroke.
		IsIncomplete: cc.Stale || (cc.Qualifier != "" && !cc.QualifierResolved),
		Items:        items,
	}
}

// toRPCError maps service failures onto LSP error codes. Retryable worker
// failures become ServerCancelled so clients retry the request.
func toRPCError(err error) error {
	var svcErr *pikels.Error
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	case errors.As(err, &svcErr) && svcErr.Retryable():
		return jsonrpc2.NewError(codeServerCancelled, err.Error())
	case errors.As(err, &svcErr) && svcErr.Layer == pikels.LayerWorker:
		return jsonrpc2.NewError(codeRequestFailed, err.Error())
	default:
		return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
	}
}
