// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge drives the external Pike analyzer worker.
//
// The worker is a long-lived Pike process that compiles, introspects and
// analyzes documents on behalf of the language server. Starting it costs
// far more than any single request, so one process is kept alive and
// shared by every caller.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│  validation / hover / completion callers                         │
//	│        │ Client (typed ops: analyze, compile, resolve_module ...) │
//	│        ▼                                                          │
//	│  Bridge (state machine, restart on failure, timeouts)             │
//	│        │ Protocol (Content-Length framing, id correlation)        │
//	│        ▼                                                          │
//	│  pike analyzer.pike  (stdin/stdout)                               │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Components
//
//   - Protocol: JSON-RPC 2.0 over Content-Length framed pipes. Requests are
//     pipelined and matched to responses by id, never by arrival order.
//   - Bridge: owns the process. States are Unstarted, Starting, Ready,
//     Restarting, Failed and Stopped.
//   - Client: typed worker operations, including the consolidated analyze
//     call and the three-call legacy sequence it replaces.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	b := bridge.New(bridge.DefaultConfig())
//	defer b.Shutdown(context.Background())
//
//	client := bridge.NewClient(b)
//	out, err := client.Analyze(ctx, bridge.DocumentParams{URI: uri, Text: text})
package bridge
