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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

// ServiceVersion is the pikels version reported by the debug endpoints.
var ServiceVersion = "0.1.0"

// HealthResponse is the response for GET /v1/pikels/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/pikels/ready.
type ReadyResponse struct {
	Ready       bool   `json:"ready"`
	WorkerState string `json:"worker_state"`
	Error       string `json:"error,omitempty"`
}

// ErrorResponse is returned by the debug endpoints on failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Layer Layer  `json:"layer,omitempty"`
}

// AnalysisResponse is the response for GET /v1/pikels/analysis.
type AnalysisResponse struct {
	URI          string              `json:"uri"`
	Fingerprint  string              `json:"fingerprint"`
	Diagnostics  []bridge.Diagnostic `json:"diagnostics"`
	Symbols      int                 `json:"symbols"`
	Dependencies []string            `json:"dependencies"`
	DurationMs   int64               `json:"duration_ms"`
}

// Handlers contains the debug HTTP handlers.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /v1/pikels/health.
//
// Description:
//
//	Always returns 200 while the process is running.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/pikels/ready.
//
// Response:
//
//	200 OK: the worker completed its handshake
//	503 Service Unavailable: the worker is starting, restarting or failed
func (h *Handlers) HandleReady(c *gin.Context) {
	snap := h.svc.worker.Snapshot()
	resp := ReadyResponse{
		Ready:       snap.State == bridge.StateReady.String(),
		WorkerState: snap.State,
		Error:       snap.Error,
	}
	if !resp.Ready {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleStatus handles GET /v1/pikels/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// HandleCacheStats handles GET /v1/pikels/cache/stats.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	stats := h.svc.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":    stats,
		"hit_rate": stats.HitRate(),
	})
}

// HandleBridge handles GET /v1/pikels/bridge.
func (h *Handlers) HandleBridge(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.worker.Snapshot())
}

// HandleAnalysis handles GET /v1/pikels/analysis?path=...
//
// Description:
//
//	Analyzes a file on disk (or its open editor state) through the cache.
//	Useful to check what the worker reports without an editor.
//
// Response:
//
//	200 OK: AnalysisResponse
//	400 Bad Request: missing path
//	404 Not Found: the file does not exist
//	503 Service Unavailable: the worker is unavailable
//	502 Bad Gateway: the worker reported an error
func (h *Handlers) HandleAnalysis(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	uri := documents.PathToURI(path)
	res, err := h.svc.Analyze(c.Request.Context(), uri)
	if err != nil {
		status, code := statusFor(err)
		slog.Warn("Debug analysis failed",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		resp := ErrorResponse{Error: err.Error(), Code: code}
		var svcErr *Error
		if errors.As(err, &svcErr) {
			resp.Layer = svcErr.Layer
		}
		c.JSON(status, resp)
		return
	}

	deps := res.Dependencies
	if deps == nil {
		deps = []string{}
	}
	c.JSON(http.StatusOK, AnalysisResponse{
		URI:          uri,
		Fingerprint:  res.Fingerprint.String(),
		Diagnostics:  res.Diagnostics,
		Symbols:      len(res.Symbols),
		Dependencies: deps,
		DurationMs:   res.Duration.Milliseconds(),
	})
}

func statusFor(err error) (int, string) {
	var svcErr *Error
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &svcErr) && svcErr.Layer == LayerWorker:
		return http.StatusBadGateway, "WORKER_ERROR"
	case bridge.IsRetryable(err):
		return http.StatusServiceUnavailable, "WORKER_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "ANALYSIS_FAILED"
	}
}
