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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for worker operations.
var (
	tracer = otel.Tracer("pikels.bridge")
	meter  = otel.Meter("pikels.bridge")
)

// Metrics for worker operations.
var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	workerSpawns   metric.Int64Counter
	workerRestarts metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"pikels_worker_request_duration_seconds",
			metric.WithDescription("Duration of worker requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"pikels_worker_request_total",
			metric.WithDescription("Total number of worker requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		workerSpawns, err = meter.Int64Counter(
			"pikels_worker_spawns_total",
			metric.WithDescription("Total number of worker process spawns"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		workerRestarts, err = meter.Int64Counter(
			"pikels_worker_restarts_total",
			metric.WithDescription("Worker processes discarded after a crash or timeout recycle"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRequestSpan creates a span for a worker request.
func startRequestSpan(ctx context.Context, method, session string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Bridge.Request",
		trace.WithAttributes(
			attribute.String("pike.method", method),
			attribute.String("pike.session", session),
		),
	)
}

// recordRequestMetrics records metrics for one worker request.
func recordRequestMetrics(ctx context.Context, method string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

// recordSpawn records a worker spawn attempt.
func recordSpawn(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	workerSpawns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// recordRestart records a discarded worker process.
func recordRestart(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	workerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
