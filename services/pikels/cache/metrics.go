// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("pikels.cache")
	meter  = otel.Meter("pikels.cache")
)

// Metrics for cache operations.
var (
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	cacheEvictions    metric.Int64Counter
	cacheGetLatency   metric.Float64Histogram
	cacheComputeTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"pikels_cache_hits_total",
			metric.WithDescription("Total number of analysis cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"pikels_cache_misses_total",
			metric.WithDescription("Total number of analysis cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"pikels_cache_evictions_total",
			metric.WithDescription("Total number of analysis cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"pikels_cache_analyze_duration_seconds",
			metric.WithDescription("Duration of cache Analyze calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheComputeTotal, err = meter.Int64Counter(
			"pikels_cache_compute_total",
			metric.WithDescription("Total number of analyses computed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordCacheHit records a cache hit metric.
func recordCacheHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

// recordCacheMiss records a cache miss metric.
func recordCacheMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

// recordCacheEviction records a cache eviction metric.
func recordCacheEviction(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// recordCompute records one compute run.
func recordCompute(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheComputeTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// recordAnalyzeLatency records the latency of an Analyze call.
func recordAnalyzeLatency(ctx context.Context, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

// startCacheSpan creates a span for a cache operation.
func startCacheSpan(ctx context.Context, operation string, fp Fingerprint) (context.Context, trace.Span) {
	return tracer.Start(ctx, "AnalysisCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.uri", fp.URI),
			attribute.String("cache.fingerprint", fp.Key()),
		),
	)
}

// setCacheSpanResult sets the result attributes on a cache span.
func setCacheSpanResult(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool("cache.hit", hit))
}
