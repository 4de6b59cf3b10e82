// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("pikels.resolver")
	meter  = otel.Meter("pikels.resolver")
)

var (
	resolveTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		resolveTotal, metricsErr = meter.Int64Counter(
			"pikels_resolver_resolve_total",
			metric.WithDescription("Symbol path resolutions by outcome"),
		)
	})
	return metricsErr
}

// recordResolve records a resolution outcome: memo, resolved, unresolved or error.
func recordResolve(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	resolveTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func startResolveSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Resolver.Resolve",
		trace.WithAttributes(attribute.String("resolver.path", path)),
	)
}
