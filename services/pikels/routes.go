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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the debug endpoints with the router.
//
// Endpoints:
//
//	GET /v1/pikels/health - Liveness
//	GET /v1/pikels/ready - Worker readiness
//	GET /v1/pikels/status - Service status
//	GET /v1/pikels/cache/stats - Analysis cache counters
//	GET /v1/pikels/bridge - Worker bridge state
//	GET /v1/pikels/analysis?path= - Analyze one file
//
// Example:
//
//	handlers := pikels.NewHandlers(svc)
//	v1 := router.Group("/v1")
//	pikels.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	p := rg.Group("/pikels")
	{
		p.GET("/health", handlers.HandleHealth)
		p.GET("/ready", handlers.HandleReady)
		p.GET("/status", handlers.HandleStatus)
		p.GET("/cache/stats", handlers.HandleCacheStats)
		p.GET("/bridge", handlers.HandleBridge)
		p.GET("/analysis", handlers.HandleAnalysis)
	}
}

// NewDebugRouter builds the debug HTTP server's router.
//
// Description:
//
//	Wires tracing middleware, /metrics and the /v1/pikels routes. metrics
//	may be nil, in which case the default Prometheus registry is served.
func NewDebugRouter(svc *Service, metrics http.Handler) *gin.Engine {
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pikels"))

	router.GET("/metrics", gin.WrapH(metrics))
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))
	return router
}
