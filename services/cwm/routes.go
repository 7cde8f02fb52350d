// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cwm

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/observability"
	"github.com/AleutianAI/AleutianCache/services/cwm/security"
)

// RegisterRoutes registers the context window manager endpoints on the
// given router group.
//
// The following endpoints are registered:
//
//	GET    /cwm/health              - Component health aggregation
//	POST   /cwm/freeze              - Freeze a session into a window
//	POST   /cwm/thaw                - Thaw a window into a new session
//	POST   /cwm/clone               - Clone a window
//	GET    /cwm/windows             - List windows (filter/search/sort)
//	GET    /cwm/windows/:name       - Window info with verification state
//	DELETE /cwm/windows/:name       - Delete a window and its blocks
//	GET    /cwm/sessions            - List sessions (state/model filter)
//	GET    /cwm/sessions/:id        - Session info
//	POST   /cwm/sessions/:id/expire - Expire an active session
//	DELETE /cwm/sessions/:id        - Delete a session
//	GET    /cwm/audit               - Query the audit log
//	GET    /cwm/cache/stats         - Block store and prefix cache stats
//
// Mutating endpoints run behind the rate limiter; a denied request
// answers 429 with a Retry-After header.
//
// Inputs:
//
//	rg - The router group to register routes on (e.g., /v1)
//	handlers - The handlers to register
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	limited := RateLimitMiddleware(handlers.svc.limiter)

	group := rg.Group("/cwm")
	{
		group.GET("/health", handlers.HandleHealth)

		group.POST("/freeze", limited, handlers.HandleFreeze)
		group.POST("/thaw", limited, handlers.HandleThaw)
		group.POST("/clone", limited, handlers.HandleClone)

		wins := group.Group("/windows")
		{
			wins.GET("", handlers.HandleListWindows)
			wins.GET("/:name", handlers.HandleGetWindow)
			wins.DELETE("/:name", limited, handlers.HandleDeleteWindow)
		}

		sessions := group.Group("/sessions")
		{
			sessions.GET("", handlers.HandleListSessions)
			sessions.GET("/:id", handlers.HandleGetSession)
			sessions.POST("/:id/expire", limited, handlers.HandleExpireSession)
			sessions.DELETE("/:id", limited, handlers.HandleDeleteSession)
		}

		group.GET("/audit", handlers.HandleAudit)
		group.GET("/cache/stats", handlers.HandleCacheStats)
	}
}

// RateLimitMiddleware enforces the per-client budgets. A denied request
// consumes no budget, answers 429 with a Retry-After hint, and aborts
// the chain before the handler runs.
func RateLimitMiddleware(limiter *security.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, wait := limiter.Allow(clientKey(c))
		if !allowed {
			observability.RecordRateLimited()
			writeError(c, cwmerr.NewRateLimited(wait))
			c.Abort()
			return
		}
		c.Next()
	}
}

// clientKey identifies the caller for rate limiting: the session the
// request acts for when the client names one, the remote address
// otherwise. Session-keyed budgets keep one chatty session from
// starving the rest of a shared NAT.
func clientKey(c *gin.Context) string {
	if id := c.GetHeader("X-Session-ID"); id != "" {
		return id
	}
	return c.ClientIP()
}
