package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"wa-linepool/internal/httpapi"
	"wa-linepool/internal/rbac"
	"wa-linepool/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, ready func(ctx context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhook (public). The gateway in front of this service verifies
	// provider signatures and posts the normalized event.
	r.POST("/webhooks/inbound", h.Inbound)

	// Dev token minting; the handler refuses outside local/dev.
	r.POST("/v1/auth/token", h.IssueToken)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		me := v1.Group("/operators/me")
		me.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			me.POST("/online", h.Online)
			me.POST("/offline", h.Offline)
		}

		msgs := v1.Group("/messages")
		msgs.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			msgs.POST("", h.Send)
		}

		// Line management: supervisors and admins (admin bypasses role checks).
		ls := v1.Group("/lines")
		ls.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			ls.GET("/load", h.LineLoad)
			ls.POST("/:line_id/bindings", h.Bind)
			ls.DELETE("/:line_id/bindings/:operator_id", h.Unbind)
		}

		admin := v1.Group("/lines")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/:line_id/ban", h.Ban)
		}
	}
}

// readiness pings Postgres and Redis.
func readiness(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
}
