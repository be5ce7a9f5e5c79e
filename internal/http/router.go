// Package httpapi wires the bot's admin HTTP surface (Gin) to middleware and
// route handlers. The admin API is read-only: operators use it to inspect
// the audit trail, scrape metrics, and probe liveness. It is meant to be
// bound to an internal interface, not exposed publicly.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/lsr-sec/totp-bot/internal/config"
	"github.com/lsr-sec/totp-bot/internal/http/handlers"
	"github.com/lsr-sec/totp-bot/internal/http/middleware"
)

// RegisterAdminRoutes attaches middleware and endpoints to the given Gin
// engine:
//
//	GET /health             liveness probe
//	GET /metrics            Prometheus scrape target
//	GET /api/v1/audit       paginated audit entries
//	GET /api/v1/audit/stats per-outcome totals
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Security headers (audit rows carry emails, so no-store)
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, cfg config.BotConfig) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(db)
	api := r.Group("/api/v1")
	{
		api.GET("/audit", h.ListAudit)
		api.GET("/audit/stats", h.AuditStats)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Oversized bodies error on downstream reads.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
