package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lsr-sec/totp-bot/internal/config"
	"github.com/lsr-sec/totp-bot/internal/http/handlers"
	"github.com/lsr-sec/totp-bot/internal/http/middleware"
)

// RegisterRoutes attaches middleware and endpoints to the given Gin engine:
//
//	GET /health                  liveness probe (unauthenticated)
//	GET /metrics                 Prometheus scrape target (unauthenticated)
//	GET /code?label=<label>      current code for a verbatim label
//	GET /totp/:client/:service   current code for a client/service pair
//	GET /labels                  enrolled label names
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. ScrubbingLogger: access logs with codes/seeds/emails masked
//  4. Recovery: capture panics after logger
//  5. Body size limiter (GET-only API, bodies should be empty anyway)
//  6. Metrics
//  7. Rate limiter per forwarded requester/IP
//  8. CORS and security headers (no-store: responses carry codes)
//  9. Bearer auth on the code routes only
func RegisterRoutes(r *gin.Engine, gen *Generator, cfg config.GatewayConfig) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.ScrubbingLogger(middleware.ScrubOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(64 << 10))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByRequesterOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Zulip-User"},
			ExposeHeaders:   []string{"X-Request-ID", "Content-Length"},
			MaxAge:          12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{"GET", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Zulip-User"},
			ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
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

	h := NewHandlers(gen)
	code := r.Group("", middleware.BearerAuth(cfg.APIKey))
	{
		code.GET("/code", h.GetCode)
		code.GET("/totp/:client/:service", h.GetTOTP)
		code.GET("/labels", h.ListLabels)
	}
}

// limitBody caps the request body size using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
