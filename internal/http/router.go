// Package httpapi wires the HTTP transport (Gin) to the engine services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
//
// Streaming endpoints (SSE and the websocket gateway) are registered outside
// the gzip wrapper: compressed event streams buffer in intermediaries and
// defeat the point of a live feed.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Sidopolis/milap/internal/config"
	"github.com/Sidopolis/milap/internal/http/handlers"
	"github.com/Sidopolis/milap/internal/http/middleware"
	"github.com/Sidopolis/milap/internal/http/ws"
	"github.com/Sidopolis/milap/internal/services"
	"github.com/Sidopolis/milap/internal/store"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: stash the caller's X-User-ID token
//  4. Logger: structured access logs
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, st store.Store, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity from X-User-ID
	r.Use(middleware.Identity())

	// 4) Structured access logging
	r.Use(middleware.Logger())

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (before rate limiting)
	idem := middleware.NewStoreIdempotency(st, cfg.IdempotencyTTL)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		idem.Lookup,
	))

	// 9) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Swagger UI (opt-in)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← store
	presenceSvc := services.NewPresenceService(st)
	connSvc := services.NewConnectionService(st)
	msgSvc := services.NewMessageService(st)
	msgSvc.MaxTextRunes = cfg.MaxTextRunes
	profileSvc := services.NewProfileService(st)
	h := handlers.New(presenceSvc, connSvc, msgSvc, profileSvc).
		WithIdempotencyMark(idem.Mark)

	// Websocket gateway: one socket multiplexing any number of subscriptions.
	gateway := ws.NewGateway(presenceSvc, connSvc, msgSvc, profileSvc)
	r.GET("/ws", gateway.Handle)

	// Public API. Event-stream routes skip gzip; everything else is compressed.
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	zipped := groupWithPrefix(r, apiBase)
	zipped.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Identity
		zipped.POST("/identity", h.MintIdentity)

		// Presence
		zipped.PUT("/rooms/:room/presence", h.JoinRoom)
		zipped.POST("/rooms/:room/presence/heartbeat", h.HeartbeatRoom)
		zipped.DELETE("/rooms/:room/presence", h.LeaveRoom)
		zipped.GET("/rooms/:room/presence", h.GetRoster)
		api.GET("/rooms/:room/presence/stream", h.StreamRoster)

		// Broadcast messages
		zipped.POST("/rooms/:room/messages", h.PostRoomMessage)
		api.GET("/rooms/:room/messages/stream", h.StreamRoomMessages)

		// Direct messages
		zipped.POST("/threads/:peer/messages", h.SendDirectMessage)
		zipped.GET("/threads/:peer/messages", h.GetThread)
		api.GET("/threads/:peer/messages/stream", h.StreamThread)

		// Connections
		zipped.POST("/connections/requests", h.SendConnectionRequest)
		zipped.POST("/connections/requests/:from/accept", h.AcceptConnection)
		zipped.DELETE("/connections/requests/:from", h.IgnoreConnection)
		zipped.GET("/connections/inbox", h.GetInbox)
		zipped.GET("/connections/network", h.GetNetwork)
		api.GET("/connections/inbox/stream", h.StreamInbox)
		api.GET("/connections/network/stream", h.StreamNetwork)

		// Profiles and builder discovery
		zipped.GET("/profile", h.GetOwnProfile)
		zipped.PUT("/profile", h.PutProfile)
		zipped.PATCH("/profile", h.PatchProfile)
		zipped.POST("/profile/projects", h.AddProject)
		zipped.DELETE("/profile/projects/:index", h.RemoveProject)
		zipped.GET("/profiles/:id", h.GetProfile)
		zipped.GET("/builders", h.GetBuilders)
		zipped.GET("/builders/matches", h.GetMatches)
		api.GET("/builders/stream", h.StreamBuilders)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
