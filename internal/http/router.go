// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, session authentication, idempotency, and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/balance"
	"github.com/tbourn/go-tuition-backend/internal/config"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/http/handlers"
	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/otp"
	"github.com/tbourn/go-tuition-backend/internal/reconcile"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/saga"
	"github.com/tbourn/go-tuition-backend/internal/services"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// checkpointStoreShim adapts the repository free functions to the
// saga.CheckpointStore interface expected by the Coordinator. This keeps the
// coordinator decoupled from the concrete repo package while reusing existing
// functions.
type checkpointStoreShim struct{ db *gorm.DB }

// Save proxies repo.SaveCheckpoint.
func (s checkpointStoreShim) Save(ctx context.Context, cp *domain.SagaCheckpoint) error {
	return repo.SaveCheckpoint(ctx, s.db, cp)
}

// Get proxies repo.GetCheckpoint.
func (s checkpointStoreShim) Get(ctx context.Context, userID, id string) (*domain.SagaCheckpoint, error) {
	return repo.GetCheckpoint(ctx, s.db, userID, id)
}

// LatestOpen proxies repo.LatestOpenCheckpoint.
func (s checkpointStoreShim) LatestOpen(ctx context.Context, userID string) (*domain.SagaCheckpoint, error) {
	return repo.LatestOpenCheckpoint(ctx, s.db, userID)
}

// receiptStoreShim adapts the receipt repository to saga.ReceiptStore.
type receiptStoreShim struct{ db *gorm.DB }

// SaveReceipt proxies repo.SaveReceiptWithKey.
func (s receiptStoreShim) SaveReceipt(ctx context.Context, r *domain.PaymentReceipt, idemKey string, ttl time.Duration) error {
	return repo.SaveReceiptWithKey(ctx, s.db, r, idemKey, ttl)
}

// ReceiptByKey proxies repo.ReceiptByKey.
func (s receiptStoreShim) ReceiptByKey(ctx context.Context, userID, sagaID, key string, now time.Time) (*domain.PaymentReceipt, error) {
	return repo.ReceiptByKey(ctx, s.db, userID, sagaID, key, now)
}

// Deps bundles the long-lived collaborators shared between the router and
// the process entrypoint (which also drives the background poller).
type Deps struct {
	DB         *gorm.DB
	Identity   *upstream.IdentityClient
	OTP        *upstream.OTPClient
	Tuition    *upstream.TuitionClient
	Balances   *balance.Cache
	Registry   *reconcile.SessionRegistry
	Reconciler *reconcile.Reconciler
	Log        zerolog.Logger
}

// NewDeps constructs the upstream clients, snapshot cache, session registry,
// and reconciler from configuration.
func NewDeps(db *gorm.DB, cfg config.Config, log zerolog.Logger) *Deps {
	identity := upstream.NewIdentityClient(cfg.Upstream.IdentityURL, cfg.Upstream.Timeout)
	balances := balance.NewCache()
	return &Deps{
		DB:         db,
		Identity:   identity,
		OTP:        upstream.NewOTPClient(cfg.Upstream.OTPURL, cfg.Upstream.Timeout),
		Tuition:    upstream.NewTuitionClient(cfg.Upstream.TuitionURL, cfg.PaymentDeadline),
		Balances:   balances,
		Registry:   reconcile.NewSessionRegistry(),
		Reconciler: reconcile.New(identity, balances, log),
		Log:        log,
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
//
// Session authentication is applied per-group: everything except /auth/login,
// /health, and /metrics requires a bearer token.
func RegisterRoutes(r *gin.Engine, d *Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"Authorization", // bearer tokens never reach the logs
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB), gzip responses
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, sagaID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, d.DB, userID, sagaID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
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
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
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

	// Dependency injection: services ← clients/cache/db
	authSvc := services.NewAuthService(d.Identity, d.Balances, d.Registry, cfg.JWTSecret, cfg.SessionTTL)
	otpCtl := otp.NewController(d.OTP, cfg.OTP.ResendCooldown, cfg.OTP.Expiry, cfg.OTP.CodeLength, cfg.OTP.MaxAttempts)
	coordinator := saga.New(
		checkpointStoreShim{d.DB},
		receiptStoreShim{d.DB},
		d.Tuition,
		d.Tuition,
		otpCtl,
		d.Reconciler,
		d.Balances,
		cfg.IdempotencyTTL,
		d.Log,
	)
	dirSvc := &services.StudentService{DB: d.DB, Tuition: d.Tuition}
	h := handlers.New(authSvc, coordinator, dirSvc, d.Reconciler, d.Balances)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.POST("/auth/login", h.Login)

	authed := api.Group("", middleware.SessionAuth(authSvc, d.Registry.Touch))
	{
		authed.POST("/auth/logout", h.Logout)

		// Balance snapshot
		authed.GET("/balance", h.GetBalance)
		authed.POST("/balance/refresh", h.RefreshBalance)

		// Directory and history
		authed.GET("/students/unpaid", h.UnpaidStudents)
		authed.GET("/payments/history", h.PaymentHistory)
		authed.GET("/payments/receipts", h.PaymentReceipts)

		// Payment saga
		authed.POST("/sagas", h.StartSaga)
		authed.GET("/sagas/current", h.CurrentSaga)
		authed.GET("/sagas/:id", h.GetSaga)
		authed.POST("/sagas/:id/terms", h.AcceptTerms)
		authed.POST("/sagas/:id/otp", h.RequestOTP)
		authed.POST("/sagas/:id/otp/verify", h.VerifyOTP)
		authed.POST("/sagas/:id/pay", h.SubmitPayment)
		authed.POST("/sagas/:id/abandon", h.AbandonSaga)
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
