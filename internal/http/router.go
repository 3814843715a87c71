// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/config"
	"github.com/tbourn/go-study-backend/internal/domain"
	"github.com/tbourn/go-study-backend/internal/http/handlers"
	"github.com/tbourn/go-study-backend/internal/http/middleware"
	"github.com/tbourn/go-study-backend/internal/repo"
	"github.com/tbourn/go-study-backend/internal/services"
	"github.com/tbourn/go-study-backend/internal/storage"
)

// AI is the subset of the AI client used by the services: document
// extraction for ingestion and question answering for chat.
type AI interface {
	services.Extractor
	services.Responder
}

// Deps are the external collaborators the routes need.
type Deps struct {
	DB   *gorm.DB
	Blob storage.BlobStore
	AI   AI
}

// repoShim adapts the repository free functions to the repo interfaces
// declared by the services. One value satisfies IngestRepo, ChatRepo,
// LibraryRepo and ProfileRepo.
type repoShim struct{}

func (repoShim) EnsureUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	return repo.EnsureUser(ctx, db, u)
}

func (repoShim) GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	return repo.GetUser(ctx, db, id)
}

func (repoShim) UpdateUserName(ctx context.Context, db *gorm.DB, id, name string) error {
	return repo.UpdateUserName(ctx, db, id, name)
}

func (repoShim) CreateMaterial(ctx context.Context, db *gorm.DB, m *domain.Material) error {
	return repo.CreateMaterial(ctx, db, m)
}

func (repoShim) GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error) {
	return repo.GetMaterial(ctx, db, id, userID)
}

func (repoShim) CountMaterials(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountMaterials(ctx, db, userID)
}

func (repoShim) ListMaterialsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Material, error) {
	return repo.ListMaterialsPage(ctx, db, userID, offset, limit)
}

func (repoShim) UpdateMaterialSummary(ctx context.Context, db *gorm.DB, id, summary string) error {
	return repo.UpdateMaterialSummary(ctx, db, id, summary)
}

func (repoShim) TouchMaterial(ctx context.Context, db *gorm.DB, id string) error {
	return repo.TouchMaterial(ctx, db, id)
}

func (repoShim) DeleteMaterial(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteMaterial(ctx, db, id, userID)
}

func (repoShim) DerivedPresence(ctx context.Context, db *gorm.DB, materialIDs []string) (map[string]bool, map[string]bool, error) {
	return repo.DerivedPresence(ctx, db, materialIDs)
}

func (repoShim) MaterialsStats(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error) {
	return repo.MaterialsStats(ctx, db, userID)
}

func (repoShim) CreateDeck(ctx context.Context, db *gorm.DB, materialID, title string, cards []domain.Flashcard) (*domain.Deck, error) {
	return repo.CreateDeck(ctx, db, materialID, title, cards)
}

func (repoShim) GetDeckByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Deck, error) {
	return repo.GetDeckByMaterial(ctx, db, materialID)
}

func (repoShim) CreateQuiz(ctx context.Context, db *gorm.DB, materialID, title string, questions []domain.Question) (*domain.Quiz, error) {
	return repo.CreateQuiz(ctx, db, materialID, title, questions)
}

func (repoShim) GetQuizByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Quiz, error) {
	return repo.GetQuizByMaterial(ctx, db, materialID)
}

func (repoShim) ListRecentMessages(ctx context.Context, db *gorm.DB, materialID string, limit int) ([]domain.ChatMessage, error) {
	return repo.ListRecentMessages(ctx, db, materialID, limit)
}

func (repoShim) AppendExchange(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string, now time.Time) ([]domain.ChatMessage, error) {
	return repo.AppendExchange(ctx, db, materialID, userContent, assistantContent, now)
}

func (repoShim) AppendExchangeBasic(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string) error {
	return repo.AppendExchangeBasic(ctx, db, materialID, userContent, assistantContent)
}

func (repoShim) MessagesStats(ctx context.Context, db *gorm.DB, materialID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, db, materialID)
}

func (repoShim) CountMessages(ctx context.Context, db *gorm.DB, materialID string) (int64, error) {
	return repo.CountMessages(ctx, db, materialID)
}

func (repoShim) ListMessagesPage(ctx context.Context, db *gorm.DB, materialID string, offset, limit int) ([]domain.ChatMessage, error) {
	return repo.ListMessagesPage(ctx, db, materialID, offset, limit)
}

// idempotencyStore records completed keyed requests in the database.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Save stores the record. A concurrent first request that already stored the
// same key is not an error.
func (s idempotencyStore) Save(ctx context.Context, userID, scope, key, resourceID string, status int) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, resourceID, status, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// lookup implements middleware.IdempotencyLookup.
func (s idempotencyStore) lookup(ctx context.Context, userID, scope, key string, now time.Time) (string, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.ResourceID, true, nil
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (uploads get their own cap)
//  6. Metrics
//  7. Global rate limiter (per IP)
//  8. CORS, security headers and gzip
//  9. API group: Auth, then idempotency validation, then the per-user
//     limiter on routes that call the AI service
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderDevUserID},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Body size limits: 1 MiB for JSON, the upload cap plus multipart
	// framing for file uploads.
	apiBase := cfg.APIBasePath
	uploadPath := joinPath(apiBase, "/materials")
	r.Use(limitBody(1<<20, map[string]int64{
		http.MethodPost + " " + uploadPath: cfg.MaxUploadBytes + 1<<20,
	}))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per IP (identity is not known yet)
	global := middleware.NewRateLimiter("global", cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(global.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderDevUserID, middleware.HeaderIdempotencyKey, "If-None-Match"}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
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
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	// Compress JSON. /metrics negotiates its own encoding.
	if cfg.GzipEnabled {
		r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	}

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/blob/ai
	idem := idempotencyStore{db: deps.DB, ttl: cfg.IdempotencyTTL}
	ingestSvc := services.NewIngestService(deps.DB, repoShim{}, deps.Blob, deps.AI, cfg.DefaultLanguage)
	chatSvc := services.NewChatService(deps.DB, repoShim{}, deps.AI, cfg.ChatHistoryWindow)
	librarySvc := services.NewLibraryService(deps.DB, repoShim{})
	profileSvc := services.NewProfileService(deps.DB, repoShim{})
	h := handlers.New(ingestSvc, librarySvc, chatSvc, profileSvc, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Idempotency:    idem,
	})

	// Routes that reach the AI service or the blob store share a smaller
	// per-user budget.
	costly := middleware.NewRateLimiter("costly", cfg.UploadRateRPS, cfg.UploadRateBurst, middleware.KeyByUserOrIP()).Handler()

	// Public API
	api := groupWithPrefix(r, apiBase)
	api.Use(
		middleware.SecurityHeaders(middleware.SecurityOptions{PrivateCache: true}),
		middleware.Auth(middleware.AuthOptions{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			DevHeader: cfg.Auth.DevHeader,
		}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idem.lookup),
	)
	{
		// Materials
		api.POST("/materials", costly, h.UploadMaterial)
		api.GET("/materials", h.ListMaterials)
		api.GET("/materials/:id", h.GetMaterial)
		api.DELETE("/materials/:id", h.DeleteMaterial)
		api.POST("/materials/:id/regenerate", costly, h.RegenerateMaterial)

		// Chat
		api.POST("/materials/:id/chat", costly, h.Chat)
		api.GET("/materials/:id/messages", h.ListMessages)

		// Profile
		api.GET("/me", h.GetProfile)
		api.PATCH("/me", h.UpdateProfile)
	}
}

// limitBody caps the request body with http.MaxBytesReader. Routes listed in
// overrides (keyed by "METHOD /full/route") get their own cap; everything else
// gets def. Reads past the cap fail with *http.MaxBytesError.
func limitBody(def int64, overrides map[string]int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := def
		if n, ok := overrides[c.Request.Method+" "+c.FullPath()]; ok && n > 0 {
			limit = n
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
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

// joinPath joins an API prefix and a route the way gin resolves group paths.
func joinPath(prefix, route string) string {
	if prefix == "" || prefix == "/" {
		return route
	}
	if prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + route
}
