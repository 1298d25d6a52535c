package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voicereport/voicereport/internal/api/handlers"
	"github.com/voicereport/voicereport/internal/api/middleware"
	"github.com/voicereport/voicereport/internal/auth"
	"github.com/voicereport/voicereport/internal/broadcast"
	"github.com/voicereport/voicereport/internal/config"
	"github.com/voicereport/voicereport/internal/control"
	"github.com/voicereport/voicereport/internal/ingest"
	"github.com/voicereport/voicereport/internal/queue"
	"github.com/voicereport/voicereport/internal/storage"
	"github.com/voicereport/voicereport/internal/workflow"
)

type Router struct {
	mux   *chi.Mux
	db    *pgxpool.Pool
	redis *redis.Client
	cfg   *config.Config
	jwt   *auth.JWTMiddleware
}

func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Router {
	return &Router{
		mux:   chi.NewRouter(),
		db:    db,
		redis: rdb,
		cfg:   cfg,
		jwt:   auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	rl := middleware.NewRateLimiter(100, 200)
	r.Use(rl.Limit)

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.db, rt.redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	// Initialize services
	store := workflow.NewPostgresStore(rt.db)
	blobs := storage.NewSupabaseStorage(rt.cfg.Storage.SupabaseURL, rt.cfg.Storage.SupabaseKey)
	queueClient := queue.NewClient(rt.cfg.Redis)
	broadcaster := broadcast.New(rt.redis, store)
	ingestSvc := ingest.NewService(store, blobs, queueClient, rt.cfg.Ingest)
	controlSvc := control.NewService(store, queueClient)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.jwt.Authenticate)

		wfH := handlers.NewWorkflowHandler(store, ingestSvc, controlSvc, broadcaster)
		r.Post("/recordings", wfH.Ingest)
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", wfH.List)
			r.Get("/{id}", wfH.Get)
			r.Get("/{id}/status", wfH.Status)
			r.Get("/{id}/events", wfH.Events)
			r.Post("/{id}/cancel", wfH.Cancel)
			r.Post("/{id}/resume", wfH.Resume)
			r.Put("/{id}/records", wfH.UpdateRecords)
			r.Get("/{id}/export", wfH.Export)
		})
	})

	return r
}
