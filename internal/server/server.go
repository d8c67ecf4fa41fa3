// Package server wires every HTTP handler onto one chi router.
package server

import (
	"context"
	"io/fs"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/certificate"
	"github.com/awarelab/awarelab/internal/database"
	"github.com/awarelab/awarelab/internal/docs"
	"github.com/awarelab/awarelab/internal/httputil"
	"github.com/awarelab/awarelab/internal/notify"
	"github.com/awarelab/awarelab/internal/progress"
	"github.com/awarelab/awarelab/internal/ratelimit"
	"github.com/awarelab/awarelab/internal/validate"
	"github.com/awarelab/awarelab/internal/watch"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the collaborators built in main. Nil handlers leave their
// routes unregistered.
type Config struct {
	DB              database.DBTX
	Pinger          Pinger
	WebFS           fs.FS
	JWTSecret       string
	BaseURL         string
	StorageEndpoint string
	EnableDocs      bool

	Progress     *progress.Handler
	Certificates *certificate.Handler
	Players      *watch.Handler
	Inbox        *notify.Inbox

	// Limiters default to sensible per-group buckets when nil.
	AuthLimiter *ratelimit.Limiter
	APILimiter  *ratelimit.Limiter
}

type Server struct {
	router      chi.Router
	cfg         Config
	authHandler *auth.Handler
}

func New(cfg Config) *Server {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.AuthLimiter == nil {
		cfg.AuthLimiter = ratelimit.NewLimiter(0.5, 5)
	}
	if cfg.APILimiter == nil {
		// Player heartbeats arrive every few seconds per open modal.
		cfg.APILimiter = ratelimit.NewLimiter(5, 30, ratelimit.WithKeyFunc(ratelimit.UserOrIP))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.StorageEndpoint,
		EmbedOrigins:    DefaultEmbedOrigins,
	}))

	s := &Server{router: r, cfg: cfg}
	if cfg.DB != nil && cfg.JWTSecret != "" {
		s.authHandler = auth.NewHandler(cfg.DB, cfg.JWTSecret, strings.HasPrefix(cfg.BaseURL, "https://"))
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	cfg := s.cfg
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", handleLimits)

	if cfg.EnableDocs {
		s.router.Get("/api/docs", docs.HandleDocs)
		s.router.Get("/api/docs/openapi.yaml", docs.HandleSpec)
	}
	if cfg.Progress != nil {
		s.router.Get("/api/catalog", cfg.Progress.Catalog)
	}
	if cfg.Certificates != nil {
		s.router.With(cfg.AuthLimiter.Middleware).Get("/api/certificates/verify/{code}", cfg.Certificates.Verify)
	}

	if s.authHandler != nil {
		s.router.Route("/api/auth", func(r chi.Router) {
			r.Use(cfg.AuthLimiter.Middleware)
			r.Post("/register", s.authHandler.Register)
			r.Post("/login", s.authHandler.Login)
			r.Post("/refresh", s.authHandler.Refresh)
			r.Post("/logout", s.authHandler.Logout)
		})

		s.router.Group(func(r chi.Router) {
			r.Use(s.authHandler.Middleware)
			r.Use(cfg.APILimiter.Middleware)

			if cfg.Progress != nil {
				r.Get("/api/dashboard", cfg.Progress.Dashboard)
				r.Get("/api/profile", cfg.Progress.Profile)
				r.Get("/api/modules/{moduleId}/progress", cfg.Progress.ModuleProgress)
				r.Post("/api/modules/{moduleId}/quiz", cfg.Progress.SubmitQuiz)
			}
			if cfg.Inbox != nil {
				r.Get("/api/notifications", cfg.Inbox.HandleDrain)
			}
			if cfg.Players != nil {
				r.Post("/api/players", cfg.Players.CreatePlayer)
				r.Post("/api/players/{containerId}/events", cfg.Players.Event)
				r.Delete("/api/players/{containerId}", cfg.Players.DestroyPlayer)
			}
			if cfg.Certificates != nil {
				r.Post("/api/certificates", cfg.Certificates.Issue)
				r.Get("/api/certificates", cfg.Certificates.List)
				r.Get("/api/certificates/{id}/download", cfg.Certificates.Download)
			}
		})
	}

	s.router.NotFound(s.notFound())
}

func (s *Server) notFound() http.HandlerFunc {
	var spa http.Handler
	if s.cfg.WebFS != nil {
		spa = newSPAFileServer(s.cfg.WebFS)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if spa == nil || strings.HasPrefix(r.URL.Path, "/api/") {
			httputil.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		spa.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.cfg.Pinger != nil {
		if err := s.cfg.Pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
}
