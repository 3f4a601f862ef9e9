// Package server provides the HTTP API of the host link daemon.
//
// # Document API (OAuth2 bearer token when configured)
//
//   - POST {base}/documents                    - Store a document
//   - GET  {base}/documents                    - List documents
//   - GET  {base}/documents/{id}               - Get a document
//   - POST {base}/documents/{id}/transmit      - Transmit to the host (?format=xml|json)
//   - GET  {base}/documents/{id}/attempts      - Attempt log
//
// # Credential administration (X-Admin-Key)
//
//   - GET  /admin/credentials          - List credentials
//   - POST /admin/credentials          - Create a credential
//   - GET  /admin/credentials/{id}     - Get a credential
//   - PUT  /admin/credentials/{id}     - Update a credential
//   - POST /admin/credentials/test     - Test the credential for a format
//
// # Health
//
//   - GET /health - Liveness check
//   - GET /ready  - Readiness check (storage ping)
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/sirosfoundation/go-hostlink/internal/auth"
	"github.com/sirosfoundation/go-hostlink/internal/config"
	"github.com/sirosfoundation/go-hostlink/internal/dispatch"
	"github.com/sirosfoundation/go-hostlink/internal/secret"
	"github.com/sirosfoundation/go-hostlink/internal/storage"
)

// Deps are the collaborators the HTTP handlers call into
type Deps struct {
	Store      storage.Store
	Dispatcher *dispatch.Dispatcher
	Secrets    secret.Box
}

// Server is the host link HTTP server
type Server struct {
	config        *config.Config
	logger        *slog.Logger
	httpSrv       *http.Server
	router        chi.Router
	store         storage.Store
	dispatcher    *dispatch.Dispatcher
	secrets       secret.Box
	authenticator *auth.Authenticator
	validate      *validator.Validate
}

// New creates a new server
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Dispatcher == nil {
		return nil, errors.New("server requires a store and a dispatcher")
	}
	if deps.Secrets == nil {
		deps.Secrets = secret.Plain{}
	}

	s := &Server{
		config:        cfg,
		logger:        logger,
		store:         deps.Store,
		dispatcher:    deps.Dispatcher,
		secrets:       deps.Secrets,
		authenticator: auth.NewAuthenticator(cfg.Auth(), logger),
		validate:      validator.New(),
	}

	if s.authenticator.IsEnabled() {
		logger.Info("OAuth2 authentication enabled", "issuer", cfg.OAuth2.Issuer)
	} else {
		logger.Warn("OAuth2 authentication disabled - document endpoints will accept unauthenticated requests")
	}
	if cfg.Server.AdminKey == "" {
		logger.Warn("no admin key configured - admin endpoints are unreachable")
	}

	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// transmissions retry inline, so writes may take a while
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.Server.TLS.Enabled)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server. The store stays open; it belongs
// to whoever passed it in.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	basePath := strings.TrimSuffix(s.config.Server.BasePath, "/")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.withAdmin)
		r.Get("/credentials", s.handleListCredentials)
		r.Post("/credentials", s.handleCreateCredential)
		r.Post("/credentials/test", s.handleTestCredential)
		r.Get("/credentials/{credentialID}", s.handleGetCredential)
		r.Put("/credentials/{credentialID}", s.handleUpdateCredential)
	})

	r.Route(basePath+"/documents", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleCreateDocument)
		r.Get("/{documentID}", s.handleGetDocument)
		r.Post("/{documentID}/transmit", s.handleTransmitDocument)
		r.Get("/{documentID}/attempts", s.handleListAttempts)
	})

	return r
}

// Middleware

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// withAuth validates OAuth2/JWT tokens for the document API
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if not configured (development mode)
		if !s.authenticator.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.authenticator.ValidateRequest(r)
		if err != nil {
			s.logger.Debug("authentication failed", "error", err, "path", r.URL.Path)
			switch {
			case errors.Is(err, auth.ErrNoToken):
				w.Header().Set("WWW-Authenticate", `Bearer realm="hostlink"`)
				s.jsonError(w, "authentication required", http.StatusUnauthorized)
			case errors.Is(err, auth.ErrTokenExpired):
				s.jsonError(w, "token expired", http.StatusUnauthorized)
			case errors.Is(err, auth.ErrInvalidAudience), errors.Is(err, auth.ErrInvalidIssuer):
				s.jsonError(w, "invalid token", http.StatusForbidden)
			case errors.Is(err, auth.ErrInsufficientScope):
				s.jsonError(w, "insufficient scope", http.StatusForbidden)
			default:
				s.jsonError(w, "authentication failed", http.StatusUnauthorized)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	})
}

func (s *Server) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check for admin API key in header
		apiKey := r.Header.Get("X-Admin-Key")
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.Server.AdminKey)) != 1 {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
