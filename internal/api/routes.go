package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifier/internal/types"
)

const defaultRequestTimeout = 10 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
}

// MountRoutes registers the middleware chain and every route.
//
// Middleware order:
//  1. Recoverer: outermost so every panic is caught.
//  2. ContextTimeout
//  3. RequestID: needed by the logger and every error envelope.
//  4. SecurityHeaders
//  5. RequestLogger
//
// /health stays public; /v1 requires the admin API key when one is
// configured.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusNotFound, APIErrorResponse{Error: ErrorDetail{
			Code:    "not_found_route",
			Message: "no route for " + r.Method + " " + r.URL.Path,
		}})
	})

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminAuthMiddleware)
		r.Get("/plugin-types", s.handleListPluginTypes)
		r.Route("/tenants/{tenant}", s.mountTenant)
	})
}

func (s *Server) mountTenant(r chi.Router) {
	r.Use(s.tenantMiddleware)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleID}", s.handleGetRule)
		r.Put("/{ruleID}", s.handleUpdateRule)
		r.Delete("/{ruleID}", s.handleDeleteRule)
	})

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.handleListPlugins)
		r.Get("/{businessID}", s.handleGetPlugin)
		r.Put("/{businessID}", s.handlePutPlugin)
		r.Delete("/{businessID}", s.handleDeletePlugin)
	})

	r.Post("/invalidate", s.handleInvalidate)
}

// tenantMiddleware rejects malformed tenant path segments before any
// handler runs.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Validator.ValidateIdentifier("tenant", chi.URLParam(r, "tenant"), types.ErrCodeValidationInvalidEvent); err != nil {
			Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}
