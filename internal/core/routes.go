package core

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"citewatch/internal/types"
)

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// MountRoutes registers the middleware chain, the health check and the
// status routes under the configured prefix.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	mount := func(r chi.Router) {
		r.Get("/screenshots/{name}", s.HandleScreenshot)
		r.Get("/update", s.HandleUpdate)
		r.Get("/latest", s.HandleLatest)
		r.Get("/oauth", s.HandleOAuthCallback)
	}
	if s.prefix == "" {
		mount(s.router)
		return
	}
	s.router.Route(s.prefix, mount)
}

// RequestIDMiddleware propagates X-Request-Id or assigns a new UUID, stores
// it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
