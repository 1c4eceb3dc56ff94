// Package api exposes the card-authentication handshake, the bank webhook
// endpoint, and staff avatar management over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/medcardhq/cardauthd/auth"
	"github.com/medcardhq/cardauthd/objstore"
	"github.com/medcardhq/cardauthd/webhook"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	protocol *auth.Protocol
	guard    *webhook.Guard
	avatars  *objstore.AvatarStore
	audit    *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAvatarStore enables the staff avatar endpoints.
func WithAvatarStore(store *objstore.AvatarStore) Option {
	return func(a *API) {
		a.avatars = store
	}
}

// New creates a new API instance.
func New(protocol *auth.Protocol, guard *webhook.Guard, opts ...Option) *API {
	a := &API{
		protocol: protocol,
		guard:    guard,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Get("/health", a.Health)

	r.Post("/auth/start", a.StartAuth)
	r.Post("/auth/verify", a.VerifyAuth)
	r.Post("/auth/complete", a.CompleteAuth)

	r.Post("/transactions", a.BankCallback)

	if a.avatars != nil {
		r.Post("/staff/{staffID}/avatar", a.UploadAvatar)
		r.Get("/staff/{staffID}/avatar", a.GetAvatar)
	}

	return r
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
