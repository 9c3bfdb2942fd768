package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(d Deps, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Commands.
	r.Get("/commands", h.ListCommands)
	r.Post("/commands/{id}/run", h.RunCommand)
	r.Get("/models", h.ListModels)

	// Chat history.
	r.Get("/history", h.ListThreads)
	r.Get("/history/threads/{id}", h.GetThread)
	r.Get("/history/vault", h.GetVaultThread)
	r.Delete("/history/vault", h.ClearVaultThread)
	r.Get("/history/notes/*", h.GetNoteThread)
	r.Delete("/history/notes/*", h.ClearNoteThread)

	// Vault summary.
	r.Get("/vault/snapshot", h.VaultSnapshot)
	r.Post("/vault/rebuild", h.RebuildVault)

	// Web search.
	r.Get("/search", h.Search)

	// Settings.
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
