package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/sse"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group and
// receives migration progress.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	var events Publisher
	if broker != nil {
		events = broker
	}
	h := NewHandler(svc, events)
	ah := NewAttachmentHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/workspace", h.Workspace)
	r.Get("/snapshot", h.Snapshot)

	// Entities.
	r.Put("/systems/{id}", h.PutSystem)
	r.Delete("/systems/{id}", h.DeleteSystem)
	r.Put("/systems/{systemID}/projects/{id}", h.PutProject)
	r.Delete("/projects/{id}", h.DeleteProject)

	r.Get("/notes", h.ListNotes)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.PutNote)
	r.Delete("/notes/{id}", h.DeleteNote)
	r.Put("/notes/{id}/dirty", h.MarkDirty)
	r.Delete("/notes/{id}/dirty", h.ClearDirty)

	r.Post("/trash/{id}/restore", h.RestoreTrash)
	r.Delete("/trash/{id}", h.PurgeTrash)

	r.Get("/tags", h.Tags)

	// Attachments.
	r.Post("/attachments/{owner}", ah.Upload)
	r.Put("/attachments/{owner}/{filename}", ah.Put)
	r.Get("/attachments/{owner}/{filename}", ah.Get)
	r.Delete("/attachments/{owner}/{filename}", ah.Delete)

	// Search.
	r.Get("/search", h.Search)
	r.Get("/suggest", h.Suggest)
	r.Post("/index/rebuild", h.RebuildIndex)

	// Migration and conflicts.
	r.Get("/migration/validate", h.ValidateMigration)
	r.Post("/migration/export", h.ExportMigration)
	r.Get("/conflicts", h.Conflicts)
	r.Post("/conflicts/resolve", h.ResolveConflict)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
