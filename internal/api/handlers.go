package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/conflict"
	"github.com/starford/kolnoter/internal/index"
	"github.com/starford/kolnoter/internal/migration"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/search"
	"github.com/starford/kolnoter/internal/sse"
)

const maxBodyBytes = 10 << 20

// Publisher receives workspace events for SSE clients.
type Publisher interface {
	Publish(sse.Event)
}

// Handler holds API route handlers.
type Handler struct {
	svc    *noteservice.Service
	events Publisher
}

// NewHandler creates a new Handler. events may be nil.
func NewHandler(svc *noteservice.Service, events Publisher) *Handler {
	return &Handler{svc: svc, events: events}
}

// writeError maps service errors onto status codes and logs the rest.
func writeError(w http.ResponseWriter, op string, err error) {
	var serr *apperr.SerializationError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorCode("not_found", "not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorCode("already_exists", err.Error()))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorCode("conflict", err.Error()))
	case errors.Is(err, apperr.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorCode("closed", "no workspace open"))
	case errors.As(err, &serr):
		writeJSON(w, http.StatusUnprocessableEntity, errorCode("invalid_format", err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorCode("internal", "internal error"))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// Workspace handles GET /api/workspace.
func (h *Handler) Workspace(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info()
	if err != nil {
		writeError(w, "workspace info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Snapshot handles GET /api/snapshot.
//
//	@Summary		Load every system, project, note and trash entry
//	@Tags			workspace
//	@Produce		json
//	@Success		200	{object}	models.Snapshot
//	@Security		BearerAuth
//	@Router			/snapshot [get]
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.LoadAll(r.Context())
	if err != nil {
		writeError(w, "load snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes with optional pagination and filtering
//	@Tags			notes
//	@Produce		json
//	@Param			system	query		string	false	"System id"
//	@Param			project	query		string	false	"Project id"
//	@Param			tag		query		string	false	"Filter by tag"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	notes, total, err := h.svc.ListNotes(r.Context(), index.Filter{
		SystemID:  q.Get("system"),
		ProjectID: q.Get("project"),
		Tag:       q.Get("tag"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	if notes == nil {
		notes = []models.Note{}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.svc.GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// PutNote handles PUT /api/notes/{id}. The path id wins over the body.
//
//	@Summary		Create or replace a note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Note id"
//	@Param			body	body		models.Note	true	"Note"
//	@Success		200		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) PutNote(w http.ResponseWriter, r *http.Request) {
	var n models.Note
	if !decodeBody(w, r, &n) {
		return
	}
	n.ID = chi.URLParam(r, "id")
	if n.SystemID == "" || n.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("systemId and projectId are required"))
		return
	}
	if err := h.svc.SaveNote(r.Context(), &n); err != nil {
		writeError(w, "save note", err)
		return
	}
	writeJSON(w, http.StatusOK, &n)
}

// DeleteNote handles DELETE /api/notes/{id} and returns the trash entry.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.DeleteNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "delete note", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// MarkDirty handles PUT /api/notes/{id}/dirty with the unsaved copy.
func (h *Handler) MarkDirty(w http.ResponseWriter, r *http.Request) {
	var n models.Note
	if !decodeBody(w, r, &n) {
		return
	}
	n.ID = chi.URLParam(r, "id")
	if err := h.svc.MarkDirty(&n); err != nil {
		writeError(w, "mark dirty", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearDirty handles DELETE /api/notes/{id}/dirty.
func (h *Handler) ClearDirty(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearDirty(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// PutSystem handles PUT /api/systems/{id}.
func (h *Handler) PutSystem(w http.ResponseWriter, r *http.Request) {
	var s models.System
	if !decodeBody(w, r, &s) {
		return
	}
	s.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(s.Name) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	if err := h.svc.SaveSystem(r.Context(), &s); err != nil {
		writeError(w, "save system", err)
		return
	}
	writeJSON(w, http.StatusOK, &s)
}

// DeleteSystem handles DELETE /api/systems/{id}.
func (h *Handler) DeleteSystem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSystem(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete system", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutProject handles PUT /api/systems/{systemID}/projects/{id}.
func (h *Handler) PutProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(p.Name) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	if err := h.svc.SaveProject(r.Context(), chi.URLParam(r, "systemID"), &p); err != nil {
		writeError(w, "save project", err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

// DeleteProject handles DELETE /api/projects/{id}.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreTrash handles POST /api/trash/{id}/restore.
func (h *Handler) RestoreTrash(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RestoreNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "restore note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// PurgeTrash handles DELETE /api/trash/{id}.
func (h *Handler) PurgeTrash(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PurgeTrash(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "purge trash", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tags handles GET /api/tags.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.Tags(r.Context())
	if err != nil {
		writeError(w, "list tags", err)
		return
	}
	if tags == nil {
		tags = []index.TagCount{}
	}
	writeJSON(w, http.StatusOK, TagsResponse{Tags: tags})
}

// Search handles GET /api/search.
//
//	@Summary		Ranked fuzzy search across notes, systems and projects
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			type	query		string	false	"Comma-separated item types"	Enums(note, system, project)
//	@Param			system	query		string	false	"System id"
//	@Param			project	query		string	false	"Project id"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	opts := search.Options{SystemID: q.Get("system"), ProjectID: q.Get("project"), Limit: limit}
	for _, t := range strings.Split(q.Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.Types = append(opts.Types, models.ItemType(t))
		}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: h.svc.Search(query, opts)})
}

// Suggest handles GET /api/suggest.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, SuggestResponse{Suggestions: h.svc.Suggest(r.URL.Query().Get("q"), limit)})
}

// RebuildIndex handles POST /api/index/rebuild.
func (h *Handler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, "rebuild index", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ValidateMigration handles GET /api/migration/validate.
func (h *Handler) ValidateMigration(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.ValidateSourceData(r.Context())
	if err != nil {
		writeError(w, "validate source", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ExportMigration handles POST /api/migration/export. Progress is streamed
// as migration.progress events; the response carries the final result.
//
//	@Summary		Export the open workspace into a vault directory
//	@Tags			migration
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ExportRequest	true	"Export target"
//	@Success		200		{object}	migration.Result
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/migration/export [post]
func (h *Handler) ExportMigration(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("to is required"))
		return
	}
	opts := migration.Options{ClearSource: req.ClearSource, IncludeTrash: req.IncludeTrash}
	if h.events != nil {
		opts.Progress = func(p migration.Progress) {
			h.events.Publish(sse.Event{Type: sse.TypeMigrationProgress, Data: p})
		}
	}
	res, err := h.svc.ExportToVault(r.Context(), req.To, opts)
	if err != nil {
		writeError(w, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Conflicts handles GET /api/conflicts.
func (h *Handler) Conflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": h.svc.PendingConflicts()})
}

// ResolveConflict handles POST /api/conflicts/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := conflict.ParseResolution(req.Resolution)
	if err != nil || req.NoteID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("noteId and a valid resolution are required"))
		return
	}
	out, err := h.svc.ResolveConflict(r.Context(), req.NoteID, res)
	if err != nil {
		writeError(w, "resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
