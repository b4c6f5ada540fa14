package api

import (
	"github.com/starford/kolnoter/internal/index"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/search"
)

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []models.Note `json:"notes" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []search.Hit `json:"results" validate:"required"`
}

// SuggestResponse wraps autocomplete suggestions.
type SuggestResponse struct {
	Suggestions []search.Suggestion `json:"suggestions" validate:"required"`
}

// TagsResponse lists tags with usage counts.
type TagsResponse struct {
	Tags []index.TagCount `json:"tags" validate:"required"`
}

// ExportRequest is the body of POST /migration/export.
type ExportRequest struct {
	To           string `json:"to" example:"/home/me/Notes" validate:"required"`
	ClearSource  bool   `json:"clearSource"`
	IncludeTrash bool   `json:"includeTrash"`
}

// ResolveConflictRequest is the body of POST /conflicts/resolve.
type ResolveConflictRequest struct {
	NoteID     string `json:"noteId" example:"8f14e45f" validate:"required"`
	Resolution string `json:"resolution" example:"keep-both" validate:"required" enums:"keep-local,keep-external,keep-both"`
}

// AttachmentResponse is returned after an attachment upload.
type AttachmentResponse struct {
	Filename string `json:"filename" example:"2026-03-04_101112_ab12.png" validate:"required"`
	Size     int    `json:"size" example:"12345" validate:"required"`
	Path     string `json:"path" example:"assets/8f14e45f/2026-03-04_101112_ab12.png" validate:"required"`
	URL      string `json:"url" example:"/api/attachments/8f14e45f/2026-03-04_101112_ab12.png" validate:"required"`
}
