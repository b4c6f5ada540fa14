package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/noteservice"
)

const maxUploadBytes = 50 << 20 // 50 MB

// AttachmentHandler stores and serves note attachments through the open
// workspace, whichever backend it uses.
type AttachmentHandler struct {
	svc *noteservice.Service
}

// NewAttachmentHandler creates an attachment handler.
func NewAttachmentHandler(svc *noteservice.Service) *AttachmentHandler {
	return &AttachmentHandler{svc: svc}
}

// Put handles PUT /api/attachments/{owner}/{filename} with the raw bytes as
// the body.
func (h *AttachmentHandler) Put(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("file too large"))
		return
	}
	h.save(w, r, chi.URLParam(r, "owner"), chi.URLParam(r, "filename"), data)
}

// Upload handles POST /api/attachments/{owner} (multipart/form-data, field
// "file"). An empty client filename gets a generated one.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	h.save(w, r, chi.URLParam(r, "owner"), header.Filename, data)
}

func (h *AttachmentHandler) save(w http.ResponseWriter, r *http.Request, owner, filename string, data []byte) {
	res, err := h.svc.SaveAttachment(r.Context(), owner, filename, data)
	if err != nil {
		writeError(w, "save attachment", err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusBadRequest, errorBody(res.Error))
		return
	}
	writeJSON(w, http.StatusCreated, AttachmentResponse{
		Filename: res.Filename,
		Size:     len(data),
		Path:     res.Path,
		URL:      "/api/attachments/" + owner + "/" + res.Filename,
	})
}

// Get handles GET /api/attachments/{owner}/{filename}.
func (h *AttachmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	data, err := h.svc.GetAttachment(r.Context(), chi.URLParam(r, "owner"), filename)
	if err != nil {
		writeError(w, "get attachment", err)
		return
	}
	mime := datauri.MimeFromFilename(filename)
	if mime == "" {
		mime = datauri.Sniff(data)
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Delete handles DELETE /api/attachments/{owner}/{filename}.
func (h *AttachmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAttachment(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "filename")); err != nil {
		writeError(w, "delete attachment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
