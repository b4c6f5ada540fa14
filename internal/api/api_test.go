package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/search"
	"github.com/starford/kolnoter/internal/sse"
	"github.com/starford/kolnoter/internal/storage"
)

// testEnv opens a vault-backed service in a temp dir and mounts the router.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*noteservice.Service, http.Handler) {
	t.Helper()
	svc, router, _ := testEnvWithVault(t, authToken != "", authToken, nil)
	return svc, router
}

func testEnvWithVault(t *testing.T, authEnabled bool, authToken string, broker *sse.Broker) (*noteservice.Service, http.Handler, string) {
	t.Helper()
	vaultDir := t.TempDir()
	svc := noteservice.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := svc.Open(context.Background(), noteservice.Options{
		Backend:     storage.BackendFilesystem,
		VaultPath:   vaultDir,
		CreateVault: true,
		NoWatch:     true,
		Search:      search.Config{Fuzzy: 1},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, NewRouter(svc, authEnabled, authToken, broker), vaultDir
}

func call(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedWork creates system s1 with project p1 and returns the note body for
// note n1 in it.
func seedWork(t *testing.T, router http.Handler) map[string]any {
	t.Helper()
	w := call(t, router, http.MethodPut, "/systems/s1", map[string]any{
		"name":     "Work",
		"tags":     []string{},
		"projects": []map[string]any{{"id": "p1", "name": "Alpha", "tags": []string{}}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put system = %d, body = %s", w.Code, w.Body.String())
	}
	note := map[string]any{
		"systemId":   "s1",
		"projectId":  "p1",
		"title":      "Plan",
		"editorType": "markdown",
		"content":    "Ship the uniquetoken roadmap",
		"tags":       []string{"q3"},
	}
	w = call(t, router, http.MethodPut, "/notes/n1", note)
	if w.Code != http.StatusOK {
		t.Fatalf("put note = %d, body = %s", w.Code, w.Body.String())
	}
	return note
}

func TestPutAndGetNote(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodGet, "/notes/n1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var note models.Note
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.ID != "n1" || note.Title != "Plan" {
		t.Errorf("note = %+v", note)
	}
	if got := note.MarkdownContent(); got != "Ship the uniquetoken roadmap" {
		t.Errorf("content = %q", got)
	}
	if note.CreatedAt == 0 || note.UpdatedAt < note.CreatedAt {
		t.Errorf("timestamps not stamped: %d %d", note.CreatedAt, note.UpdatedAt)
	}
}

func TestPutNote_Validation(t *testing.T) {
	_, router := testEnv(t, "")

	if w := call(t, router, http.MethodPut, "/notes/n1", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}
	if w := call(t, router, http.MethodPut, "/notes/n1", map[string]string{"title": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing owner = %d, want 400", w.Code)
	}
	w := call(t, router, http.MethodPut, "/notes/n1", map[string]string{"title": "x", "systemId": "s1", "projectId": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown project = %d, want 404", w.Code)
	}
	if w := call(t, router, http.MethodPut, "/systems/s9", map[string]string{"name": " "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank system name = %d, want 400", w.Code)
	}
}

func TestSnapshot(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodGet, "/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot = %d", w.Code)
	}
	var snap models.Snapshot
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if len(snap.Systems) != 1 || len(snap.Systems[0].Projects) != 1 || len(snap.Notes) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDeleteRestoreAndPurge(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodDelete, "/notes/n1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d, body = %s", w.Code, w.Body.String())
	}
	var entry models.TrashEntry
	_ = json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.ID != "n1" || entry.DeletedAt == 0 {
		t.Errorf("trash entry = %+v", entry)
	}

	if w := call(t, router, http.MethodGet, "/notes/n1", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w := call(t, router, http.MethodDelete, "/notes/n1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}

	if w := call(t, router, http.MethodPost, "/trash/n1/restore", nil); w.Code != http.StatusOK {
		t.Fatalf("restore = %d, body = %s", w.Code, w.Body.String())
	}
	if w := call(t, router, http.MethodGet, "/notes/n1", nil); w.Code != http.StatusOK {
		t.Errorf("get after restore = %d, want 200", w.Code)
	}

	call(t, router, http.MethodDelete, "/notes/n1", nil)
	if w := call(t, router, http.MethodDelete, "/trash/n1", nil); w.Code != http.StatusNoContent {
		t.Errorf("purge = %d, want 204", w.Code)
	}
	if w := call(t, router, http.MethodPost, "/trash/n1/restore", nil); w.Code != http.StatusNotFound {
		t.Errorf("restore purged = %d, want 404", w.Code)
	}
}

func TestDeleteProjectAndSystem(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodPut, "/systems/s1/projects/p2", map[string]any{"name": "Beta", "tags": []string{}})
	if w.Code != http.StatusOK {
		t.Fatalf("put project = %d, body = %s", w.Code, w.Body.String())
	}
	if w := call(t, router, http.MethodDelete, "/projects/p1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete project = %d", w.Code)
	}
	if w := call(t, router, http.MethodGet, "/notes/n1", nil); w.Code != http.StatusNotFound {
		t.Errorf("note survived its project: %d", w.Code)
	}
	if w := call(t, router, http.MethodDelete, "/systems/s1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete system = %d", w.Code)
	}
	if w := call(t, router, http.MethodDelete, "/systems/s1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestListNotesAndTags(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)
	call(t, router, http.MethodPut, "/notes/n2", map[string]any{
		"systemId": "s1", "projectId": "p1", "title": "Other", "editorType": "markdown", "content": "x", "tags": []string{},
	})

	w := call(t, router, http.MethodGet, "/notes?project=p1&limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp NoteListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Notes) != 2 || resp.Total != 2 {
		t.Errorf("notes = %d total = %d, want 2", len(resp.Notes), resp.Total)
	}

	w = call(t, router, http.MethodGet, "/notes?tag=q3", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Notes) != 1 || resp.Notes[0].ID != "n1" {
		t.Errorf("tag filter = %+v", resp.Notes)
	}

	w = call(t, router, http.MethodGet, "/tags", nil)
	var tags TagsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tags)
	if len(tags.Tags) != 1 || tags.Tags[0].Tag != "q3" || tags.Tags[0].Count != 1 {
		t.Errorf("tags = %+v", tags.Tags)
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodGet, "/search?q=uniquetoken", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "n1" {
		t.Errorf("results = %+v", resp.Results)
	}

	w = call(t, router, http.MethodGet, "/search?q=alpha&type=project", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "p1" {
		t.Errorf("typed results = %+v", resp.Results)
	}

	w = call(t, router, http.MethodGet, "/suggest?q=uniq", nil)
	var sug SuggestResponse
	_ = json.Unmarshal(w.Body.Bytes(), &sug)
	if len(sug.Suggestions) != 1 || sug.Suggestions[0].Text != "uniquetoken" {
		t.Errorf("suggestions = %+v", sug.Suggestions)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, router := testEnv(t, "")
	if w := call(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestRebuildIndex(t *testing.T) {
	_, router := testEnv(t, "")
	seedWork(t, router)

	w := call(t, router, http.MethodPost, "/index/rebuild", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild = %d", w.Code)
	}
	var counts map[string]int
	_ = json.Unmarshal(w.Body.Bytes(), &counts)
	if counts["systems"] != 1 || counts["projects"] != 1 || counts["notes"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestMigrationEndpoints(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	events := broker.Subscribe()
	defer broker.Unsubscribe(events)

	_, router, _ := testEnvWithVault(t, false, "", broker)
	seedWork(t, router)

	w := call(t, router, http.MethodGet, "/migration/validate", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"valid":true`) {
		t.Fatalf("validate = %d, body = %s", w.Code, w.Body.String())
	}

	if w := call(t, router, http.MethodPost, "/migration/export", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("export without target = %d, want 400", w.Code)
	}

	dest := t.TempDir()
	w = call(t, router, http.MethodPost, "/migration/export", ExportRequest{To: dest})
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"notesExported":1`) {
		t.Errorf("export result = %s", w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(dest, filepath.FromSlash(storage.ConfigFile))); err != nil {
		t.Errorf("target is not a vault: %v", err)
	}

	select {
	case msg := <-events:
		if !strings.HasPrefix(string(msg), "event: "+sse.TypeMigrationProgress) {
			t.Errorf("first event = %q", msg)
		}
	case <-time.After(time.Second):
		t.Error("no migration progress published")
	}
}

func TestConflictEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	w := call(t, router, http.MethodGet, "/conflicts", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"conflicts":[]`) {
		t.Errorf("conflicts = %d %s", w.Code, w.Body.String())
	}
	w = call(t, router, http.MethodPost, "/conflicts/resolve", ResolveConflictRequest{NoteID: "n1", Resolution: "merge"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad resolution = %d, want 400", w.Code)
	}
	w = call(t, router, http.MethodPost, "/conflicts/resolve", ResolveConflictRequest{NoteID: "n1", Resolution: "keep-local"})
	if w.Code != http.StatusNotFound {
		t.Errorf("no pending conflict = %d, want 404", w.Code)
	}
}

func TestDirtyEndpoints(t *testing.T) {
	svc, router := testEnv(t, "")
	note := seedWork(t, router)

	note["content"] = "unsaved"
	if w := call(t, router, http.MethodPut, "/notes/n1/dirty", note); w.Code != http.StatusNoContent {
		t.Fatalf("mark dirty = %d", w.Code)
	}
	if !svc.IsDirty("n1") {
		t.Error("n1 not dirty")
	}
	if w := call(t, router, http.MethodDelete, "/notes/n1/dirty", nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear dirty = %d", w.Code)
	}
	if svc.IsDirty("n1") {
		t.Error("n1 still dirty")
	}
}

func TestWorkspaceClosed(t *testing.T) {
	svc, router := testEnv(t, "")
	svc.Close()
	if w := call(t, router, http.MethodGet, "/snapshot", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed workspace = %d, want 503", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")
	if w := call(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")
	if w := call(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	_, router, _ := testEnvWithVault(t, true, "secret", broker)

	if w := call(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	broker := sse.NewBroker(time.Second)
	defer broker.Close()
	_, router, _ := testEnvWithVault(t, true, "tok", broker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestSSENotMountedWithoutBroker(t *testing.T) {
	_, router := testEnv(t, "")
	if w := call(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("events without broker = %d, want 404", w.Code)
	}
}

// Attachment tests.

func uploadFile(t *testing.T, router http.Handler, owner, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachments/"+owner, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndServeAttachment(t *testing.T) {
	_, router, vaultDir := testEnvWithVault(t, false, "", nil)

	w := uploadFile(t, router, "n1", "test.png", []byte("fake-png-data"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var resp AttachmentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Filename != "test.png" || resp.Size != len("fake-png-data") || resp.Path != "assets/n1/test.png" {
		t.Errorf("upload response = %+v", resp)
	}

	data, err := os.ReadFile(filepath.Join(vaultDir, "assets", "n1", "test.png"))
	if err != nil {
		t.Fatalf("file not on disk: %v", err)
	}
	if string(data) != "fake-png-data" {
		t.Errorf("content mismatch")
	}

	w = call(t, router, http.MethodGet, resp.URL[len("/api"):], nil)
	if w.Code != http.StatusOK || w.Body.String() != "fake-png-data" {
		t.Fatalf("serve = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}

	if w := call(t, router, http.MethodDelete, "/attachments/n1/test.png", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if w := call(t, router, http.MethodGet, "/attachments/n1/test.png", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", w.Code)
	}
}

func TestPutAttachmentRawBody(t *testing.T) {
	_, router := testEnv(t, "")

	w := call(t, router, http.MethodPut, "/attachments/n1/notes.txt", "plain text")
	if w.Code != http.StatusCreated {
		t.Fatalf("put = %d, body = %s", w.Code, w.Body.String())
	}
	w = call(t, router, http.MethodGet, "/attachments/n1/notes.txt", nil)
	if w.Body.String() != "plain text" {
		t.Errorf("body = %q", w.Body.String())
	}

	if w := call(t, router, http.MethodPut, "/attachments/n1/empty.txt", ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty payload = %d, want 400", w.Code)
	}
}

func TestServeAttachment_NotFound(t *testing.T) {
	_, router := testEnv(t, "")
	if w := call(t, router, http.MethodGet, "/attachments/n1/nope.png", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing attachment = %d, want 404", w.Code)
	}
}

func TestServeAttachment_TraversalBlocked(t *testing.T) {
	_, router := testEnv(t, "")
	for _, p := range []string{"/attachments/n1/..%2F..%2Fsecret.md", "/attachments/../../etc/passwd"} {
		if w := call(t, router, http.MethodGet, p, nil); w.Code == http.StatusOK {
			t.Errorf("traversal %q should not return 200", p)
		}
	}
}

func TestUploadAttachment_InvalidFilename(t *testing.T) {
	_, router, vaultDir := testEnvWithVault(t, false, "", nil)
	w := uploadFile(t, router, "n1", "../escape.txt", []byte("bad"))
	// Either rejected or the cleaned name lands safely inside assets/.
	if w.Code == http.StatusCreated {
		if _, err := os.Stat(filepath.Join(vaultDir, "..", "escape.txt")); err == nil {
			t.Error("file escaped vault directory")
		}
	}
}

func TestUploadAttachment_AuthProtected(t *testing.T) {
	_, router := testEnv(t, "secret")
	if w := uploadFile(t, router, "n1", "x.png", []byte("data")); w.Code != http.StatusUnauthorized {
		t.Errorf("upload no auth = %d, want 401", w.Code)
	}
}

func TestUploadAttachment_MissingFileField(t *testing.T) {
	_, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("wrong", "data")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachments/n1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_QueryTokenForGet(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := call(t, router, http.MethodGet, "/notes?access_token=secret123", nil); w.Code != http.StatusOK {
		t.Errorf("GET with query token = %d, want 200", w.Code)
	}
	if w := call(t, router, http.MethodPost, "/index/rebuild?access_token=secret123", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("POST with query token = %d, want 401", w.Code)
	}
}

func TestErrorBodyCarriesCode(t *testing.T) {
	_, router := testEnv(t, "")
	w := call(t, router, http.MethodGet, "/notes/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Code != "not_found" || body.Error != "not found" {
		t.Errorf("body = %+v", body)
	}
}
