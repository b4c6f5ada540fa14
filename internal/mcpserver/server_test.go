package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func testServer(t *testing.T) (*Server, *noteservice.Service) {
	t.Helper()

	svc := noteservice.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Open(context.Background(), noteservice.Options{Backend: storage.BackendEmbedded}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	err := svc.SaveSystem(context.Background(), &models.System{
		ID:       "s1",
		Name:     "Work",
		Tags:     []string{},
		Projects: []models.Project{{ID: "p1", Name: "Alpha", Tags: []string{}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(svc), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no in-process "call tool" helper, so dispatch to the
	// handlers directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "suggest":
		result, err = srv.suggest(ctx, req)
	case "list_systems":
		result, err = srv.listSystems(ctx, req)
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "validate_source":
		result, err = srv.validateSource(ctx, req)
	case "upload_attachment":
		result, err = srv.uploadAttachment(ctx, req)
	case "get_vault_layout":
		result, err = srv.getVaultLayout(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func createNote(t *testing.T, srv *Server, title, content string) string {
	t.Helper()
	r := callTool(t, srv, "create_note", map[string]interface{}{
		"system_id":  "s1",
		"project_id": "p1",
		"title":      title,
		"content":    content,
		"tags":       "meeting-notes, q3",
	})
	text := resultText(r)
	if r.IsError || !strings.HasPrefix(text, "created: ") {
		t.Fatalf("create result = %q", text)
	}
	return strings.TrimPrefix(text, "created: ")
}

func TestCreateAndReadNote(t *testing.T) {
	srv, _ := testServer(t)
	id := createNote(t, srv, "Standup", "# Standup\nHello")

	r := callTool(t, srv, "read_note", map[string]interface{}{"id": id})
	if r.IsError {
		t.Fatalf("read error: %s", resultText(r))
	}
	var got struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Standup" || got.Content != "# Standup\nHello" {
		t.Errorf("note = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "meeting-notes" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestCreateNoteUnknownProject(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_note", map[string]interface{}{
		"system_id":  "s1",
		"project_id": "ghost",
		"title":      "x",
		"content":    "y",
	})
	if !r.IsError || !strings.Contains(resultText(r), "ghost") {
		t.Errorf("result = %q, want unknown project error", resultText(r))
	}
}

func TestCreateNoteMissingArgument(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_note", map[string]interface{}{"system_id": "s1"})
	if !r.IsError {
		t.Error("expected error for missing arguments")
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"id": "nope"})
	if !r.IsError || resultText(r) != "not found: nope" {
		t.Errorf("result = %q", resultText(r))
	}
}

func TestListSystemsAndNotes(t *testing.T) {
	srv, _ := testServer(t)
	id := createNote(t, srv, "Alpha note", "text")

	r := callTool(t, srv, "list_systems", map[string]interface{}{})
	var systems []models.System
	if err := json.Unmarshal([]byte(resultText(r)), &systems); err != nil {
		t.Fatal(err)
	}
	if len(systems) != 1 || len(systems[0].Projects) != 1 || systems[0].Projects[0].ID != "p1" {
		t.Errorf("systems = %+v", systems)
	}

	r = callTool(t, srv, "list_notes", map[string]interface{}{"project_id": "p1"})
	if text := resultText(r); text != id+"\tAlpha note" {
		t.Errorf("list = %q", text)
	}
	r = callTool(t, srv, "list_notes", map[string]interface{}{"tag": "absent"})
	if text := resultText(r); text != "" {
		t.Errorf("tag filter = %q, want empty", text)
	}
}

func TestSearchAndSuggest(t *testing.T) {
	srv, _ := testServer(t)
	id := createNote(t, srv, "Roadmap", "ship the quarterly milestones")

	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "milestones"})
	var hits []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Errorf("hits = %+v", hits)
	}

	r = callTool(t, srv, "search_notes", map[string]interface{}{"query": "alpha", "type": "project"})
	_ = json.Unmarshal([]byte(resultText(r)), &hits)
	if len(hits) != 1 || hits[0].ID != "p1" {
		t.Errorf("project hits = %+v", hits)
	}

	r = callTool(t, srv, "suggest", map[string]interface{}{"query": "quart"})
	if text := resultText(r); text != "quarterly" {
		t.Errorf("suggest = %q", text)
	}
}

func TestValidateSource(t *testing.T) {
	srv, _ := testServer(t)
	createNote(t, srv, "Valid", "body")

	r := callTool(t, srv, "validate_source", map[string]interface{}{})
	if !strings.Contains(resultText(r), `"valid": true`) {
		t.Errorf("validate = %s", resultText(r))
	}
}

func TestUploadAttachmentDataURI(t *testing.T) {
	srv, svc := testServer(t)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)

	r := callTool(t, srv, "upload_attachment", map[string]interface{}{
		"note_id":  "n1",
		"url":      uri,
		"filename": "white board.png",
	})
	if r.IsError {
		t.Fatalf("upload error: %s", resultText(r))
	}
	var res uploadResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.MarkdownImage != "![white_board.png]("+res.SavedPath+")" {
		t.Errorf("markdown = %q, path = %q", res.MarkdownImage, res.SavedPath)
	}

	data, err := svc.GetAttachment(context.Background(), "n1", "white_board.png")
	if err != nil || len(data) != len(pngBytes) {
		t.Errorf("stored = %d bytes, err = %v", len(data), err)
	}

	r = callTool(t, srv, "upload_attachment", map[string]interface{}{
		"note_id":  "n1",
		"url":      uri,
		"filename": "white board.png",
	})
	if !r.IsError || !strings.Contains(resultText(r), "already exists") {
		t.Errorf("duplicate upload = %q", resultText(r))
	}
}

func TestUploadAttachmentRejections(t *testing.T) {
	srv, _ := testServer(t)
	text := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))

	cases := []struct {
		name string
		args map[string]interface{}
	}{
		{"extension", map[string]interface{}{"note_id": "n1", "url": text}},
		{"magic bytes", map[string]interface{}{"note_id": "n1", "url": text, "filename": "fake.png"}},
		{"scheme", map[string]interface{}{"note_id": "n1", "url": "ftp://example.com/a.png"}},
		{"loopback", map[string]interface{}{"note_id": "n1", "url": "http://127.0.0.1/a.png"}},
		{"not base64", map[string]interface{}{"note_id": "n1", "url": "data:image/png,raw"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if r := callTool(t, srv, "upload_attachment", tc.args); !r.IsError {
				t.Errorf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestVaultLayout(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_vault_layout", map[string]interface{}{})
	if !strings.Contains(resultText(r), storage.SystemMetaFile) {
		t.Error("layout does not mention system.meta")
	}

	contents, err := srv.readLayoutResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.URI != layoutURI || tc.Text != VaultLayoutContract {
		t.Errorf("resource = %+v", contents[0])
	}
}
