// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the note workspace to LLMs via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/index"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/noteservice"
	"github.com/starford/kolnoter/internal/search"
)

const layoutURI = "kolnoter://vault-layout"

// Server wraps the MCP server with workspace tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *noteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"kol-noter",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Ranked fuzzy search over note titles, tags and content, plus system and project names."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithString("type", mcp.Description("Restrict to one item type: note, system or project")),
		mcp.WithString("system_id", mcp.Description("Only items in this system")),
		mcp.WithString("project_id", mcp.Description("Only items in this project")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of hits (default 20)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("suggest",
		mcp.WithDescription("Complete the last word of a query from the indexed vocabulary."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Partial query")),
	), s.suggest)

	s.mcp.AddTool(mcp.NewTool("list_systems",
		mcp.WithDescription("List every system with its projects."),
	), s.listSystems)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, optionally filtered by system, project or tag. One line per note: id, tab, title."),
		mcp.WithString("system_id", mcp.Description("System id")),
		mcp.WithString("project_id", mcp.Description("Project id")),
		mcp.WithString("tag", mcp.Description("Tag")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note by id. Returns the note as JSON with markdown content as a string."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a markdown note inside an existing project. "+
			"Read the vault layout first via the get_vault_layout tool or the "+layoutURI+" resource."),
		mcp.WithString("system_id", mcp.Required(), mcp.Description("Owning system id")),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Owning project id")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body without frontmatter")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("get_vault_layout",
		mcp.WithDescription("Returns how the vault is laid out on disk and how note files are structured."),
	), s.getVaultLayout)

	s.mcp.AddTool(mcp.NewTool("validate_source",
		mcp.WithDescription("Check the open workspace for problems that would break an export to a vault."),
	), s.validateSource)

	s.mcp.AddTool(mcp.NewTool("upload_attachment",
		mcp.WithDescription("Attach a file to a note from an http(s) URL or a base64 data URI. "+
			"Returns the stored path and a markdown image snippet."),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("Owning note id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI")),
		mcp.WithString("filename", mcp.Description("Target filename (derived from the URL when empty)")),
	), s.uploadAttachment)

	s.mcp.AddResource(
		mcp.NewResource(layoutURI, "Vault Layout",
			mcp.WithResourceDescription("On-disk layout of a kol-noter vault and the note file format."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readLayoutResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func errorResult(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := search.Options{
		SystemID:  req.GetString("system_id", ""),
		ProjectID: req.GetString("project_id", ""),
		Limit:     req.GetInt("limit", 20),
	}
	if t := req.GetString("type", ""); t != "" {
		opts.Types = []models.ItemType{models.ItemType(t)}
	}
	hits := s.svc.Search(query, opts)
	if hits == nil {
		hits = []search.Hit{}
	}
	return jsonResult(hits), nil
}

func (s *Server) suggest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var lines []string
	for _, sg := range s.svc.Suggest(query, 10) {
		lines = append(lines, sg.Text)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) listSystems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.svc.LoadAll(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(snap.Systems), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, _, err := s.svc.ListNotes(ctx, index.Filter{
		SystemID:  req.GetString("system_id", ""),
		ProjectID: req.GetString("project_id", ""),
		Tag:       req.GetString("tag", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, n.ID+"\t"+n.Title)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
		}
		return errorResult(err), nil
	}
	out := struct {
		*models.Note
		Content string `json:"content"`
		Path    string `json:"path,omitempty"`
	}{Note: n}
	if n.IsTextEditor() {
		out.Content = n.MarkdownContent()
	} else {
		out.Content = string(n.Content)
	}
	out.Path, _ = s.svc.NotePath(id)
	return jsonResult(out), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := make(map[string]string, 4)
	for _, k := range []string{"system_id", "project_id", "title", "content"} {
		v, err := req.RequireString(k)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args[k] = v
	}

	n := &models.Note{
		SystemID:   args["system_id"],
		ProjectID:  args["project_id"],
		Title:      args["title"],
		EditorType: models.EditorMarkdown,
		Tags:       []string{},
	}
	for _, t := range strings.Split(req.GetString("tags", ""), ",") {
		if t = strings.TrimSpace(t); t != "" {
			n.Tags = append(n.Tags, t)
		}
	}
	n.SetMarkdownContent(args["content"])

	if err := s.svc.SaveNote(ctx, n); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown project: %s", n.ProjectID)), nil
		}
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", n.ID)), nil
}

func (s *Server) getVaultLayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(VaultLayoutContract), nil
}

func (s *Server) validateSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.svc.ValidateSourceData(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(v), nil
}

func (s *Server) readLayoutResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      layoutURI,
			MIMEType: "text/markdown",
			Text:     VaultLayoutContract,
		},
	}, nil
}
