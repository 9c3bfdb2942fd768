// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the vault assistant as tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/prompt"
	"github.com/starford/sowilo/internal/vault"
)

const snapshotURI = "sowilo://vault-snapshot"

const instructions = `Sowilo is an assistant for a Markdown vault.
Use list_commands to discover commands and run_command to execute one.
Selection commands need note_path plus from_line/from_ch/to_line/to_ch.
Pass dry_run=true to get the model output without touching the note.`

// Server wraps the MCP server with the assistant tools.
type Server struct {
	mcp     *server.MCPServer
	svc     *assistant.Service
	cache   *vault.Cache
	history *history.Store
}

// New creates a new MCP server with all tools registered.
func New(svc *assistant.Service, cache *vault.Cache, hist *history.Store) *Server {
	s := &Server{svc: svc, cache: cache, history: hist}

	s.mcp = server.NewMCPServer(
		"Sowilo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	s.mcp.AddTool(mcp.NewTool("list_commands",
		mcp.WithDescription("List the assistant commands with their scope and delivery mode."),
	), s.listCommands)

	s.mcp.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run an assistant command against a note or the whole vault. "+
			"Returns the model output and whether it was applied to the note."),
		mcp.WithString("command_id", mcp.Required(), mcp.Description("Command id from list_commands")),
		mcp.WithString("note_path", mcp.Description("Relative note path; required unless the command is vault-scoped")),
		mcp.WithString("user_prompt", mcp.Description("Free-form instruction or question")),
		mcp.WithString("delivery", mcp.Description("Override the delivery mode (e.g. chat_only, append_to_note)")),
		mcp.WithNumber("from_line", mcp.Description("Selection start line (0-based)")),
		mcp.WithNumber("from_ch", mcp.Description("Selection start column")),
		mcp.WithNumber("to_line", mcp.Description("Selection end line")),
		mcp.WithNumber("to_ch", mcp.Description("Selection end column")),
		mcp.WithBoolean("dry_run", mcp.Description("Do not modify the note")),
	), s.runCommand)

	s.mcp.AddTool(mcp.NewTool("chat_history",
		mcp.WithDescription("Read the chat thread of a note, or the vault thread when note_path is empty."),
		mcp.WithString("note_path", mcp.Description("Relative note path")),
	), s.chatHistory)

	s.mcp.AddTool(mcp.NewTool("vault_snapshot",
		mcp.WithDescription("Bounded summary of the most recently modified notes: path, title, tags and frontmatter."),
	), s.vaultSnapshot)

	s.mcp.AddTool(mcp.NewTool("web_search",
		mcp.WithDescription("Search the web through the configured SearXNG instance."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.webSearch)

	s.mcp.AddTool(mcp.NewTool("get_settings",
		mcp.WithDescription("Return the current assistant settings."),
	), s.getSettings)

	s.mcp.AddResource(
		mcp.NewResource(snapshotURI, "Vault Snapshot",
			mcp.WithResourceDescription("Metadata of the most recently modified notes."),
			mcp.WithMIMEType("application/json"),
		),
		s.readSnapshotResource,
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

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listCommands(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cmds := prompt.Commands()
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%s", c.ID, c.Scope, c.Delivery, c.Title))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) runCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("command_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inv := assistant.Invocation{
		CommandID:  id,
		NotePath:   req.GetString("note_path", ""),
		UserPrompt: req.GetString("user_prompt", ""),
		Delivery:   editor.DeliveryMode(req.GetString("delivery", "")),
		DryRun:     req.GetBool("dry_run", false),
	}
	if toLine, toCh := req.GetInt("to_line", -1), req.GetInt("to_ch", -1); toLine >= 0 && toCh >= 0 {
		inv.Selection = &assistant.Range{
			From: editor.Position{Line: req.GetInt("from_line", 0), Ch: req.GetInt("from_ch", 0)},
			To:   editor.Position{Line: toLine, Ch: toCh},
		}
	}

	res, err := s.svc.Run(ctx, inv, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) chatHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if path := req.GetString("note_path", ""); path != "" {
		return jsonResult(s.history.PeekNote(path))
	}
	return jsonResult(s.history.VaultThread())
}

func (s *Server) vaultSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.cache.Get()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *Server) webSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bundle, err := s.svc.Search(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(bundle.Results) == 0 {
		return mcp.NewToolResultText("no results found"), nil
	}
	return jsonResult(bundle)
}

func (s *Server) getSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Settings().Redacted())
}

func (s *Server) readSnapshotResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	snap, err := s.cache.Get()
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      snapshotURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}
