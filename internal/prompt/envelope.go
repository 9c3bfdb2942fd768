package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/provider"
	"github.com/starford/sowilo/internal/websearch"
)

// Envelope is the structured user message sent with every command.
type Envelope struct {
	CommandID        string                `json:"command_id"`
	Note             *editor.NoteRef       `json:"note"`
	Selection        *editor.Selection     `json:"selection"`
	NoteContext      NoteContext           `json:"note_context"`
	UserPrompt       *string               `json:"user_prompt"`
	Constraints      Constraints           `json:"constraints"`
	WebSearchResults WebSearchSection      `json:"web_search_results"`
	VaultSummary     *models.VaultSnapshot `json:"vault_summary"`
}

// NoteContext carries the note text for note-scoped commands.
type NoteContext struct {
	FullText *string `json:"full_text"`
}

// Constraints are output requirements.
type Constraints struct {
	OutputMarkdown bool `json:"output_markdown"`
}

// WebSearchSection embeds search results when a search ran.
type WebSearchSection struct {
	Enabled bool               `json:"enabled"`
	Query   string             `json:"query,omitempty"`
	Results []websearch.Result `json:"results,omitempty"`
}

// BuildEnvelope assembles the envelope for cmd. Vault-scoped commands get no
// note or selection; only note-scoped commands get the full text; only
// vault-scoped commands get the vault summary.
func BuildEnvelope(cmd Command, ctx *editor.Context, userPrompt string, web *websearch.Bundle, vault *models.VaultSnapshot) Envelope {
	env := Envelope{
		CommandID:   cmd.ID,
		Constraints: Constraints{OutputMarkdown: true},
	}

	if cmd.Scope != models.ScopeVault && ctx != nil {
		note := ctx.Note
		env.Note = &note
		if ctx.Selection != nil {
			sel := *ctx.Selection
			env.Selection = &sel
		}
	}
	if cmd.Scope == models.ScopeNote && ctx != nil {
		text := ctx.FullText
		env.NoteContext.FullText = &text
	}
	if userPrompt != "" {
		env.UserPrompt = &userPrompt
	}
	if web != nil {
		env.WebSearchResults = WebSearchSection{Enabled: true, Query: web.Query, Results: web.Results}
	}
	if cmd.Scope == models.ScopeVault {
		env.VaultSummary = vault
	}
	return env
}

// UserMessage renders the envelope as the user message text.
func UserMessage(env Envelope) (string, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("prompt: encode envelope: %w", err)
	}
	return "<vault_command>\n" + string(data) + "\n</vault_command>", nil
}

const searchQuerySystem = "You are a Search Query Generator. Your task is to extract a single, concise web search query from the user's request and the provided context. \n\n" +
	"Output ONLY the raw query string. No quotes, no markdown, no explanations. \n\n" +
	"If the text asks for a summary, query for the main entity or topic. \n" +
	"If the text is a question, refine it for a search engine (e.g., 'who won battle of hastings' instead of 'who won it?')."

const searchSelectionLimit = 500

// SearchQueryMessages builds the prompt asking the model for a web search
// query. Note context is left out for vault-scoped commands.
func SearchQueryMessages(ctx *editor.Context, userPrompt string, scope models.Scope) []provider.Message {
	includeNote := scope != models.ScopeVault

	up := userPrompt
	if up == "" {
		up = "None"
	}
	sel := "None"
	title := "None"
	if includeNote && ctx != nil {
		if ctx.Selection != nil && ctx.Selection.Text != "" {
			r := []rune(ctx.Selection.Text)
			if len(r) > searchSelectionLimit {
				r = r[:searchSelectionLimit]
			}
			sel = string(r)
		}
		if ctx.Note.Title != "" {
			title = ctx.Note.Title
		}
	}

	return []provider.Message{
		{Role: models.RoleSystem, Content: searchQuerySystem},
		{Role: models.RoleUser, Content: fmt.Sprintf("User Prompt: %s\n\nSelected Text (Context):\n%s\n\nFull Note Title:\n%s", up, sel, title)},
	}
}
