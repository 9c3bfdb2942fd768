// Package prompt defines the assistant commands and builds the messages sent
// to the model for each of them.
package prompt

import (
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/models"
)

// Command describes one runnable assistant command.
type Command struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Scope          models.Scope        `json:"scope"`
	Delivery       editor.DeliveryMode `json:"delivery"`
	AllowStreaming bool                `json:"allowStreaming"`
	AllowWebSearch bool                `json:"allowWebSearch"`
	// TemperatureOverride replaces the provider temperature when set.
	TemperatureOverride *float64 `json:"temperatureOverride,omitempty"`
}

// Command identifiers.
const (
	ExplainSelection            = "explain_selection"
	ExpandSelection             = "expand_selection"
	RewriteSelectionFormal      = "rewrite_selection_formal"
	RewriteSelectionCasual      = "rewrite_selection_casual"
	RewriteSelectionActiveVoice = "rewrite_selection_active_voice"
	RewriteSelectionBullets     = "rewrite_selection_bullets"
	CaptionSelection            = "caption_selection"
	SummarizeSelection          = "summarize_selection"
	FullNoteDiscussion          = "full_note_discussion"
	NoteChat                    = "note_chat"
	VaultChat                   = "vault_chat"
	ResearchCreateNote          = "research_create_note"
)

var commands = []Command{
	{ID: ExplainSelection, Title: "Explain selection", Scope: models.ScopeSelection, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
	{ID: ExpandSelection, Title: "Expand selection", Scope: models.ScopeSelection, Delivery: editor.InsertBelowSelection, AllowStreaming: true, AllowWebSearch: true},
	{ID: RewriteSelectionFormal, Title: "Rewrite selection (Formal)", Scope: models.ScopeSelection, Delivery: editor.ReplaceSelection, AllowStreaming: true},
	{ID: RewriteSelectionCasual, Title: "Rewrite selection (Casual)", Scope: models.ScopeSelection, Delivery: editor.ReplaceSelection, AllowStreaming: true},
	{ID: RewriteSelectionActiveVoice, Title: "Rewrite selection (Active voice)", Scope: models.ScopeSelection, Delivery: editor.ReplaceSelection, AllowStreaming: true},
	{ID: RewriteSelectionBullets, Title: "Rewrite selection (Bullet points)", Scope: models.ScopeSelection, Delivery: editor.ReplaceSelection, AllowStreaming: true},
	{ID: CaptionSelection, Title: "Caption selection", Scope: models.ScopeSelection, Delivery: editor.InsertBelowSelection, AllowStreaming: true, AllowWebSearch: true},
	{ID: SummarizeSelection, Title: "Summarize selection", Scope: models.ScopeSelection, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
	{ID: FullNoteDiscussion, Title: "Discuss full note", Scope: models.ScopeNote, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
	{ID: NoteChat, Title: "Chat (this note)", Scope: models.ScopeNote, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
	{ID: VaultChat, Title: "Chat (vault)", Scope: models.ScopeVault, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
	{ID: ResearchCreateNote, Title: "Research & Create Note", Scope: models.ScopeVault, Delivery: editor.ChatOnly, AllowStreaming: true, AllowWebSearch: true},
}

// Commands returns every command in menu order.
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	return out
}

// Lookup returns the command with the given id.
func Lookup(id string) (Command, bool) {
	for _, c := range commands {
		if c.ID == id {
			return c, true
		}
	}
	return Command{}, false
}
