package api

import (
	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/prompt"
	"github.com/starford/sowilo/internal/provider"
)

// RunRequest is the request body for running a command.
type RunRequest struct {
	NotePath   string              `json:"notePath,omitempty" example:"notes/hello.md"`
	Selection  *assistant.Range    `json:"selection,omitempty"`
	Cursor     *editor.Position    `json:"cursor,omitempty"`
	UserPrompt string              `json:"userPrompt,omitempty" example:"What does this mean?"`
	Delivery   editor.DeliveryMode `json:"delivery,omitempty" example:"replace_selection"`
	IfMatch    string              `json:"ifMatch,omitempty"`
	Stream     bool                `json:"stream"`
	DryRun     bool                `json:"dryRun"`
}

func (r RunRequest) invocation(commandID string) assistant.Invocation {
	return assistant.Invocation{
		CommandID:  commandID,
		NotePath:   r.NotePath,
		Selection:  r.Selection,
		Cursor:     r.Cursor,
		UserPrompt: r.UserPrompt,
		Delivery:   r.Delivery,
		IfMatch:    r.IfMatch,
		Stream:     r.Stream,
		DryRun:     r.DryRun,
	}
}

// RunResult is the outcome of a command (aliased from the domain layer).
type RunResult = assistant.Result

// CommandListResponse wraps the command registry.
type CommandListResponse struct {
	Commands []prompt.Command `json:"commands" validate:"required"`
}

// ModelListResponse wraps the models of the active provider.
type ModelListResponse struct {
	Models []provider.ModelInfo `json:"models" validate:"required"`
}

// ThreadListResponse wraps chat threads listed without messages.
type ThreadListResponse struct {
	Threads []models.ChatThread `json:"threads" validate:"required"`
}
