package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/transport"
)

type ollamaChatBody struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

type ollamaTags struct {
	Models []struct {
		Name    string `json:"name"`
		Details struct {
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

type ollamaChatResponse struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Ollama talks to a local Ollama server.
type Ollama struct {
	base   string
	tr     *transport.Client
	logger *slog.Logger
}

// NewOllama returns a client for the server at base.
func NewOllama(base string, tr *transport.Client, logger *slog.Logger) *Ollama {
	return &Ollama{base: trimBase(base), tr: tr, logger: logger}
}

// Kind implements Client.
func (o *Ollama) Kind() models.ProviderKind { return models.ProviderOllama }

// ListModels returns the locally pulled models. Errors propagate.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var tags ollamaTags
	if err := o.tr.GetJSON(ctx, o.base+"/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		details := m.Details.ParameterSize
		if m.Details.QuantizationLevel != "" {
			if details != "" {
				details += " "
			}
			details += m.Details.QuantizationLevel
		}
		out = append(out, ModelInfo{ID: m.Name, Label: m.Name, Details: details})
	}
	return out, nil
}

// Chat implements Client.
func (o *Ollama) Chat(ctx context.Context, req ChatRequest, onEvent func(stream.Event)) (ChatResult, error) {
	body := ollamaChatBody{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
	}
	body.Options.Temperature = req.Temperature
	url := o.base + "/api/chat"

	if req.Stream {
		dec := stream.NewNDJSONDecoder(o.logger)
		if err := runStream(ctx, o.tr, url, body, nil, dec, onEvent); err != nil {
			return ChatResult{}, fmt.Errorf("ollama: chat: %w", err)
		}
		return ChatResult{}, nil
	}

	var resp ollamaChatResponse
	if err := o.tr.PostJSON(ctx, url, body, nil, &resp); err != nil {
		return ChatResult{}, fmt.Errorf("ollama: chat: %w", err)
	}
	if resp.Message == nil {
		return ChatResult{}, nil
	}
	return ChatResult{Content: resp.Message.Content}, nil
}
