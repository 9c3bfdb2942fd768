package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/transport"
)

type openAIChatBody struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	Messages    []Message `json:"messages"`
}

type openAIModels struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenAICompatible talks to any server exposing the OpenAI chat API.
type OpenAICompatible struct {
	base   string
	apiKey string
	tr     *transport.Client
	logger *slog.Logger
}

// NewOpenAICompatible returns a client for base. A trailing "/v1" on base is
// dropped since request paths already carry it.
func NewOpenAICompatible(base, apiKey string, tr *transport.Client, logger *slog.Logger) *OpenAICompatible {
	b := strings.TrimSuffix(trimBase(base), "/v1")
	return &OpenAICompatible{base: b, apiKey: apiKey, tr: tr, logger: logger}
}

// Kind implements Client.
func (o *OpenAICompatible) Kind() models.ProviderKind { return models.ProviderOpenAICompatible }

func (o *OpenAICompatible) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// ListModels returns the server's models. Failures are logged and yield an
// empty list so callers fall back to manual model entry.
func (o *OpenAICompatible) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var list openAIModels
	if err := o.tr.GetJSON(ctx, o.base+"/v1/models", o.headers(), &list); err != nil {
		o.logger.Warn("openai: list models failed", slog.String("error", err.Error()))
		return []ModelInfo{}, nil
	}
	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, ModelInfo{ID: m.ID, Label: m.ID, Details: m.OwnedBy})
	}
	return out, nil
}

// Chat implements Client.
func (o *OpenAICompatible) Chat(ctx context.Context, req ChatRequest, onEvent func(stream.Event)) (ChatResult, error) {
	body := openAIChatBody{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Messages:    req.Messages,
	}
	url := o.base + "/v1/chat/completions"

	if req.Stream {
		if err := runStream(ctx, o.tr, url, body, o.headers(), stream.NewSSEDecoder(), onEvent); err != nil {
			return ChatResult{}, fmt.Errorf("openai: chat: %w", err)
		}
		return ChatResult{}, nil
	}

	var resp openAIChatResponse
	if err := o.tr.PostJSON(ctx, url, body, o.headers(), &resp); err != nil {
		return ChatResult{}, fmt.Errorf("openai: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, nil
	}
	return ChatResult{Content: resp.Choices[0].Message.Content}, nil
}
