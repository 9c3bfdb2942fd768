// Package provider implements the chat model backends behind one interface.
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

// Config selects and configures a backend. Kind is the discriminator.
type Config struct {
	Kind        models.ProviderKind
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

// Snapshot returns the fields recorded alongside chat messages.
func (c Config) Snapshot() models.ProviderSnapshot {
	return models.ProviderSnapshot{
		Kind:        c.Kind,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		Temperature: c.Temperature,
	}
}

// Message is one entry of a chat request.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// ChatRequest is the backend-independent chat input.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	Stream      bool
}

// ChatResult holds the assistant text of a non-streaming exchange. It is
// empty for streaming exchanges, whose content arrives as token events.
type ChatResult struct {
	Content string
}

// ModelInfo describes one model offered by a backend.
type ModelInfo struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Details string `json:"details,omitempty"`
}

// Client is implemented by every backend.
type Client interface {
	Kind() models.ProviderKind
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// Chat performs one exchange. For streaming requests every decoded event
	// is passed to onEvent. A transport failure or an error reported inside
	// the stream is emitted as a single error event and also returned.
	Chat(ctx context.Context, req ChatRequest, onEvent func(stream.Event)) (ChatResult, error)
}

// New returns the client for cfg.Kind.
func New(cfg Config, tr *transport.Client, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case models.ProviderOllama:
		return NewOllama(cfg.BaseURL, tr, logger), nil
	case models.ProviderOpenAICompatible:
		return NewOpenAICompatible(cfg.BaseURL, cfg.APIKey, tr, logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", cfg.Kind)
	}
}

func trimBase(base string) string {
	return strings.TrimRight(base, "/")
}

// runStream drives a streaming exchange through dec, forwarding events.
// A stream that ends without an explicit done still yields one. An error
// event is terminal: nothing follows it and runStream returns an error.
func runStream(ctx context.Context, tr *transport.Client, url string, body any, headers map[string]string, dec stream.Decoder, onEvent func(stream.Event)) error {
	if onEvent == nil {
		onEvent = func(stream.Event) {}
	}
	sawDone := false
	var failed *stream.Event
	emit := func(events []stream.Event) {
		for _, ev := range events {
			if sawDone || failed != nil {
				return
			}
			switch ev.Kind {
			case stream.KindDone:
				sawDone = true
			case stream.KindError:
				e := ev
				failed = &e
			}
			onEvent(ev)
		}
	}

	err := tr.Stream(ctx, url, body, headers, func(chunk string) {
		emit(dec.Feed(chunk))
	})
	if failed != nil {
		return fmt.Errorf("provider: stream: %s", failed.Err)
	}
	if err != nil {
		onEvent(stream.Error(err.Error(), transport.Retryable(err)))
		return err
	}
	emit(dec.Flush())
	if failed != nil {
		return fmt.Errorf("provider: stream: %s", failed.Err)
	}
	if !sawDone {
		onEvent(stream.Done())
	}
	return nil
}
