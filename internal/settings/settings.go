// Package settings holds the user-editable assistant settings persisted in
// the state blob.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/provider"
	"github.com/starford/sowilo/internal/websearch"
)

// Provider names as stored in ActiveProvider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Settings is the persisted settings document.
type Settings struct {
	ActiveProvider string            `json:"activeProvider"`
	Providers      Providers         `json:"providers"`
	WebSearch      WebSearchSettings `json:"webSearch"`
	History        HistorySettings   `json:"history"`
	UI             UISettings        `json:"ui"`
}

// Providers holds per-backend settings.
type Providers struct {
	Ollama OllamaSettings `json:"ollama"`
	OpenAI OpenAISettings `json:"openai"`
}

// OllamaSettings configures the local Ollama backend.
type OllamaSettings struct {
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// OpenAISettings configures an OpenAI-compatible backend.
type OpenAISettings struct {
	BaseURL     string  `json:"baseUrl"`
	APIKey      string  `json:"apiKey"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// WebSearchSettings configures the SearXNG search step.
type WebSearchSettings struct {
	Enabled     bool   `json:"enabled"`
	URLTemplate string `json:"urlTemplate"`
	TimeoutMs   int    `json:"timeoutMs"`
	MaxResults  int    `json:"maxResults"`
	SafeSearch  int    `json:"safeSearch"`
}

// HistorySettings bounds stored chat history.
type HistorySettings struct {
	PerNoteMaxMessages     int     `json:"perNoteMaxMessages"`
	VaultMaxMessages       int     `json:"vaultMaxMessages"`
	MaxMessageChars        int     `json:"maxMessageChars"`
	SummarizationThreshold float64 `json:"summarizationThreshold"`
}

// UISettings are presentation preferences kept for client surfaces.
type UISettings struct {
	ThemeBaseColor      string `json:"themeBaseColor"`
	RememberLastCommand bool   `json:"rememberLastCommand"`
	ModalWidthPx        int    `json:"modalWidthPx"`
	ModalHeightPx       int    `json:"modalHeightPx"`
}

// Default returns the settings used when nothing has been persisted.
func Default() Settings {
	return Settings{
		ActiveProvider: ProviderOllama,
		Providers: Providers{
			Ollama: OllamaSettings{
				BaseURL:     "http://localhost:11434",
				Model:       "llama2",
				Temperature: 0.7,
			},
			OpenAI: OpenAISettings{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-3.5-turbo",
				Temperature: 0.7,
			},
		},
		WebSearch: WebSearchSettings{
			URLTemplate: "https://searx.be/search?q=%s&format=json",
			TimeoutMs:   8000,
			MaxResults:  5,
			SafeSearch:  1,
		},
		History: HistorySettings{
			PerNoteMaxMessages:     80,
			VaultMaxMessages:       400,
			MaxMessageChars:        20000,
			SummarizationThreshold: 0.8,
		},
		UI: UISettings{
			ThemeBaseColor:      "neutral",
			RememberLastCommand: true,
			ModalWidthPx:        980,
			ModalHeightPx:       720,
		},
	}
}

// Merge decodes raw over a copy of the defaults, so fields missing from raw
// keep their default value while explicit values, zero included, win.
func Merge(raw json.RawMessage) (Settings, error) {
	return Default().Apply(raw)
}

// Apply decodes a partial settings document over a copy of s.
func (s Settings) Apply(raw json.RawMessage) (Settings, error) {
	out := s
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return s, fmt.Errorf("settings: decode: %w", err)
	}
	// A masked key echoed back from Redacted keeps the stored one.
	if prev := s.Providers.OpenAI.APIKey; prev != "" && out.Providers.OpenAI.APIKey == RedactKey(prev) {
		out.Providers.OpenAI.APIKey = prev
	}
	return out, nil
}

// Redacted returns s with secrets masked for display.
func (s Settings) Redacted() Settings {
	s.Providers.OpenAI.APIKey = RedactKey(s.Providers.OpenAI.APIKey)
	return s
}

// RedactKey masks all but the last four characters of key.
func RedactKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// SearchConfig returns the web search client configuration.
func (s Settings) SearchConfig() websearch.Config {
	return websearch.Config{
		URLTemplate: s.WebSearch.URLTemplate,
		Timeout:     time.Duration(s.WebSearch.TimeoutMs) * time.Millisecond,
		MaxResults:  s.WebSearch.MaxResults,
	}
}

// Active returns the configuration of the selected backend.
func (s Settings) Active() provider.Config {
	if s.ActiveProvider == ProviderOpenAI {
		p := s.Providers.OpenAI
		return provider.Config{
			Kind:        models.ProviderOpenAICompatible,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			Model:       p.Model,
			Temperature: p.Temperature,
		}
	}
	p := s.Providers.Ollama
	return provider.Config{
		Kind:        models.ProviderOllama,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		Temperature: p.Temperature,
	}
}

// Limits returns the retention limits derived from the history settings.
func (s Settings) Limits() history.Limits {
	return history.Limits{
		PerNoteMaxMessages: s.History.PerNoteMaxMessages,
		VaultMaxMessages:   s.History.VaultMaxMessages,
		MaxMessageChars:    s.History.MaxMessageChars,
	}
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if err := validation.ValidateStruct(s,
		validation.Field(&s.ActiveProvider, validation.Required, validation.In(ProviderOllama, ProviderOpenAI)),
	); err != nil {
		return err
	}
	if err := s.Providers.Ollama.Validate(); err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	if err := s.Providers.OpenAI.Validate(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	if err := s.WebSearch.Validate(); err != nil {
		return fmt.Errorf("webSearch: %w", err)
	}
	if err := s.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

// Validate validates the Ollama settings.
func (s *OllamaSettings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.BaseURL, validation.Required),
		validation.Field(&s.Temperature, validation.Min(0.0), validation.Max(2.0)),
	)
}

// Validate validates the OpenAI-compatible settings.
func (s *OpenAISettings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.BaseURL, validation.Required),
		validation.Field(&s.Temperature, validation.Min(0.0), validation.Max(2.0)),
	)
}

// Validate validates the web search settings.
func (s *WebSearchSettings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.URLTemplate, validation.Required, validation.By(hasPlaceholder)),
		validation.Field(&s.TimeoutMs, validation.Required, validation.Min(100)),
		validation.Field(&s.MaxResults, validation.Required, validation.Min(1), validation.Max(20)),
		validation.Field(&s.SafeSearch, validation.Min(0), validation.Max(2)),
	)
}

// Validate validates the history settings.
func (s *HistorySettings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.PerNoteMaxMessages, validation.Required, validation.Min(1)),
		validation.Field(&s.VaultMaxMessages, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxMessageChars, validation.Required, validation.Min(1)),
		validation.Field(&s.SummarizationThreshold, validation.Min(0.0), validation.Max(1.0)),
	)
}

func hasPlaceholder(value interface{}) error {
	s, _ := value.(string)
	if !strings.Contains(s, "%s") {
		return errors.New("must contain %s")
	}
	return nil
}
