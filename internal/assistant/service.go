// Package assistant runs commands end to end: document context, web search,
// vault snapshot, chat history, the model call and delivery of the output.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/prompt"
	"github.com/starford/sowilo/internal/provider"
	"github.com/starford/sowilo/internal/settings"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/transport"
	"github.com/starford/sowilo/internal/vault"
	"github.com/starford/sowilo/internal/websearch"
)

// ProviderFactory builds a backend client for a configuration.
type ProviderFactory func(cfg provider.Config, tr *transport.Client, logger *slog.Logger) (provider.Client, error)

// Options wires a Service.
type Options struct {
	Store          storage.Provider
	Cache          *vault.Cache
	History        *history.Store
	State          *State
	Search         *websearch.Client
	Transport      *transport.Client
	ResearchFolder string
	Logger         *slog.Logger
	// NewProvider defaults to provider.New.
	NewProvider ProviderFactory
}

// Service coordinates a command run.
type Service struct {
	opts Options
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewProvider == nil {
		opts.NewProvider = provider.New
	}
	if opts.Search == nil {
		opts.Search = websearch.New(opts.Transport, opts.Logger)
	}
	return &Service{opts: opts}
}

// Range is a selection given as two positions.
type Range struct {
	From editor.Position `json:"from"`
	To   editor.Position `json:"to"`
}

// Invocation is one command request.
type Invocation struct {
	CommandID  string           `json:"commandId"`
	NotePath   string           `json:"notePath,omitempty"`
	Selection  *Range           `json:"selection,omitempty"`
	Cursor     *editor.Position `json:"cursor,omitempty"`
	UserPrompt string           `json:"userPrompt,omitempty"`
	// Delivery overrides the command's default delivery mode.
	Delivery editor.DeliveryMode `json:"delivery,omitempty"`
	// IfMatch, when set, must name the checksum of the note content.
	IfMatch string `json:"ifMatch,omitempty"`
	Stream  bool   `json:"stream"`
	DryRun  bool   `json:"dryRun"`
}

// Result describes a completed run.
type Result struct {
	CommandID   string              `json:"commandId"`
	ThreadID    string              `json:"threadId"`
	Content     string              `json:"content"`
	Delivery    editor.DeliveryMode `json:"delivery"`
	Applied     bool                `json:"applied"`
	NotePath    string              `json:"notePath,omitempty"`
	Checksum    string              `json:"checksum,omitempty"`
	CreatedNote string              `json:"createdNote,omitempty"`
	Search      *websearch.Bundle   `json:"search,omitempty"`
}

// Settings returns the current settings.
func (s *Service) Settings() settings.Settings {
	return s.opts.State.Settings()
}

// UpdateSettings applies a partial settings update and re-applies retention
// limits to stored history.
func (s *Service) UpdateSettings(ctx context.Context, raw json.RawMessage) (settings.Settings, error) {
	next, err := s.opts.State.UpdateSettings(ctx, raw)
	if err != nil {
		return next, err
	}
	if err := s.opts.History.ApplyLimits(ctx); err != nil {
		return next, err
	}
	return next, nil
}

// Models lists the models offered by the active provider.
func (s *Service) Models(ctx context.Context) ([]provider.ModelInfo, error) {
	client, _, err := s.client()
	if err != nil {
		return nil, err
	}
	return client.ListModels(ctx)
}

// Search runs a web search with the configured settings.
func (s *Service) Search(ctx context.Context, query string) (websearch.Bundle, error) {
	if strings.TrimSpace(query) == "" {
		return websearch.Bundle{}, fmt.Errorf("%w: empty query", apperr.ErrInvalidInput)
	}
	return s.opts.Search.Search(ctx, query, s.Settings().SearchConfig())
}

func (s *Service) client() (provider.Client, provider.Config, error) {
	cfg := s.Settings().Active()
	client, err := s.opts.NewProvider(cfg, s.opts.Transport, s.opts.Logger)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return client, cfg, nil
}

// Run executes inv. Events from the model are passed to sink as they
// arrive. On failure sink has received an error event before Run returns.
func (s *Service) Run(ctx context.Context, inv Invocation, sink func(stream.Event)) (res Result, err error) {
	if sink == nil {
		sink = func(stream.Event) {}
	}
	var streamErr *stream.Event
	settled := false
	emit := func(ev stream.Event) {
		if ev.Kind == stream.KindError {
			settled = true
			if streamErr == nil {
				e := ev
				streamErr = &e
			}
		}
		sink(ev)
	}
	defer func() {
		if err != nil && !settled {
			sink(stream.Error(err.Error(), transport.Retryable(err)))
		}
		if err != nil {
			s.opts.Logger.Warn("assistant: run failed",
				slog.String("command", inv.CommandID),
				slog.String("error", err.Error()))
		}
	}()

	cmd, ok := prompt.Lookup(inv.CommandID)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown command %q", apperr.ErrInvalidInput, inv.CommandID)
	}
	mode := cmd.Delivery
	if inv.Delivery != "" {
		if mode, err = editor.ParseMode(string(inv.Delivery)); err != nil {
			return Result{}, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
		}
	}

	doc, ectx, err := s.resolveDocument(cmd, inv)
	if err != nil {
		return Result{}, err
	}
	var loadedSum string
	if doc != nil {
		loadedSum = checksum.Sum([]byte(doc.Content()))
		if inv.IfMatch != "" && !checksum.Match(inv.IfMatch, loadedSum) {
			return Result{}, apperr.ErrConflict
		}
	}

	cfg := s.Settings()
	client, pcfg, err := s.client()
	if err != nil {
		return Result{}, err
	}
	temperature := pcfg.Temperature
	if cmd.TemperatureOverride != nil {
		temperature = *cmd.TemperatureOverride
	}

	webEnabled := cfg.WebSearch.Enabled && cmd.AllowWebSearch
	var web *websearch.Bundle
	if webEnabled {
		b, err := s.webSearch(ctx, client, pcfg, cmd, ectx, inv.UserPrompt)
		if err != nil {
			return Result{}, err
		}
		web = &b
	}

	var snap *models.VaultSnapshot
	if cmd.Scope == models.ScopeVault {
		v, err := s.opts.Cache.Get()
		if err != nil {
			return Result{}, err
		}
		snap = &v
	}

	var thread models.ChatThread
	if cmd.Scope == models.ScopeVault {
		thread = s.opts.History.VaultThread()
	} else {
		thread = s.opts.History.NoteThread(doc.Path())
	}

	system, err := prompt.SystemMessage(cmd.ID, webEnabled)
	if err != nil {
		return Result{}, err
	}
	user, err := prompt.UserMessage(prompt.BuildEnvelope(cmd, ectx, inv.UserPrompt, web, snap))
	if err != nil {
		return Result{}, err
	}
	msgs := make([]provider.Message, 0, len(thread.Messages)+2)
	msgs = append(msgs, provider.Message{Role: models.RoleSystem, Content: system})
	for _, m := range thread.Messages {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: models.RoleUser, Content: user})

	streaming := inv.Stream && cmd.AllowStreaming
	var sb strings.Builder
	out, err := client.Chat(ctx, provider.ChatRequest{
		Model:       pcfg.Model,
		Messages:    msgs,
		Temperature: temperature,
		Stream:      streaming,
	}, func(ev stream.Event) {
		if ev.Kind == stream.KindToken {
			sb.WriteString(ev.Text)
		}
		emit(ev)
	})
	if err != nil {
		return Result{}, fmt.Errorf("assistant: %s: %w", cmd.ID, err)
	}
	if streamErr != nil {
		return Result{}, fmt.Errorf("assistant: %s: %s", cmd.ID, streamErr.Err)
	}
	content := sb.String()
	if !streaming {
		content = out.Content
		emit(stream.Token(content))
		emit(stream.Done())
	}

	notePath := ""
	if doc != nil {
		notePath = doc.Path()
	}
	res = Result{CommandID: cmd.ID, ThreadID: thread.ID, Content: content, Delivery: mode, NotePath: notePath, Search: web}

	if _, err := s.opts.History.Append(ctx, thread.ID, history.NewMessage{
		Role: models.RoleUser, Content: userTurn(cmd, inv), CommandID: cmd.ID, NotePath: notePath,
	}); err != nil {
		return res, err
	}
	if _, err := s.opts.History.Append(ctx, thread.ID, history.NewMessage{
		Role: models.RoleAssistant, Content: content, CommandID: cmd.ID, NotePath: notePath,
	}); err != nil {
		return res, err
	}

	if inv.DryRun {
		return res, nil
	}
	if cmd.ID == prompt.ResearchCreateNote {
		created, err := s.writeResearchNote(content)
		if err != nil {
			return res, err
		}
		res.CreatedNote = created
	}
	if doc != nil && mode != editor.ChatOnly {
		if err := s.deliver(doc, loadedSum, mode, content); err != nil {
			return res, err
		}
		res.Applied = true
		res.Checksum = checksum.Sum([]byte(doc.Content()))
	}
	return res, nil
}

// resolveDocument opens the note the command runs against. Vault-scoped
// commands open one only when a path is given, for delivery.
func (s *Service) resolveDocument(cmd prompt.Command, inv Invocation) (*editor.FileDocument, *editor.Context, error) {
	if inv.NotePath == "" {
		if cmd.Scope == models.ScopeVault {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: %s needs a note", apperr.ErrInvalidInput, cmd.ID)
	}

	doc, err := editor.OpenFile(s.opts.Store, inv.NotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, inv.NotePath)
		}
		return nil, nil, err
	}
	if inv.Selection != nil {
		doc.Select(inv.Selection.From, inv.Selection.To)
	} else if inv.Cursor != nil {
		doc.SetCursor(*inv.Cursor)
	}
	if cmd.Scope == models.ScopeSelection {
		if sel, ok := doc.Selection(); !ok || strings.TrimSpace(sel.Text) == "" {
			return nil, nil, fmt.Errorf("%w: %s needs a non-empty selection", apperr.ErrInvalidInput, cmd.ID)
		}
	}

	title := ""
	if res, err := parserTitle(doc.Content()); err == nil {
		title = res
	}
	ctx := doc.Context(title)
	return doc, &ctx, nil
}

// webSearch asks the model for a query and runs it. An empty answer falls
// back to the user prompt, then the selection.
func (s *Service) webSearch(ctx context.Context, client provider.Client, pcfg provider.Config, cmd prompt.Command, ectx *editor.Context, userPrompt string) (websearch.Bundle, error) {
	out, err := client.Chat(ctx, provider.ChatRequest{
		Model:       pcfg.Model,
		Messages:    prompt.SearchQueryMessages(ectx, userPrompt, cmd.Scope),
		Temperature: pcfg.Temperature,
	}, nil)
	if err != nil {
		return websearch.Bundle{}, fmt.Errorf("assistant: search query: %w", err)
	}

	query := cleanQuery(out.Content)
	if query == "" {
		query = strings.TrimSpace(userPrompt)
	}
	if query == "" && cmd.Scope != models.ScopeVault && ectx != nil && ectx.Selection != nil {
		query = clip(strings.TrimSpace(ectx.Selection.Text), 200)
	}
	if query == "" {
		return websearch.Bundle{}, fmt.Errorf("%w: nothing to search for", apperr.ErrInvalidInput)
	}
	s.opts.Logger.Debug("assistant: web search", slog.String("command", cmd.ID), slog.String("query", query))
	return s.opts.Search.Search(ctx, query, s.Settings().SearchConfig())
}

// deliver applies content to doc and saves it, refusing when the note
// changed on disk since it was opened.
func (s *Service) deliver(doc *editor.FileDocument, loadedSum string, mode editor.DeliveryMode, content string) error {
	current, err := s.opts.Store.Read(doc.Path())
	if err != nil {
		return fmt.Errorf("assistant: deliver: %w", err)
	}
	if checksum.Sum(current) != loadedSum {
		return apperr.ErrConflict
	}
	if !editor.Apply(doc.Buffer, mode, content) {
		return nil
	}
	return doc.Save()
}

// userTurn is the text recorded in history for the user's side of a run.
func userTurn(cmd prompt.Command, inv Invocation) string {
	if p := strings.TrimSpace(inv.UserPrompt); p != "" {
		return p
	}
	return cmd.Title
}

func cleanQuery(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(strings.Trim(s, "\"'`"))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
