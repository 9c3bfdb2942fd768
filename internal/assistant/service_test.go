package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/editor"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/prompt"
	"github.com/starford/sowilo/internal/provider"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/testutil"
	"github.com/starford/sowilo/internal/transport"
	"github.com/starford/sowilo/internal/vault"
)

type chatBody struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

// fakeBackend plays an Ollama server and a SearXNG instance.
type fakeBackend struct {
	mu            sync.Mutex
	requests      []chatBody
	searchQueries []string

	query        string
	reply        []string
	streamErr    string
	searchStatus int
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		_, _ = io.WriteString(w, `{"models":[{"name":"llama2"}]}`)
	case "/search":
		f.mu.Lock()
		f.searchQueries = append(f.searchQueries, r.URL.Query().Get("q"))
		status := f.searchStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = io.WriteString(w, `{"results":[{"title":"Go Blog","url":"https://go.dev/blog","content":"<b>generics</b> intro"}]}`)
	case "/api/chat":
		var body chatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, body)
		f.mu.Unlock()

		if !body.Stream {
			out, _ := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": f.nonStreamReply()}})
			_, _ = w.Write(out)
			return
		}
		flusher, _ := w.(http.Flusher)
		if f.streamErr != "" {
			fmt.Fprintf(w, "{\"error\":%q}\n", f.streamErr)
			return
		}
		for _, piece := range f.reply {
			line, _ := json.Marshal(map[string]any{"message": map[string]string{"content": piece}, "done": false})
			_, _ = w.Write(append(line, '\n'))
			if flusher != nil {
				flusher.Flush()
			}
		}
		_, _ = io.WriteString(w, "{\"done\":true}\n")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// nonStreamReply answers search query prompts with the configured query and
// anything else with the joined reply.
func (f *fakeBackend) nonStreamReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.requests[len(f.requests)-1]
	if len(last.Messages) > 0 && strings.HasPrefix(last.Messages[0].Content, "You are a Search Query Generator") {
		return f.query
	}
	return strings.Join(f.reply, "")
}

func (f *fakeBackend) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.searchQueries...)
}

func (f *fakeBackend) lastRequest(t *testing.T) chatBody {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no chat requests")
	}
	return f.requests[len(f.requests)-1]
}

type testEnv struct {
	dir     string
	store   storage.Provider
	state   *State
	history *history.Store
	svc     *Service
	backend *fakeBackend
}

func newTestEnv(t *testing.T, backend *fakeBackend) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.Logger()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	dir, store := testutil.TestVault(t)
	blob, err := storage.NewFileBlobStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	state, err := LoadState(ctx, blob, logger)
	if err != nil {
		t.Fatal(err)
	}
	raw := fmt.Sprintf(`{"providers":{"ollama":{"baseUrl":%q}},"webSearch":{"urlTemplate":%q}}`,
		srv.URL, srv.URL+"/search?q=%s&format=json")
	if _, err := state.UpdateSettings(ctx, json.RawMessage(raw)); err != nil {
		t.Fatal(err)
	}

	hist := history.NewStore(state.History(), history.Options{
		Limits:    func() history.Limits { return state.Settings().Limits() },
		Provider:  func() models.ProviderSnapshot { return state.Settings().Active().Snapshot() },
		Persister: state,
		Logger:    logger,
	})
	cache := vault.New(store, vault.Options{Logger: logger})
	t.Cleanup(cache.Close)

	svc := NewService(Options{
		Store:     store,
		Cache:     cache,
		History:   hist,
		State:     state,
		Transport: transport.New(transport.Options{}),
		Logger:    logger,
	})
	return &testEnv{dir: dir, store: store, state: state, history: hist, svc: svc, backend: backend}
}

func (e *testEnv) enableWeb(t *testing.T) {
	t.Helper()
	if _, err := e.state.UpdateSettings(context.Background(), json.RawMessage(`{"webSearch":{"enabled":true}}`)); err != nil {
		t.Fatal(err)
	}
}

func readNote(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func collect(events *[]stream.Event) func(stream.Event) {
	return func(ev stream.Event) { *events = append(*events, ev) }
}

func countKind(events []stream.Event, k stream.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestRun_ReplaceSelectionStreams(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"a ", "formal ", "phrase"}})
	testutil.WriteNote(t, env.dir, "notes/draft.md", "intro some slang end", time.Time{})

	var events []stream.Event
	res, err := env.svc.Run(context.Background(), Invocation{
		CommandID: prompt.RewriteSelectionFormal,
		NotePath:  "notes/draft.md",
		Selection: &Range{From: editor.Position{Ch: 6}, To: editor.Position{Ch: 16}},
		Stream:    true,
	}, collect(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Content != "a formal phrase" || !res.Applied || res.Delivery != editor.ReplaceSelection {
		t.Errorf("result = %+v", res)
	}
	got := readNote(t, env.dir, "notes/draft.md")
	if got != "intro a formal phrase end" {
		t.Errorf("note = %q", got)
	}
	if res.Checksum != checksum.Sum([]byte(got)) {
		t.Error("checksum does not match saved note")
	}
	if countKind(events, stream.KindToken) != 3 || countKind(events, stream.KindDone) != 1 {
		t.Errorf("events = %+v", events)
	}

	req := env.backend.lastRequest(t)
	if !req.Stream || req.Model != "llama2" || len(req.Messages) != 2 {
		t.Fatalf("request = %+v", req)
	}
	if !strings.Contains(req.Messages[0].Content, "formal, professional tone") {
		t.Error("system prompt missing command instruction")
	}
	if !strings.Contains(req.Messages[1].Content, `"text": "some slang"`) {
		t.Errorf("user message = %s", req.Messages[1].Content)
	}

	th := env.history.NoteThread("notes/draft.md")
	if len(th.Messages) != 2 || th.Messages[0].Role != models.RoleUser || th.Messages[1].Content != "a formal phrase" {
		t.Fatalf("thread = %+v", th.Messages)
	}
	if th.Messages[1].CommandID != prompt.RewriteSelectionFormal || th.Messages[1].NotePath != "notes/draft.md" {
		t.Errorf("message tags = %+v", th.Messages[1])
	}
	if th.Title != "draft" {
		t.Errorf("thread title = %q", th.Title)
	}
}

func TestRun_SelectionRequired(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"x"}})
	testutil.WriteNote(t, env.dir, "a.md", "text", time.Time{})

	var events []stream.Event
	_, err := env.svc.Run(context.Background(), Invocation{CommandID: prompt.ExplainSelection, NotePath: "a.md"}, collect(&events))
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if len(events) != 1 || events[0].Kind != stream.KindError || events[0].Retryable {
		t.Errorf("events = %+v", events)
	}

	_, err = env.svc.Run(context.Background(), Invocation{CommandID: prompt.NoteChat}, nil)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("missing note: err = %v", err)
	}
	_, err = env.svc.Run(context.Background(), Invocation{CommandID: prompt.NoteChat, NotePath: "missing.md"}, nil)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown note: err = %v", err)
	}
	_, err = env.svc.Run(context.Background(), Invocation{CommandID: "dance"}, nil)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown command: err = %v", err)
	}
}

func TestRun_WebSearchIncluded(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{query: "\"go generics\"\n", reply: []string{"explained"}})
	env.enableWeb(t)
	testutil.WriteNote(t, env.dir, "a.md", "type params in Go", time.Time{})

	res, err := env.svc.Run(context.Background(), Invocation{
		CommandID: prompt.ExplainSelection,
		NotePath:  "a.md",
		Selection: &Range{To: editor.Position{Ch: 11}},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Search == nil || res.Search.Query != "go generics" || len(res.Search.Results) != 1 {
		t.Fatalf("search = %+v", res.Search)
	}
	if q := env.backend.queries(); len(q) != 1 || q[0] != "go generics" {
		t.Errorf("search queries = %v", q)
	}

	req := env.backend.lastRequest(t)
	if req.Stream {
		t.Error("stream not requested, request should not stream")
	}
	if !strings.Contains(req.Messages[0].Content, "If web_search_results are provided") {
		t.Error("system prompt lacks web instructions")
	}
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, `"enabled": true`) || !strings.Contains(user, `"content": "generics intro"`) {
		t.Errorf("user message = %s", user)
	}
}

func TestRun_WebSearchFallsBackToPrompt(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{query: "   ", reply: []string{"ok"}})
	env.enableWeb(t)

	if _, err := env.svc.Run(context.Background(), Invocation{CommandID: prompt.VaultChat, UserPrompt: "rust traits"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q := env.backend.queries(); len(q) != 1 || q[0] != "rust traits" {
		t.Errorf("search queries = %v", q)
	}
}

func TestRun_SearchFailureAborts(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{query: "q", reply: []string{"never"}, searchStatus: http.StatusBadGateway})
	env.enableWeb(t)

	var events []stream.Event
	_, err := env.svc.Run(context.Background(), Invocation{CommandID: prompt.VaultChat, UserPrompt: "q"}, collect(&events))
	if err == nil {
		t.Fatal("expected error")
	}
	if countKind(events, stream.KindError) != 1 || !events[0].Retryable {
		t.Errorf("events = %+v", events)
	}
	if n := len(env.history.VaultThread().Messages); n != 0 {
		t.Errorf("history appended on failure: %d", n)
	}
}

func TestRun_VaultChatCarriesSnapshotAndHistory(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"| Note |"}})
	testutil.WriteNote(t, env.dir, "projects/alpha.md", "---\ntags: [work]\n---\n# Alpha", time.Time{})

	ctx := context.Background()
	if _, err := env.svc.Run(ctx, Invocation{CommandID: prompt.VaultChat, UserPrompt: "what is there?", Stream: true}, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	req := env.backend.lastRequest(t)
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, `"path": "projects/alpha.md"`) || !strings.Contains(user, `"#work"`) {
		t.Errorf("vault summary missing: %s", user)
	}
	if strings.Contains(user, `"note": {`) {
		t.Error("vault command carries a note")
	}

	if _, err := env.svc.Run(ctx, Invocation{CommandID: prompt.VaultChat, UserPrompt: "and more?", Stream: true}, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	req = env.backend.lastRequest(t)
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d, want system + 2 prior + user", len(req.Messages))
	}
	if req.Messages[1].Content != "what is there?" || req.Messages[2].Role != models.RoleAssistant {
		t.Errorf("prior turns = %+v", req.Messages[1:3])
	}
	if n := len(env.history.VaultThread().Messages); n != 4 {
		t.Errorf("vault thread messages = %d", n)
	}
}

func TestRun_ResearchCreatesNote(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"# Go: Tips?\n\n## Overview\nbody"}})
	testutil.WriteNote(t, env.dir, "Research/Go Tips.md", "taken", time.Time{})

	res, err := env.svc.Run(context.Background(), Invocation{CommandID: prompt.ResearchCreateNote, UserPrompt: "go tips"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CreatedNote != "Research/Go Tips-1.md" {
		t.Fatalf("created = %q", res.CreatedNote)
	}
	if got := readNote(t, env.dir, res.CreatedNote); !strings.HasPrefix(got, "# Go: Tips?") {
		t.Errorf("note = %q", got)
	}
	if readNote(t, env.dir, "Research/Go Tips.md") != "taken" {
		t.Error("existing note overwritten")
	}
}

func TestRun_ConflictAndDryRun(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"more"}})
	testutil.WriteNote(t, env.dir, "a.md", "start", time.Time{})
	ctx := context.Background()

	_, err := env.svc.Run(ctx, Invocation{CommandID: prompt.NoteChat, NotePath: "a.md", Delivery: "append", IfMatch: "stale"}, nil)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	res, err := env.svc.Run(ctx, Invocation{CommandID: prompt.NoteChat, NotePath: "a.md", Delivery: "append", DryRun: true}, nil)
	if err != nil || res.Applied || readNote(t, env.dir, "a.md") != "start" {
		t.Fatalf("dry run = %+v, %v", res, err)
	}

	res, err = env.svc.Run(ctx, Invocation{
		CommandID: prompt.NoteChat, NotePath: "a.md", Delivery: "append",
		IfMatch: checksum.Sum([]byte("start")),
	}, nil)
	if err != nil || !res.Applied {
		t.Fatalf("append = %+v, %v", res, err)
	}
	if got := readNote(t, env.dir, "a.md"); got != "start\n\nmore" {
		t.Errorf("note = %q", got)
	}
}

func TestRun_StreamErrorSettlesOnce(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{streamErr: "model 'llama2' not found"})
	testutil.WriteNote(t, env.dir, "a.md", "text", time.Time{})

	var events []stream.Event
	_, err := env.svc.Run(context.Background(), Invocation{CommandID: prompt.NoteChat, NotePath: "a.md", Stream: true}, collect(&events))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
	if countKind(events, stream.KindError) != 1 || countKind(events, stream.KindDone) != 0 {
		t.Errorf("events = %+v", events)
	}
	if n := len(env.history.NoteThread("a.md").Messages); n != 0 {
		t.Errorf("history appended on failure: %d", n)
	}
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	list, err := env.svc.Models(context.Background())
	if err != nil || len(list) != 1 || list[0].ID != "llama2" {
		t.Errorf("models = %+v, %v", list, err)
	}
}

func TestUpdateSettings_AppliesLimits(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"r"}})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.svc.Run(ctx, Invocation{CommandID: prompt.VaultChat, UserPrompt: "q"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.svc.UpdateSettings(ctx, json.RawMessage(`{"history":{"vaultMaxMessages":2}}`)); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if n := len(env.history.VaultThread().Messages); n != 2 {
		t.Errorf("vault messages = %d, want 2", n)
	}

	if _, err := env.svc.UpdateSettings(ctx, json.RawMessage(`{"activeProvider":"gemini"}`)); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("invalid provider: err = %v", err)
	}
	if env.svc.Settings().ActiveProvider != "ollama" {
		t.Error("rejected update was kept")
	}
}
