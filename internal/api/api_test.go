package api

import (
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/testutil"
	"github.com/starford/sowilo/internal/transport"
	"github.com/starford/sowilo/internal/vault"
)

// fakeLLM answers the Ollama and SearXNG endpoints used by the assistant.
func fakeLLM(reply string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = io.WriteString(w, `{"models":[{"name":"llama2"},{"name":"mistral"}]}`)
		case "/search":
			_, _ = io.WriteString(w, `{"results":[{"title":"Result","url":"https://example.com","content":"snippet"}]}`)
		case "/api/chat":
			var body struct {
				Stream bool `json:"stream"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if !body.Stream {
				out, _ := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": reply}})
				_, _ = w.Write(out)
				return
			}
			for _, word := range strings.SplitAfter(reply, " ") {
				fmt.Fprintf(w, "{\"message\":{\"content\":%q},\"done\":false}\n", word)
			}
			_, _ = io.WriteString(w, "{\"done\":true}\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []sse.Event
}

func (r *recorder) Publish(ev sse.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type apiEnv struct {
	dir    string
	router http.Handler
	events *recorder
	state  *assistant.State
}

// testEnv sets up a temp vault, state blob, assistant and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) *apiEnv {
	t.Helper()
	return testEnvFull(t, authToken != "", authToken, nil)
}

func testEnvFull(t *testing.T, authEnabled bool, authToken string, sseHandler http.Handler) *apiEnv {
	t.Helper()
	ctx := context.Background()
	logger := testutil.Logger()

	srv := httptest.NewServer(fakeLLM("generated text"))
	t.Cleanup(srv.Close)

	dir, store := testutil.TestVault(t)
	blob, err := storage.NewFileBlobStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	state, err := assistant.LoadState(ctx, blob, logger)
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

	svc := assistant.NewService(assistant.Options{
		Store:     store,
		Cache:     cache,
		History:   hist,
		State:     state,
		Transport: transport.New(transport.Options{}),
		Logger:    logger,
	})
	events := &recorder{}
	router := NewRouter(Deps{Assistant: svc, Cache: cache, History: hist, Events: events}, authEnabled, authToken, sseHandler)
	return &apiEnv{dir: dir, router: router, events: events, state: state}
}

func (e *apiEnv) do(t *testing.T, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) readNote(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestListCommands(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodGet, "/commands", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commands = %d", w.Code)
	}
	var resp CommandListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Commands) != 12 {
		t.Errorf("commands = %d, want 12", len(resp.Commands))
	}
}

func TestRunCommand_AppendsToNote(t *testing.T) {
	env := testEnv(t, "")
	testutil.WriteNote(t, env.dir, "notes/a.md", "start", time.Time{})

	w := env.do(t, http.MethodPost, "/commands/note_chat/run", map[string]any{
		"notePath":   "notes/a.md",
		"userPrompt": "continue",
		"delivery":   "append",
	}, map[string]string{"If-Match": `"` + checksum.Sum([]byte("start")) + `"`})
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", w.Code, w.Body.String())
	}
	var res RunResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Content != "generated text" {
		t.Errorf("result = %+v", res)
	}
	if got := env.readNote(t, "notes/a.md"); got != "start\n\ngenerated text" {
		t.Errorf("note = %q", got)
	}

	types := strings.Join(env.events.types(), ",")
	want := sse.TypeCommandStarted + "," + sse.TypeCommandFinished + "," + sse.TypeHistoryUpdated
	if types != want {
		t.Errorf("published = %s, want %s", types, want)
	}

	w = env.do(t, http.MethodGet, "/history/notes/notes/a.md", nil, nil)
	var th models.ChatThread
	if err := json.NewDecoder(w.Body).Decode(&th); err != nil {
		t.Fatal(err)
	}
	if len(th.Messages) != 2 || th.Messages[0].Content != "continue" {
		t.Errorf("thread = %+v", th.Messages)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	env := testEnv(t, "")
	testutil.WriteNote(t, env.dir, "a.md", "text", time.Time{})

	cases := []struct {
		name   string
		target string
		body   map[string]any
		header map[string]string
		want   int
	}{
		{"unknown command", "/commands/dance/run", map[string]any{}, nil, http.StatusBadRequest},
		{"missing note", "/commands/note_chat/run", map[string]any{"notePath": "ghost.md"}, nil, http.StatusNotFound},
		{"selection required", "/commands/explain_selection/run", map[string]any{"notePath": "a.md"}, nil, http.StatusBadRequest},
		{"stale checksum", "/commands/note_chat/run", map[string]any{"notePath": "a.md", "delivery": "append"},
			map[string]string{"If-Match": "stale"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tc.target, tc.body, tc.header)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/commands/note_chat/run", strings.NewReader("{bad"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}
	if env.readNote(t, "a.md") != "text" {
		t.Error("failed runs modified the note")
	}
}

func TestRunCommand_Streaming(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodPost, "/commands/vault_chat/run", map[string]any{
		"userPrompt": "hi",
		"stream":     true,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	if strings.Count(body, "event: token\n") != 2 {
		t.Errorf("token events:\n%s", body)
	}
	if !strings.Contains(body, "event: done\n") || !strings.Contains(body, "event: result\n") {
		t.Errorf("body:\n%s", body)
	}
	if strings.Index(body, "event: done") > strings.Index(body, "event: result") {
		t.Error("result sent before done")
	}
}

func TestRunCommand_StreamingFailureEmitsError(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodPost, "/commands/note_chat/run", map[string]any{"notePath": "ghost.md", "stream": true}, nil)
	body := w.Body.String()
	if strings.Count(body, "event: error\n") != 1 || strings.Contains(body, "event: result") {
		t.Errorf("body:\n%s", body)
	}
	types := env.events.types()
	if len(types) != 2 || types[1] != sse.TypeCommandFailed {
		t.Errorf("published = %v", types)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := testEnv(t, "")

	if w := env.do(t, http.MethodPost, "/commands/vault_chat/run", map[string]any{"userPrompt": "hello"}, nil); w.Code != http.StatusOK {
		t.Fatalf("run = %d", w.Code)
	}

	w := env.do(t, http.MethodGet, "/history", nil, nil)
	var list ThreadListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Threads) != 1 || list.Threads[0].Scope != models.ScopeVault || len(list.Threads[0].Messages) != 0 {
		t.Fatalf("threads = %+v", list.Threads)
	}
	vaultID := list.Threads[0].ID

	w = env.do(t, http.MethodGet, "/history/threads/"+vaultID, nil, nil)
	var th models.ChatThread
	if err := json.NewDecoder(w.Body).Decode(&th); err != nil {
		t.Fatal(err)
	}
	if len(th.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(th.Messages))
	}

	if w := env.do(t, http.MethodGet, "/history/threads/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown thread = %d, want 404", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/history/vault", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/history/vault", nil, nil)
	th = models.ChatThread{}
	_ = json.NewDecoder(w.Body).Decode(&th)
	if th.ID != vaultID || len(th.Messages) != 0 {
		t.Errorf("vault thread after clear = %+v", th)
	}
}

func TestNoteThread_EncodedPath(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodGet, "/history/notes/topics%2Fgo.md", nil, nil)
	var th models.ChatThread
	if err := json.NewDecoder(w.Body).Decode(&th); err != nil {
		t.Fatal(err)
	}
	if th.NotePath != "topics/go.md" || th.Title != history.NoteThreadTitle {
		t.Errorf("thread = %+v", th)
	}
	if w := env.do(t, http.MethodDelete, "/history/notes/topics/go.md", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("clear note = %d", w.Code)
	}
}

func TestNoteThread_ReadDoesNotCreate(t *testing.T) {
	env := testEnv(t, "")

	for _, p := range []string{"a.md", "b/c.md", "nowhere/x.md"} {
		if w := env.do(t, http.MethodGet, "/history/notes/"+p, nil, nil); w.Code != http.StatusOK {
			t.Fatalf("get %s = %d", p, w.Code)
		}
	}
	w := env.do(t, http.MethodGet, "/history", nil, nil)
	var list ThreadListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Threads) != 1 || list.Threads[0].Scope != models.ScopeVault {
		t.Errorf("threads after reads = %+v", list.Threads)
	}
}

func TestVaultSnapshot(t *testing.T) {
	env := testEnv(t, "")
	testutil.WriteNote(t, env.dir, "one.md", "# One", time.Now().Add(-time.Hour))
	testutil.WriteNote(t, env.dir, "two.md", "---\ntitle: Two\n---\n", time.Now())

	w := env.do(t, http.MethodGet, "/vault/snapshot", nil, nil)
	var snap models.VaultSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Notes) != 2 || snap.Notes[0].Path != "two.md" || snap.Notes[0].Title != "Two" {
		t.Errorf("snapshot = %+v", snap.Notes)
	}

	testutil.WriteNote(t, env.dir, "three.md", "", time.Now().Add(time.Minute))
	w = env.do(t, http.MethodPost, "/vault/rebuild", nil, nil)
	snap = models.VaultSnapshot{}
	_ = json.NewDecoder(w.Body).Decode(&snap)
	if len(snap.Notes) != 3 || snap.Notes[0].Path != "three.md" {
		t.Errorf("rebuilt = %+v", snap.Notes)
	}
}

func TestSearch(t *testing.T) {
	env := testEnv(t, "")

	if w := env.do(t, http.MethodGet, "/search", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
	w := env.do(t, http.MethodGet, "/search?q=golang", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"query":"golang"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestModels(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodGet, "/models", nil, nil)
	var resp ModelListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != 2 {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestSettings(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodPut, "/settings", map[string]any{"webSearch": map[string]any{"maxResults": 3}}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/settings", nil, nil)
	if !strings.Contains(w.Body.String(), `"maxResults":3`) {
		t.Errorf("settings = %s", w.Body.String())
	}

	if w := env.do(t, http.MethodPut, "/settings", map[string]any{"activeProvider": "gemini"}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid provider = %d, want 400", w.Code)
	}
	types := env.events.types()
	if len(types) != 1 || types[0] != sse.TypeSettingsUpdated {
		t.Errorf("published = %v", types)
	}
}

func TestSettings_APIKeyMasked(t *testing.T) {
	env := testEnv(t, "")
	const key = "sk-live-abcdef9876"

	w := env.do(t, http.MethodPut, "/settings", map[string]any{
		"providers": map[string]any{"openai": map[string]any{"apiKey": key}},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sk-live") {
		t.Errorf("update response leaks key: %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/settings", nil, nil)
	body := w.Body.String()
	if strings.Contains(body, "sk-live") || !strings.Contains(body, "9876") {
		t.Fatalf("settings = %s", body)
	}

	// Saving the document as displayed keeps the stored key.
	var shown map[string]any
	if err := json.Unmarshal([]byte(body), &shown); err != nil {
		t.Fatal(err)
	}
	shown["webSearch"].(map[string]any)["maxResults"] = 4
	if w := env.do(t, http.MethodPut, "/settings", shown, nil); w.Code != http.StatusOK {
		t.Fatalf("resave = %d: %s", w.Code, w.Body.String())
	}
	got := env.state.Settings()
	if got.Providers.OpenAI.APIKey != key || got.WebSearch.MaxResults != 4 {
		t.Errorf("stored key = %q, maxResults = %d", got.Providers.OpenAI.APIKey, got.WebSearch.MaxResults)
	}

	if w := env.do(t, http.MethodPut, "/settings", map[string]any{"activeProvider": "ollama"}, nil); w.Code != http.StatusOK {
		t.Fatalf("partial update = %d", w.Code)
	}
	if env.state.Settings().Providers.OpenAI.APIKey != key {
		t.Error("omitted key was cleared")
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	env := testEnv(t, "secret123")

	w := env.do(t, http.MethodGet, "/commands", nil, map[string]string{"Authorization": "Bearer secret123"})
	if w.Code != http.StatusOK {
		t.Errorf("authed = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	env := testEnv(t, "secret123")

	w := env.do(t, http.MethodGet, "/commands", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	env := testEnv(t, "secret123")

	w := env.do(t, http.MethodGet, "/commands", nil, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	env := testEnv(t, "")

	w := env.do(t, http.MethodGet, "/commands", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	env := testEnvFull(t, true, "secret", blockingSSE)

	w := env.do(t, http.MethodGet, "/events", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	env := testEnvFull(t, false, "", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	env := testEnvFull(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	env := testEnvFull(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?access_token=tok", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with query token should not 401")
	}

	if w := env.do(t, http.MethodGet, "/commands?access_token=tok", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("query token outside /events = %d, want 401", w.Code)
	}
}
