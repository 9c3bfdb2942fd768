package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/prompt"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/vault"
)

// Publisher receives events for connected clients.
type Publisher interface {
	Publish(sse.Event)
}

// Deps are the collaborators the API serves.
type Deps struct {
	Assistant *assistant.Service
	Cache     *vault.Cache
	History   *history.Store
	// Events is optional.
	Events Publisher
}

// Handler holds API route handlers.
type Handler struct {
	d Deps
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

func (h *Handler) publish(typ string, data any) {
	if h.d.Events != nil {
		h.d.Events.Publish(sse.Event{Type: typ, Data: data})
	}
}

// notePath extracts the note path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	}
}

// ListCommands handles GET /commands.
//
//	@Summary		List assistant commands
//	@Tags			commands
//	@Produce		json
//	@Success		200	{object}	CommandListResponse
//	@Security		BearerAuth
//	@Router			/commands [get]
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CommandListResponse{Commands: prompt.Commands()})
}

// RunCommand handles POST /commands/{id}/run.
//
// With "stream": true the response is an event stream of token, done and
// error events followed by a result event; otherwise the result is returned
// as JSON once the model has finished.
//
//	@Summary		Run an assistant command
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string		true	"Command id"
//	@Param			If-Match	header		string		false	"Checksum of the note the output is delivered to"
//	@Param			body		body		RunRequest	true	"Invocation"
//	@Success		200			{object}	RunResult
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		502			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/commands/{id}/run [post]
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	inv := req.invocation(chi.URLParam(r, "id"))
	if inv.IfMatch == "" {
		inv.IfMatch = r.Header.Get("If-Match")
	}

	started := map[string]string{"commandId": inv.CommandID, "notePath": inv.NotePath}
	h.publish(sse.TypeCommandStarted, started)

	if inv.Stream {
		h.runStreaming(w, r, inv)
		return
	}

	res, err := h.d.Assistant.Run(r.Context(), inv, nil)
	h.finish(inv, res, err)
	if err != nil {
		writeError(w, "run command", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runStreaming(w http.ResponseWriter, r *http.Request, inv assistant.Invocation) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}
	startEventStream(w, flusher)

	send := func(typ string, v any) { writeEvent(w, flusher, typ, v) }

	res, err := h.d.Assistant.Run(r.Context(), inv, func(ev stream.Event) {
		send(string(ev.Kind), ev)
	})
	h.finish(inv, res, err)
	if err == nil {
		send("result", res)
	}
}

func (h *Handler) finish(inv assistant.Invocation, res assistant.Result, err error) {
	if err != nil {
		h.publish(sse.TypeCommandFailed, map[string]string{"commandId": inv.CommandID, "error": err.Error()})
		return
	}
	h.publish(sse.TypeCommandFinished, res)
	h.publish(sse.TypeHistoryUpdated, map[string]string{"threadId": res.ThreadID})
}

// ListModels handles GET /models.
//
//	@Summary		List models of the active provider
//	@Tags			models
//	@Produce		json
//	@Success		200	{object}	ModelListResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/models [get]
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.d.Assistant.Models(r.Context())
	if err != nil {
		writeError(w, "list models", err)
		return
	}
	writeJSON(w, http.StatusOK, ModelListResponse{Models: list})
}

// ListThreads handles GET /history.
//
//	@Summary		List chat threads without their messages
//	@Tags			history
//	@Produce		json
//	@Success		200	{object}	ThreadListResponse
//	@Security		BearerAuth
//	@Router			/history [get]
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ThreadListResponse{Threads: h.d.History.Threads()})
}

// GetThread handles GET /history/threads/{id}.
//
//	@Summary		Get a chat thread by id
//	@Tags			history
//	@Produce		json
//	@Param			id	path		string	true	"Thread id"
//	@Success		200	{object}	models.ChatThread
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/history/threads/{id} [get]
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.d.History.Thread(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get thread", err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// GetVaultThread handles GET /history/vault.
func (h *Handler) GetVaultThread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.History.VaultThread())
}

// ClearVaultThread handles DELETE /history/vault.
func (h *Handler) ClearVaultThread(w http.ResponseWriter, r *http.Request) {
	if err := h.d.History.ClearVault(r.Context()); err != nil {
		writeError(w, "clear vault history", err)
		return
	}
	h.publish(sse.TypeHistoryUpdated, map[string]string{"threadId": h.d.History.VaultThread().ID})
	w.WriteHeader(http.StatusNoContent)
}

// GetNoteThread handles GET /history/notes/*. A note without history gets
// an empty thread that is not stored.
//
//	@Summary		Get the chat thread of a note
//	@Tags			history
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	models.ChatThread
//	@Security		BearerAuth
//	@Router			/history/notes/{path} [get]
func (h *Handler) GetNoteThread(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.d.History.PeekNote(path))
}

// ClearNoteThread handles DELETE /history/notes/*.
func (h *Handler) ClearNoteThread(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.d.History.ClearNote(r.Context(), path); err != nil {
		writeError(w, "clear note history", err)
		return
	}
	h.publish(sse.TypeHistoryUpdated, map[string]string{"notePath": path})
	w.WriteHeader(http.StatusNoContent)
}

// VaultSnapshot handles GET /vault/snapshot.
//
//	@Summary		Bounded summary of vault note metadata
//	@Tags			vault
//	@Produce		json
//	@Success		200	{object}	models.VaultSnapshot
//	@Security		BearerAuth
//	@Router			/vault/snapshot [get]
func (h *Handler) VaultSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Cache.Get()
	if err != nil {
		slog.Error("vault snapshot failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RebuildVault handles POST /vault/rebuild.
func (h *Handler) RebuildVault(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Cache.Rebuild()
	if err != nil {
		slog.Error("vault rebuild failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Search handles GET /search.
//
//	@Summary		Web search through the configured SearXNG instance
//	@Tags			search
//	@Produce		json
//	@Param			q	query		string	true	"Search query"
//	@Success		200	{object}	websearch.Bundle
//	@Failure		400	{object}	errResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	bundle, err := h.d.Assistant.Search(r.Context(), q)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// GetSettings handles GET /settings. The API key is masked.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Assistant.Settings().Redacted())
}

// UpdateSettings handles PUT /settings. The body is a partial settings
// document merged over the current settings. A masked API key in the body
// leaves the stored key unchanged.
//
//	@Summary		Update settings
//	@Tags			settings
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	settings.Settings
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/settings [put]
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	s, err := h.d.Assistant.UpdateSettings(r.Context(), body)
	if err != nil {
		writeError(w, "update settings", err)
		return
	}
	h.publish(sse.TypeSettingsUpdated, map[string]string{"activeProvider": s.ActiveProvider})
	writeJSON(w, http.StatusOK, s.Redacted())
}
