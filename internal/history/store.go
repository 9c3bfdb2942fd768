package history

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/models"
)

// Thread titles.
const (
	VaultThreadTitle = "Global Vault Chat"
	NoteThreadTitle  = "Note Chat"
)

// SnapshotVersion is the persisted layout version.
const SnapshotVersion = 1

// Snapshot is the persisted form of the store.
type Snapshot struct {
	Version       int                          `json:"version"`
	Threads       map[string]models.ChatThread `json:"threads"`
	NoteIndex     map[string]string            `json:"noteIndex"`
	VaultThreadID string                       `json:"vaultThreadId"`
}

// Persister saves store snapshots.
type Persister interface {
	SaveHistory(ctx context.Context, snap Snapshot) error
}

// NewMessage is the caller-supplied part of an appended message.
type NewMessage struct {
	Role      models.Role
	Content   string
	CommandID string
	NotePath  string
}

// Options wires a Store to its collaborators.
type Options struct {
	// Limits returns the retention limits in force; read on every append.
	Limits func() Limits
	// Provider returns the active provider configuration; read on every append.
	Provider  func() models.ProviderSnapshot
	Persister Persister
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store maps thread identity to thread content. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	snap Snapshot
	opts Options
}

// NewStore builds a store from a previously persisted snapshot, which may be
// nil. The vault thread is created when absent.
func NewStore(prev *Snapshot, opts Options) *Store {
	if opts.Limits == nil {
		opts.Limits = DefaultLimits
	}
	if opts.Provider == nil {
		opts.Provider = func() models.ProviderSnapshot { return models.ProviderSnapshot{} }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{opts: opts}
	s.snap = Snapshot{
		Version:   SnapshotVersion,
		Threads:   make(map[string]models.ChatThread),
		NoteIndex: make(map[string]string),
	}
	if prev != nil {
		for id, th := range prev.Threads {
			th.ID = id
			if th.Messages == nil {
				th.Messages = []models.ChatMessage{}
			}
			s.snap.Threads[id] = th
		}
		for p, id := range prev.NoteIndex {
			if th, ok := s.snap.Threads[id]; ok && th.Scope == models.ScopeNote && th.NotePath == p {
				s.snap.NoteIndex[p] = id
			}
		}
		s.snap.VaultThreadID = prev.VaultThreadID
	}

	if s.snap.VaultThreadID == "" {
		s.snap.VaultThreadID = uuid.NewString()
	}
	if _, ok := s.snap.Threads[s.snap.VaultThreadID]; !ok {
		s.snap.Threads[s.snap.VaultThreadID] = s.newThread(s.snap.VaultThreadID, models.ScopeVault, "", VaultThreadTitle)
	}
	return s
}

func (s *Store) newThread(id string, scope models.Scope, notePath, title string) models.ChatThread {
	now := s.opts.Now().UnixMilli()
	return models.ChatThread{
		ID:        id,
		Scope:     scope,
		NotePath:  notePath,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []models.ChatMessage{},
	}
}

// NoteThread returns the thread for notePath, creating it on first access.
func (s *Store) NoteThread(notePath string) models.ChatThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteThreadLocked(notePath).Clone()
}

func (s *Store) noteThreadLocked(notePath string) models.ChatThread {
	if id, ok := s.snap.NoteIndex[notePath]; ok {
		if th, ok := s.snap.Threads[id]; ok {
			return th
		}
	}
	id := uuid.NewString()
	th := s.newThread(id, models.ScopeNote, notePath, NoteThreadTitle)
	s.snap.Threads[id] = th
	s.snap.NoteIndex[notePath] = id
	return th
}

// PeekNote returns the thread for notePath without creating one. A note
// with no stored thread yields an empty thread that has no ID.
func (s *Store) PeekNote(notePath string) models.ChatThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.snap.NoteIndex[notePath]; ok {
		if th, ok := s.snap.Threads[id]; ok {
			return th.Clone()
		}
	}
	return s.newThread("", models.ScopeNote, notePath, NoteThreadTitle)
}

// VaultThread returns the vault-wide thread.
func (s *Store) VaultThread() models.ChatThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Threads[s.snap.VaultThreadID].Clone()
}

// Thread returns the thread with the given id.
func (s *Store) Thread(id string) (models.ChatThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.snap.Threads[id]
	if !ok {
		return models.ChatThread{}, fmt.Errorf("history: thread %s: %w", id, apperr.ErrNotFound)
	}
	return th.Clone(), nil
}

// Threads returns every thread without its messages, most recently updated first.
func (s *Store) Threads() []models.ChatThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatThread, 0, len(s.snap.Threads))
	for _, th := range s.snap.Threads {
		th.Messages = nil
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Append adds a message to the thread, prunes the thread and persists.
func (s *Store) Append(ctx context.Context, threadID string, m NewMessage) (models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.snap.Threads[threadID]
	if !ok {
		return models.ChatMessage{}, fmt.Errorf("history: thread %s: %w", threadID, apperr.ErrNotFound)
	}

	now := s.opts.Now().UnixMilli()
	msg := models.ChatMessage{
		ID:               uuid.NewString(),
		Role:             m.Role,
		Content:          m.Content,
		CreatedAt:        now,
		CommandID:        m.CommandID,
		NotePath:         m.NotePath,
		ProviderSnapshot: s.opts.Provider(),
		TokenEstimate:    EstimateTokens(m.Content),
	}

	if m.Role == models.RoleUser && th.Scope == models.ScopeNote && th.Title == NoteThreadTitle {
		th.Title = noteTitle(th.NotePath)
	}
	prev := s.snap.Threads[threadID]
	th = th.Clone()
	th.Messages = append(th.Messages, msg)
	th = Prune(th, s.opts.Limits())
	th.UpdatedAt = now
	s.snap.Threads[threadID] = th

	if err := s.persistLocked(ctx); err != nil {
		s.snap.Threads[threadID] = prev
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// Clear empties the thread's messages, keeping the thread itself.
func (s *Store) Clear(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.snap.Threads[threadID]
	if !ok {
		return fmt.Errorf("history: thread %s: %w", threadID, apperr.ErrNotFound)
	}
	prev := th
	th.Messages = []models.ChatMessage{}
	th.UpdatedAt = s.opts.Now().UnixMilli()
	s.snap.Threads[threadID] = th
	if err := s.persistLocked(ctx); err != nil {
		s.snap.Threads[threadID] = prev
		return err
	}
	return nil
}

// ClearNote clears the thread of notePath if one exists.
func (s *Store) ClearNote(ctx context.Context, notePath string) error {
	s.mu.Lock()
	id, ok := s.snap.NoteIndex[notePath]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Clear(ctx, id)
}

// ClearVault clears the vault thread.
func (s *Store) ClearVault(ctx context.Context) error {
	s.mu.Lock()
	id := s.snap.VaultThreadID
	s.mu.Unlock()
	return s.Clear(ctx, id)
}

// ApplyLimits re-prunes every thread against the current limits and
// persists when anything changed.
func (s *Store) ApplyLimits(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits := s.opts.Limits()
	changed := false
	for id, th := range s.snap.Threads {
		pruned := Prune(th, limits)
		if !sameMessages(th.Messages, pruned.Messages) {
			s.snap.Threads[id] = pruned
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked(ctx)
}

// Snapshot returns a copy of the store contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Flush persists the current contents.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) snapshotLocked() Snapshot {
	out := Snapshot{
		Version:       s.snap.Version,
		Threads:       make(map[string]models.ChatThread, len(s.snap.Threads)),
		NoteIndex:     make(map[string]string, len(s.snap.NoteIndex)),
		VaultThreadID: s.snap.VaultThreadID,
	}
	for id, th := range s.snap.Threads {
		out.Threads[id] = th.Clone()
	}
	for p, id := range s.snap.NoteIndex {
		out.NoteIndex[p] = id
	}
	return out
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.opts.Persister == nil {
		return nil
	}
	if err := s.opts.Persister.SaveHistory(ctx, s.snapshotLocked()); err != nil {
		s.opts.Logger.Error("history: persist failed", slog.String("error", err.Error()))
		return fmt.Errorf("history: persist: %w", err)
	}
	return nil
}

// EstimateTokens is a rough token count: one token per four characters.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

func noteTitle(notePath string) string {
	base := path.Base(strings.ReplaceAll(notePath, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func sameMessages(a, b []models.ChatMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content {
			return false
		}
	}
	return true
}
