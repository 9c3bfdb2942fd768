package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/sowilo/internal/apperr"
	"github.com/starford/sowilo/internal/checksum"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/settings"
	"github.com/starford/sowilo/internal/storage"
)

// persisted is the on-disk state document.
type persisted struct {
	Settings     settings.Settings `json:"settings"`
	HistoryStore *history.Snapshot `json:"historyStore,omitempty"`
}

// loaded mirrors persisted but keeps settings raw so they can be merged over
// the defaults.
type loaded struct {
	Settings     json.RawMessage   `json:"settings"`
	HistoryStore *history.Snapshot `json:"historyStore"`
}

// State owns the persisted {settings, historyStore} blob. It implements
// history.Persister.
type State struct {
	blob   storage.BlobStore
	logger *slog.Logger

	mu       sync.Mutex
	settings settings.Settings
	history  *history.Snapshot
	lastSum  string
}

// LoadState reads the blob and merges stored settings over the defaults.
// Settings that fail validation are replaced by the defaults.
func LoadState(ctx context.Context, blob storage.BlobStore, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := blob.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("assistant: load state: %w", err)
	}

	var in loaded
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("assistant: decode state: %w", err)
		}
	}
	s, err := settings.Merge(in.Settings)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		logger.Warn("state: stored settings rejected, using defaults", slog.String("error", err.Error()))
		s = settings.Default()
	}

	st := &State{blob: blob, logger: logger, settings: s, history: in.HistoryStore}
	if len(data) > 0 {
		st.lastSum = checksum.Sum(data)
	}
	return st, nil
}

// Settings returns the current settings.
func (s *State) Settings() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// History returns the history snapshot read at load time, or nil.
func (s *State) History() *history.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// UpdateSettings applies a partial settings document, validates the result
// and persists it.
func (s *State) UpdateSettings(ctx context.Context, raw json.RawMessage) (settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.settings.Apply(raw)
	if err != nil {
		return s.settings, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if err := next.Validate(); err != nil {
		return s.settings, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	s.settings = next
	return next, s.persistLocked(ctx)
}

// SaveHistory persists snap together with the current settings.
func (s *State) SaveHistory(ctx context.Context, snap history.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = &snap
	return s.persistLocked(ctx)
}

// persistLocked writes the blob unless it is identical to the last write.
func (s *State) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(persisted{Settings: s.settings, HistoryStore: s.history})
	if err != nil {
		return fmt.Errorf("assistant: encode state: %w", err)
	}
	sum := checksum.Sum(data)
	if sum == s.lastSum {
		return nil
	}
	if err := s.blob.Save(ctx, data); err != nil {
		s.logger.Error("state: save failed", slog.String("error", err.Error()))
		return fmt.Errorf("assistant: save state: %w", err)
	}
	s.lastSum = sum
	return nil
}
