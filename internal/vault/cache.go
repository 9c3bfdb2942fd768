// Package vault keeps a bounded, lazily rebuilt snapshot of note metadata and
// invalidates it when the vault changes.
package vault

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/parser"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/topk"
)

const (
	DefaultCap      = 500
	DefaultDebounce = 500 * time.Millisecond
)

// EventKind classifies a vault change.
type EventKind string

const (
	Created EventKind = "created"
	Changed EventKind = "changed"
	Deleted EventKind = "deleted"
	Renamed EventKind = "renamed"
)

// Event is a vault change notification.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

// Options configures a Cache.
type Options struct {
	Cap      int
	Debounce time.Duration
	Logger   *slog.Logger
	// OnInvalidate runs after a debounced invalidation clears the cache.
	OnInvalidate func()
}

// Cache serves VaultSnapshots. A nil snapshot means EMPTY; the next Get
// rebuilds.
type Cache struct {
	src  storage.Provider
	opts Options

	mu     sync.Mutex
	snap   *models.VaultSnapshot
	timer  *time.Timer
	gen    uint64
	closed bool
}

// New returns an empty cache reading notes from src.
func New(src storage.Provider, opts Options) *Cache {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{src: src, opts: opts}
}

// Get returns the cached snapshot, rebuilding it first when the cache is
// empty. The returned Notes slice must not be modified.
func (c *Cache) Get() (models.VaultSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil {
		return *c.snap, nil
	}
	return c.rebuildLocked()
}

// Rebuild rebuilds the snapshot regardless of cache state.
func (c *Cache) Rebuild() (models.VaultSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked()
}

// Populated reports whether a snapshot is cached.
func (c *Cache) Populated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap != nil
}

// Notify schedules an invalidation. Each call restarts the debounce window,
// so a burst of events clears the cache once.
func (c *Cache) Notify(ev Event) {
	switch ev.Kind {
	case Created, Changed, Deleted, Renamed:
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.gen++
	g := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.Debounce, func() { c.fire(g) })
	c.opts.Logger.Debug("vault: change queued", slog.String("kind", string(ev.Kind)), slog.String("path", ev.Path))
}

func (c *Cache) fire(g uint64) {
	c.mu.Lock()
	if c.closed || g != c.gen {
		c.mu.Unlock()
		return
	}
	c.snap = nil
	c.timer = nil
	hook := c.opts.OnInvalidate
	c.mu.Unlock()

	c.opts.Logger.Debug("vault: cache invalidated")
	if hook != nil {
		hook()
	}
}

// Close stops any pending invalidation. Later Notify calls are ignored.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cache) rebuildLocked() (models.VaultSnapshot, error) {
	files, err := c.src.List("")
	if err != nil {
		return models.VaultSnapshot{}, fmt.Errorf("vault: rebuild: %w", err)
	}

	top := topk.FindTopK(files, c.opts.Cap, func(f models.NoteFile) float64 {
		return float64(f.ModifiedAt.UnixMilli())
	})
	sort.Slice(top, func(i, j int) bool {
		if !top[i].ModifiedAt.Equal(top[j].ModifiedAt) {
			return top[i].ModifiedAt.After(top[j].ModifiedAt)
		}
		return top[i].Path < top[j].Path
	})

	notes := make([]models.NoteMetadata, 0, len(top))
	for _, f := range top {
		notes = append(notes, c.extract(f))
	}

	snap := &models.VaultSnapshot{
		TotalNoteCount: len(files),
		IncludedCount:  len(notes),
		Truncated:      len(files) > c.opts.Cap,
		Notes:          notes,
	}
	c.snap = snap
	c.opts.Logger.Debug("vault: cache rebuilt",
		slog.Int("total", snap.TotalNoteCount),
		slog.Int("included", snap.IncludedCount))
	return *snap, nil
}

// extract reads and parses one note. A note that cannot be read or parsed
// still appears, titled by its file name.
func (c *Cache) extract(f models.NoteFile) models.NoteMetadata {
	meta := models.NoteMetadata{
		Path:         f.Path,
		Title:        baseTitle(f.Path),
		Tags:         []string{},
		ModifiedTime: f.ModifiedAt,
	}
	data, err := c.src.Read(f.Path)
	if err != nil {
		c.opts.Logger.Warn("vault: read failed", slog.String("path", f.Path), slog.String("error", err.Error()))
		return meta
	}
	res, err := parser.Parse(data)
	if err != nil {
		c.opts.Logger.Warn("vault: parse failed", slog.String("path", f.Path), slog.String("error", err.Error()))
		return meta
	}
	meta.Title = res.TitleOrBase(f.Path)
	meta.Frontmatter = res.Frontmatter
	if res.Tags != nil {
		meta.Tags = res.Tags
	}
	return meta
}

func baseTitle(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
