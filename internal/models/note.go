// Package models defines the domain types shared across sowilo packages.
package models

import "time"

// NoteFile is a vault entry as enumerated by storage, before parsing.
type NoteFile struct {
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NoteMetadata is the read-only projection of a note kept in the vault cache.
type NoteMetadata struct {
	Path         string         `json:"path"`
	Title        string         `json:"title"`
	Tags         []string       `json:"tags"`
	Frontmatter  map[string]any `json:"frontmatter"`
	ModifiedTime time.Time      `json:"modified_time"`
}

// VaultSnapshot is a bounded, point-in-time view of vault note metadata.
type VaultSnapshot struct {
	TotalNoteCount int            `json:"noteCount"`
	IncludedCount  int            `json:"includedCount"`
	Truncated      bool           `json:"truncated"`
	Notes          []NoteMetadata `json:"notes"`
}
