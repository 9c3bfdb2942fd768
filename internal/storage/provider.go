// Package storage defines vault file access and persisted state backends.
package storage

import (
	"context"

	"github.com/starford/sowilo/internal/models"
)

// Provider is the interface for vault file operations.
type Provider interface {
	// List returns every .md file under dir (relative to vault root).
	List(dir string) ([]models.NoteFile, error)
	// Read returns the raw bytes of the file at path (relative to vault root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to vault root).
	Write(path string, content []byte) error
	// Exists reports whether a file exists at path.
	Exists(path string) bool
}

// BlobStore persists the opaque application state blob.
// Load returns (nil, nil) when nothing has been saved yet.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}
