package editor

import (
	"fmt"

	"github.com/starford/sowilo/internal/storage"
)

// Document is the surface commands read and write.
type Document interface {
	Path() string
	Content() string
	SetContent(string)
	Selection() (Selection, bool)
	Cursor() Position
}

// FileDocument is a Buffer backed by a vault file.
type FileDocument struct {
	*Buffer
	store storage.Provider
}

// OpenFile loads notePath from store.
func OpenFile(store storage.Provider, notePath string) (*FileDocument, error) {
	data, err := store.Read(notePath)
	if err != nil {
		return nil, fmt.Errorf("editor: open %s: %w", notePath, err)
	}
	return &FileDocument{Buffer: NewBuffer(notePath, string(data)), store: store}, nil
}

// Save writes the buffer back to the vault.
func (d *FileDocument) Save() error {
	if err := d.store.Write(d.Path(), []byte(d.Content())); err != nil {
		return fmt.Errorf("editor: save %s: %w", d.Path(), err)
	}
	return nil
}

var _ Document = (*FileDocument)(nil)
