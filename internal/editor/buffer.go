// Package editor provides the document and selection model commands operate
// on, and applies command output back to a document.
package editor

import (
	"path"
	"strings"
	"unicode/utf8"
)

// Position is a zero-based line and character offset within that line.
// Characters are counted as Unicode code points.
type Position struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

// Selection is a selected range and its text.
type Selection struct {
	Text string   `json:"text"`
	From Position `json:"from"`
	To   Position `json:"to"`
}

// NoteRef identifies the note a command runs against.
type NoteRef struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

// Context is what a command sees of the document.
type Context struct {
	Note      NoteRef
	Selection *Selection
	FullText  string
}

// Buffer is an in-memory document with a selection. The selection is empty
// when From equals To, in which case it marks the cursor.
type Buffer struct {
	path    string
	content string
	from    Position
	to      Position
}

// NewBuffer returns a buffer for content with the cursor at the start.
func NewBuffer(notePath, content string) *Buffer {
	return &Buffer{path: notePath, content: content}
}

// Path returns the note path.
func (b *Buffer) Path() string { return b.path }

// Title returns the note base name without extension.
func (b *Buffer) Title() string {
	base := path.Base(b.path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Content returns the full text.
func (b *Buffer) Content() string { return b.content }

// SetContent replaces the full text and resets the cursor.
func (b *Buffer) SetContent(s string) {
	b.content = s
	b.from, b.to = Position{}, Position{}
}

// Select sets the selection, normalizing reversed ranges and clamping
// positions to the document.
func (b *Buffer) Select(from, to Position) {
	from, to = b.clamp(from), b.clamp(to)
	if b.offset(to) < b.offset(from) {
		from, to = to, from
	}
	b.from, b.to = from, to
}

// SetCursor collapses the selection at pos.
func (b *Buffer) SetCursor(pos Position) {
	pos = b.clamp(pos)
	b.from, b.to = pos, pos
}

// Cursor returns the selection head.
func (b *Buffer) Cursor() Position { return b.to }

// SelectionEnd returns the end of the selection.
func (b *Buffer) SelectionEnd() Position { return b.to }

// Selection returns the current selection, if non-empty.
func (b *Buffer) Selection() (Selection, bool) {
	start, end := b.offset(b.from), b.offset(b.to)
	if start == end {
		return Selection{}, false
	}
	return Selection{Text: b.content[start:end], From: b.from, To: b.to}, true
}

// ReplaceSelection replaces the selection (or inserts at the cursor) and
// leaves the cursor after the inserted text.
func (b *Buffer) ReplaceSelection(text string) {
	start := b.offset(b.from)
	b.ReplaceRange(text, b.from, b.to)
	b.SetCursor(b.positionAt(start + len(text)))
}

// ReplaceRange replaces the text between from and to.
func (b *Buffer) ReplaceRange(text string, from, to Position) {
	start, end := b.offset(b.clamp(from)), b.offset(b.clamp(to))
	if end < start {
		start, end = end, start
	}
	b.content = b.content[:start] + text + b.content[end:]
}

// LineCount returns the number of lines.
func (b *Buffer) LineCount() int {
	return strings.Count(b.content, "\n") + 1
}

// Line returns line n without its newline.
func (b *Buffer) Line(n int) string {
	lines := strings.Split(b.content, "\n")
	if n < 0 || n >= len(lines) {
		return ""
	}
	return lines[n]
}

// EndPosition returns the position after the last character.
func (b *Buffer) EndPosition() Position {
	return b.positionAt(len(b.content))
}

// Context returns the command context for the buffer.
func (b *Buffer) Context(title string) Context {
	if title == "" {
		title = b.Title()
	}
	ctx := Context{
		Note:     NoteRef{Path: b.path, Title: title},
		FullText: b.content,
	}
	if sel, ok := b.Selection(); ok {
		ctx.Selection = &sel
	}
	return ctx
}

func (b *Buffer) clamp(p Position) Position {
	lines := strings.Split(b.content, "\n")
	if p.Line < 0 {
		return Position{}
	}
	if p.Line >= len(lines) {
		last := len(lines) - 1
		return Position{Line: last, Ch: utf8.RuneCountInString(lines[last])}
	}
	n := utf8.RuneCountInString(lines[p.Line])
	if p.Ch < 0 {
		p.Ch = 0
	}
	if p.Ch > n {
		p.Ch = n
	}
	return p
}

// offset converts a clamped position into a byte offset.
func (b *Buffer) offset(p Position) int {
	off := 0
	for i := 0; i < p.Line; i++ {
		nl := strings.IndexByte(b.content[off:], '\n')
		if nl < 0 {
			return len(b.content)
		}
		off += nl + 1
	}
	line := b.content[off:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	for i := 0; i < p.Ch && len(line) > 0; i++ {
		_, size := utf8.DecodeRuneInString(line)
		off += size
		line = line[size:]
	}
	return off
}

func (b *Buffer) positionAt(off int) Position {
	if off > len(b.content) {
		off = len(b.content)
	}
	before := b.content[:off]
	line := strings.Count(before, "\n")
	lineStart := strings.LastIndexByte(before, '\n') + 1
	return Position{Line: line, Ch: utf8.RuneCountInString(before[lineStart:])}
}
