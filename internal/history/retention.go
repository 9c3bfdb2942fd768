// Package history stores per-note and vault-wide chat threads and keeps them
// within configured size limits.
package history

import (
	"unicode/utf8"

	"github.com/starford/sowilo/internal/models"
)

// Truncation layout for oversized messages.
const (
	HeadChars       = 4000
	TailChars       = 2000
	TruncatedMarker = "\n\n... [truncated] ...\n\n"

	// minHeadTailChars is the smallest ceiling that still fits the head,
	// the tail and the marker with some slack. Below it a plain prefix is kept.
	minHeadTailChars = HeadChars + TailChars + 100
)

// Limits bounds the size of stored threads.
type Limits struct {
	PerNoteMaxMessages int
	VaultMaxMessages   int
	// MaxMessageChars caps each message, counted in characters.
	// Zero or less disables the size cap.
	MaxMessageChars int
}

// DefaultLimits returns the stock retention limits.
func DefaultLimits() Limits {
	return Limits{
		PerNoteMaxMessages: 80,
		VaultMaxMessages:   400,
		MaxMessageChars:    20000,
	}
}

func (l Limits) countCap(scope models.Scope) int {
	if scope == models.ScopeVault {
		return l.VaultMaxMessages
	}
	return l.PerNoteMaxMessages
}

// Prune returns a copy of thread with the oldest messages dropped beyond the
// scope's count cap and each remaining message shortened to the size cap.
// Pruning an already pruned thread returns it unchanged.
func Prune(thread models.ChatThread, limits Limits) models.ChatThread {
	out := thread
	msgs := thread.Messages

	if c := limits.countCap(thread.Scope); c > 0 && len(msgs) > c {
		msgs = msgs[len(msgs)-c:]
	}

	out.Messages = make([]models.ChatMessage, len(msgs))
	copy(out.Messages, msgs)

	if limits.MaxMessageChars > 0 {
		for i := range out.Messages {
			out.Messages[i].Content = truncate(out.Messages[i].Content, limits.MaxMessageChars)
		}
	}
	return out
}

// truncate shortens s to at most maxChars characters. The truncated form is
// itself at most maxChars long, which keeps Prune idempotent.
func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)
	if maxChars < minHeadTailChars {
		return string(r[:maxChars])
	}
	return string(r[:HeadChars]) + TruncatedMarker + string(r[len(r)-TailChars:])
}
