package editor

import (
	"fmt"
	"strings"
)

// DeliveryMode says where command output goes.
type DeliveryMode string

const (
	ChatOnly             DeliveryMode = "chat_only"
	ReplaceSelection     DeliveryMode = "replace_selection"
	InsertBelowSelection DeliveryMode = "insert_below_selection"
	AppendToNote         DeliveryMode = "append_to_note"
	InsertAtCursor       DeliveryMode = "insert_at_cursor"
)

// ParseMode accepts a delivery mode or one of the short aliases
// "replace", "insert" and "append".
func ParseMode(s string) (DeliveryMode, error) {
	switch s {
	case "replace", string(ReplaceSelection):
		return ReplaceSelection, nil
	case "insert", string(InsertBelowSelection):
		return InsertBelowSelection, nil
	case "append", string(AppendToNote):
		return AppendToNote, nil
	case string(InsertAtCursor):
		return InsertAtCursor, nil
	case "", string(ChatOnly):
		return ChatOnly, nil
	}
	return "", fmt.Errorf("editor: unknown delivery mode %q", s)
}

// Apply writes text into b according to mode. It reports whether the
// buffer changed.
func Apply(b *Buffer, mode DeliveryMode, text string) bool {
	switch mode {
	case ReplaceSelection:
		b.ReplaceSelection(text)
	case InsertBelowSelection:
		to := b.SelectionEnd()
		b.SetCursor(to)
		b.ReplaceRange("\n\n"+text, to, to)
	case InsertAtCursor:
		c := b.Cursor()
		b.ReplaceRange(text, c, c)
	case AppendToNote:
		sep := "\n"
		if strings.TrimSpace(b.Line(b.LineCount()-1)) != "" {
			sep = "\n\n"
		}
		end := b.EndPosition()
		b.ReplaceRange(sep+text, end, end)
	default:
		return false
	}
	return true
}
