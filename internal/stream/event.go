// Package stream decodes incrementally delivered provider responses into a
// uniform sequence of token, done and error events.
package stream

// Kind discriminates an Event.
type Kind string

const (
	KindToken Kind = "token"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Event is one unit of decoded stream output.
type Event struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	Err       string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Token returns a token event.
func Token(text string) Event { return Event{Kind: KindToken, Text: text} }

// Done returns a done event.
func Done() Event { return Event{Kind: KindDone} }

// Error returns an error event.
func Error(msg string, retryable bool) Event {
	return Event{Kind: KindError, Err: msg, Retryable: retryable}
}

// Decoder turns raw body chunks into events. Implementations keep any
// incomplete trailing record buffered between Feed calls.
type Decoder interface {
	Feed(chunk string) []Event
	// Flush decodes a final record left without a trailing newline.
	Flush() []Event
}
