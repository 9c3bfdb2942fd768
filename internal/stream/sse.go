package stream

import (
	"encoding/json"
	"strings"
)

const doneSentinel = "[DONE]"

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// SSEDecoder decodes OpenAI-style Server-Sent Events. Only data lines are
// considered; undecodable payloads such as keep-alives are dropped silently.
type SSEDecoder struct {
	buf strings.Builder
}

// NewSSEDecoder returns an empty decoder.
func NewSSEDecoder() *SSEDecoder {
	return &SSEDecoder{}
}

// Feed appends chunk to the buffer and decodes every complete line.
func (d *SSEDecoder) Feed(chunk string) []Event {
	d.buf.WriteString(chunk)
	data := d.buf.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	complete, tail := data[:idx], data[idx+1:]
	d.buf.Reset()
	d.buf.WriteString(tail)

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		if ev, ok := decodeDataLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes whatever remains in the buffer as a final line.
func (d *SSEDecoder) Flush() []Event {
	rest := d.buf.String()
	d.buf.Reset()
	if ev, ok := decodeDataLine(rest); ok {
		return []Event{ev}
	}
	return nil
}

func decodeDataLine(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	payload, ok := strings.CutPrefix(trimmed, "data:")
	if !ok {
		return Event{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == doneSentinel {
		return Done(), true
	}

	var c sseChunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Event{}, false
	}
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
		return Event{}, false
	}
	return Token(c.Choices[0].Delta.Content), true
}
