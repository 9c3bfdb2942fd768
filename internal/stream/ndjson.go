package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

type ndjsonRecord struct {
	Done    bool `json:"done"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Error    string  `json:"error"`
}

// NDJSONDecoder decodes newline-delimited JSON as produced by the Ollama
// chat endpoint. Once a done record is seen all further input is ignored.
type NDJSONDecoder struct {
	logger *slog.Logger
	buf    strings.Builder
	done   bool
}

// NewNDJSONDecoder returns a decoder that logs skipped lines to logger.
func NewNDJSONDecoder(logger *slog.Logger) *NDJSONDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NDJSONDecoder{logger: logger}
}

// Feed appends chunk to the buffer and decodes every complete line.
func (d *NDJSONDecoder) Feed(chunk string) []Event {
	if d.done {
		return nil
	}
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
		events = append(events, d.decodeLine(line)...)
		if d.done {
			d.buf.Reset()
			break
		}
	}
	return events
}

// Flush decodes whatever remains in the buffer as a final line.
func (d *NDJSONDecoder) Flush() []Event {
	if d.done {
		return nil
	}
	rest := d.buf.String()
	d.buf.Reset()
	return d.decodeLine(rest)
}

func (d *NDJSONDecoder) decodeLine(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var rec ndjsonRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		d.logger.Warn("stream: skipping malformed ndjson line",
			slog.String("line", line),
			slog.String("error", err.Error()))
		return nil
	}

	switch {
	case rec.Error != "":
		return []Event{Error(rec.Error, false)}
	case rec.Done:
		d.done = true
		return []Event{Done()}
	case rec.Message != nil:
		if rec.Message.Content == "" {
			return nil
		}
		return []Event{Token(rec.Message.Content)}
	case rec.Response != nil:
		if *rec.Response == "" {
			return nil
		}
		return []Event{Token(*rec.Response)}
	}
	return nil
}
