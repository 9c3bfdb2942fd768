package stream

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// feedSplit feeds input in two chunks split at i and returns all events.
func feedSplit(d Decoder, input string, i int) []Event {
	var out []Event
	out = append(out, d.Feed(input[:i])...)
	out = append(out, d.Feed(input[i:])...)
	return out
}

func TestNDJSON_EverySplitPoint(t *testing.T) {
	input := `{"message":{"content":"Hi"}}` + "\n" + `{"done":true}` + "\n"
	want := []Event{Token("Hi"), Done()}

	for i := 0; i <= len(input); i++ {
		got := feedSplit(NewNDJSONDecoder(quietLogger()), input, i)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %d: got %v, want %v", i, got, want)
		}
	}
}

func TestNDJSON_LegacyResponseField(t *testing.T) {
	d := NewNDJSONDecoder(quietLogger())
	got := d.Feed(`{"response":"abc"}` + "\n")
	if len(got) != 1 || got[0] != Token("abc") {
		t.Errorf("events = %v", got)
	}
}

func TestNDJSON_MalformedLineSkipped(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	d := NewNDJSONDecoder(logger)

	got := d.Feed("not json\n" + `{"message":{"content":"ok"}}` + "\n")
	if len(got) != 1 || got[0] != Token("ok") {
		t.Errorf("events = %v", got)
	}
	if !strings.Contains(logs.String(), "malformed ndjson") {
		t.Errorf("expected a warning log, got %q", logs.String())
	}
}

func TestNDJSON_IgnoresInputAfterDone(t *testing.T) {
	d := NewNDJSONDecoder(quietLogger())
	got := d.Feed(`{"done":true}` + "\n" + `{"message":{"content":"late"}}` + "\n")
	if len(got) != 1 || got[0].Kind != KindDone {
		t.Fatalf("events = %v", got)
	}
	if more := d.Feed(`{"message":{"content":"later"}}` + "\n"); len(more) != 0 {
		t.Errorf("expected no events after done, got %v", more)
	}
	if more := d.Flush(); len(more) != 0 {
		t.Errorf("expected empty flush after done, got %v", more)
	}
}

func TestNDJSON_ErrorRecord(t *testing.T) {
	d := NewNDJSONDecoder(quietLogger())
	got := d.Feed(`{"error":"model not found"}` + "\n")
	if len(got) != 1 || got[0].Kind != KindError || got[0].Err != "model not found" || got[0].Retryable {
		t.Errorf("events = %v", got)
	}
}

func TestNDJSON_FlushUnterminated(t *testing.T) {
	d := NewNDJSONDecoder(quietLogger())
	if got := d.Feed(`{"message":{"content":"tail"}}`); len(got) != 0 {
		t.Fatalf("unterminated line decoded early: %v", got)
	}
	got := d.Flush()
	if len(got) != 1 || got[0] != Token("tail") {
		t.Errorf("flush = %v", got)
	}
}

func TestSSE_EverySplitPoint(t *testing.T) {
	input := `data: {"choices":[{"delta":{"content":"A"}}]}` + "\n\n" + "data: [DONE]\n\n"
	want := []Event{Token("A"), Done()}

	for i := 0; i <= len(input); i++ {
		got := feedSplit(NewSSEDecoder(), input, i)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %d: got %v, want %v", i, got, want)
		}
	}
}

func TestSSE_IgnoresNonDataAndGarbage(t *testing.T) {
	d := NewSSEDecoder()
	input := ": keep-alive\r\n" +
		"event: ping\r\n" +
		"data: {partial\r\n" +
		`data: {"choices":[{"delta":{}}]}` + "\r\n" +
		`data: {"choices":[{"delta":{"content":"B"}}]}` + "\r\n"
	got := d.Feed(input)
	if len(got) != 1 || got[0] != Token("B") {
		t.Errorf("events = %v", got)
	}
}

func TestSSE_FlushUnterminated(t *testing.T) {
	d := NewSSEDecoder()
	d.Feed("data: [DO")
	got := append(d.Feed("NE]"), d.Flush()...)
	if len(got) != 1 || got[0].Kind != KindDone {
		t.Errorf("events = %v", got)
	}
}
