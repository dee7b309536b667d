package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestParseResponseBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		kind     BodyKind
		messages int
	}{
		{name: "plain JSON", body: `{"jsonrpc":"2.0","id":1,"result":{}}`, kind: BodyJSON, messages: 1},
		{name: "JSON with whitespace", body: "\n  {\"id\": 1}\n", kind: BodyJSON, messages: 1},
		{name: "single SSE event", body: "event: message\ndata: {\"id\":1}\n\n", kind: BodyJSON, messages: 1},
		{name: "several SSE events", body: "data: {\"id\":1}\n\ndata: {\"id\":2}\n\n", kind: BodyJSON, messages: 2},
		{name: "SSE without space", body: "data:{\"id\":1}\n", kind: BodyJSON, messages: 1},
		{name: "SSE with junk lines", body: ": keepalive\ndata: not json\ndata: {\"id\":3}\n", kind: BodyJSON, messages: 1},
		{name: "plain text", body: "Internal error", kind: BodyUnparsed},
		{name: "empty", body: "", kind: BodyUnparsed},
		{name: "SSE without JSON", body: "data: hello\n\n", kind: BodyUnparsed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parseResponseBody([]byte(tt.body))
			if parsed.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", parsed.Kind, tt.kind)
			}
			if len(parsed.Messages) != tt.messages {
				t.Errorf("Messages = %d, want %d", len(parsed.Messages), tt.messages)
			}
			if parsed.Raw != strings.TrimSpace(tt.body) {
				t.Errorf("Raw = %q", parsed.Raw)
			}
		})
	}
}

func TestParsedBodySelect(t *testing.T) {
	parsed := parseResponseBody([]byte("data: {\"method\":\"notifications/progress\"}\n\ndata: {\"id\":7,\"result\":{\"ok\":true}}\n\n"))

	msg, ok := parsed.Select(7)
	if !ok || !strings.Contains(string(msg), `"ok":true`) {
		t.Errorf("Select(7) = %s, %v", msg, ok)
	}

	// No matching id falls back to the first response, skipping notifications.
	msg, ok = parsed.Select(99)
	if !ok || !strings.Contains(string(msg), `"ok":true`) {
		t.Errorf("Select(99) = %s, %v", msg, ok)
	}

	stringID := parseResponseBody([]byte("data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":1}}\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"3\",\"error\":{\"code\":-32601,\"message\":\"nope\"}}\n\n"))
	msg, ok = stringID.Select(3)
	if !ok || !strings.Contains(string(msg), "-32601") {
		t.Errorf("Select(3) with a string id = %s, %v", msg, ok)
	}

	onlyNotifications := parseResponseBody([]byte("data: {\"method\":\"notifications/message\"}\n\n"))
	msg, ok = onlyNotifications.Select(1)
	if !ok || !strings.Contains(string(msg), "notifications/message") {
		t.Errorf("Select(1) on notifications = %s, %v", msg, ok)
	}

	if _, ok := parseResponseBody([]byte("nope")).Select(1); ok {
		t.Error("Select on an unparsed body should report false")
	}
}

func TestBodyKindString(t *testing.T) {
	if BodyJSON.String() != "json" || BodyUnparsed.String() != "unparsed" {
		t.Errorf("unexpected names: %s %s", BodyJSON, BodyUnparsed)
	}
}

// The same payload parses identically whether sent as JSON or as an SSE event.
func TestParseResponseBodyFramingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.Int64Range(1, 1<<40).Draw(t, "id")
		text := rapid.StringMatching(`[a-zA-Z0-9 ]{0,40}`).Draw(t, "text")
		payload, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]interface{}{"content": []interface{}{map[string]string{"type": "text", "text": text}}},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		plain := parseResponseBody(payload)
		framed := parseResponseBody([]byte(fmt.Sprintf("event: message\ndata: %s\n\n", payload)))

		plainMsg, ok1 := plain.Select(id)
		framedMsg, ok2 := framed.Select(id)
		if !ok1 || !ok2 {
			t.Fatalf("Select failed: %v %v", ok1, ok2)
		}
		if string(plainMsg) != string(framedMsg) {
			t.Fatalf("plain %s != framed %s", plainMsg, framedMsg)
		}
	})
}
