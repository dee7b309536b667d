package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// BodyKind tags how a response body was understood.
type BodyKind int

const (
	// BodyUnparsed means neither the body nor any SSE data line held JSON.
	BodyUnparsed BodyKind = iota

	// BodyJSON means at least one JSON payload was found.
	BodyJSON
)

func (k BodyKind) String() string {
	if k == BodyJSON {
		return "json"
	}
	return "unparsed"
}

// ParsedBody is the result of reading a downstream response body that may be
// plain JSON or Server-Sent-Events framed JSON.
type ParsedBody struct {
	Kind BodyKind

	// Messages are the compacted JSON payloads in the order they appeared.
	Messages []json.RawMessage

	// Raw is the trimmed body text.
	Raw string
}

// parseResponseBody tries the whole body as JSON first and then every SSE
// "data:" line in order. It never fails; unparsable bodies are tagged BodyUnparsed.
func parseResponseBody(body []byte) ParsedBody {
	text := strings.TrimSpace(string(body))
	parsed := ParsedBody{Kind: BodyUnparsed, Raw: text}

	if msg, ok := compactJSON([]byte(text)); ok {
		parsed.Kind = BodyJSON
		parsed.Messages = []json.RawMessage{msg}
		return parsed
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodySize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if msg, ok := compactJSON([]byte(payload)); ok {
			parsed.Messages = append(parsed.Messages, msg)
		}
	}

	if len(parsed.Messages) > 0 {
		parsed.Kind = BodyJSON
	}
	return parsed
}

// Select returns the payload whose JSON-RPC id equals id. Without a match it
// falls back to the first response (a payload carrying result or error), and
// to the first payload when the body holds only notifications.
func (p ParsedBody) Select(id int64) (json.RawMessage, bool) {
	if p.Kind != BodyJSON || len(p.Messages) == 0 {
		return nil, false
	}
	var firstResponse json.RawMessage
	for _, msg := range p.Messages {
		var envelope struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if json.Unmarshal(msg, &envelope) != nil {
			continue
		}
		if firstResponse == nil && (len(envelope.Result) > 0 || len(envelope.Error) > 0) {
			firstResponse = msg
		}
		if len(envelope.ID) == 0 {
			continue
		}
		var got int64
		if json.Unmarshal(envelope.ID, &got) == nil && got == id {
			return msg, true
		}
	}
	if firstResponse != nil {
		return firstResponse, true
	}
	return p.Messages[0], true
}

// compactJSON validates data as JSON and returns its compact form.
func compactJSON(data []byte) (json.RawMessage, bool) {
	if len(data) == 0 || !json.Valid(data) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}
