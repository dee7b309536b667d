package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

// inspectedTokens adds the TokenInspector view to fakeTokens.
type inspectedTokens struct {
	*fakeTokens
	current *Token
}

func (i *inspectedTokens) Scope() string  { return "api://mcp/tools.call" }
func (i *inspectedTokens) Current() *Token { return i.current }

func newTestREPL(t *testing.T, srv *rpcServer, logger *Logger) (*REPL, *bytes.Buffer, *inspectedTokens) {
	t.Helper()
	session, tokens := connectedSession(t, srv)
	inspector := &inspectedTokens{fakeTokens: tokens}
	if logger == nil {
		logger = NewDevNullLogger()
	}
	repl := NewREPL(session, inspector, logger)
	var out bytes.Buffer
	repl.out = &out
	return repl, &out, inspector
}

func TestREPLHelp(t *testing.T) {
	repl, out, _ := newTestREPL(t, newRPCServer(t, nil), nil)

	if err := repl.executeCommand(context.Background(), "help"); err != nil {
		t.Fatalf("help error = %v", err)
	}
	if !strings.Contains(out.String(), "Available commands:") {
		t.Errorf("help output = %q", out.String())
	}
}

func TestREPLCreateCompleter(t *testing.T) {
	repl, _, _ := newTestREPL(t, newRPCServer(t, nil), nil)

	completer := repl.createCompleter()
	if completer == nil {
		t.Fatal("createCompleter() returned nil")
	}
	names := repl.toolNames()
	if strings.Join(names, ",") != "search,ping" {
		t.Errorf("toolNames() = %v", names)
	}
}

func TestREPLExecuteCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		errMsg  string
	}{
		{name: "exit", input: "exit", wantErr: errExit},
		{name: "quit", input: "QUIT", wantErr: errExit},
		{name: "q", input: "q", wantErr: errExit},
		{name: "empty", input: "   "},
		{name: "unknown command", input: "frobnicate", errMsg: "unknown command: frobnicate"},
		{name: "list without target", input: "list", errMsg: "usage: list tools"},
		{name: "list unknown target", input: "list prompts", errMsg: "unknown list target"},
		{name: "describe without name", input: "describe tool", errMsg: "usage: describe tool"},
		{name: "describe unknown target", input: "describe prompt x", errMsg: "unknown describe target"},
		{name: "describe unknown tool", input: "describe tool nope", wantErr: ErrUnknownTool},
		{name: "describe out of range", input: "describe tool 9", wantErr: ErrUnknownTool},
		{name: "call without name", input: "call", errMsg: "usage: call"},
		{name: "call unknown tool", input: "call nope {}", wantErr: ErrUnknownTool},
		{name: "call invalid json", input: "call search {not json", errMsg: "invalid JSON arguments"},
		{name: "call without arguments", input: "call search", errMsg: "arguments required: call search"},
		{name: "call missing required", input: `call search {"limit": 3}`, errMsg: "query"},
	}

	srv := newRPCServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repl, _, _ := newTestREPL(t, srv, nil)
			err := repl.executeCommand(context.Background(), tt.input)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("executeCommand(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
			case tt.errMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("executeCommand(%q) error = %v, want error containing %q", tt.input, err, tt.errMsg)
				}
			default:
				if err != nil {
					t.Errorf("executeCommand(%q) error = %v", tt.input, err)
				}
			}
		})
	}
}

func TestREPLListTools(t *testing.T) {
	repl, out, _ := newTestREPL(t, newRPCServer(t, nil), nil)

	if err := repl.executeCommand(context.Background(), "list tools"); err != nil {
		t.Fatalf("list tools error = %v", err)
	}
	for _, want := range []string{"search", "Search documents", "query, limit", "ping"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing missing %q:\n%s", want, out.String())
		}
	}
}

func TestREPLDescribeTool(t *testing.T) {
	var logOut bytes.Buffer
	repl, out, _ := newTestREPL(t, newRPCServer(t, nil), NewLoggerWithWriter(true, false, false, &logOut))

	if err := repl.executeCommand(context.Background(), "describe tool 1"); err != nil {
		t.Fatalf("describe error = %v", err)
	}
	for _, want := range []string{"Tool: search", "Search text", "integer", "yes", "Input schema:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("description missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := repl.executeCommand(context.Background(), "describe tool ping"); err != nil {
		t.Fatalf("describe error = %v", err)
	}
	if !strings.Contains(out.String(), "No parameters.") {
		t.Errorf("ping description = %q", out.String())
	}
}

func TestREPLCallTool(t *testing.T) {
	srv := newRPCServer(t, nil)
	repl, out, _ := newTestREPL(t, srv, nil)

	if err := repl.executeCommand(context.Background(), `call search {"query": "quarterly report", "limit": 5}`); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if !strings.Contains(out.String(), "Executing tool: search...") || !strings.Contains(out.String(), "ok") {
		t.Errorf("call output = %q", out.String())
	}

	var calls []recordedRequest
	for _, r := range srv.recorded() {
		if r.Method == methodToolsCall {
			calls = append(calls, r)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("tools/call requests = %d", len(calls))
	}
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(calls[0].Params, &params); err != nil {
		t.Fatalf("invalid params: %v", err)
	}
	if params.Name != "search" || params.Arguments["query"] != "quarterly report" {
		t.Errorf("params = %+v", params)
	}
}

func TestREPLCallByNumber(t *testing.T) {
	srv := newRPCServer(t, nil)
	repl, out, _ := newTestREPL(t, srv, nil)

	// ping has no parameters, so no prompt is needed
	if err := repl.executeCommand(context.Background(), "2"); err != nil {
		t.Fatalf("bare number error = %v", err)
	}
	if !strings.Contains(out.String(), "Executing tool: ping...") {
		t.Errorf("output = %q", out.String())
	}
	if srv.countMethod(methodToolsCall) != 1 {
		t.Errorf("tools/call requests = %d", srv.countMethod(methodToolsCall))
	}
}

func TestREPLCallToolFailure(t *testing.T) {
	srv := newRPCServer(t, func(w http.ResponseWriter, req recordedRequest, n int) {
		if req.Method == methodToolsCall {
			http.Error(w, "backend down", http.StatusBadGateway)
			return
		}
		writeDefaultRPC(w, req)
	})
	repl, _, _ := newTestREPL(t, srv, nil)

	err := repl.executeCommand(context.Background(), `call search {"query": "x"}`)
	var rpcErr *RPCFailure
	if !errors.As(err, &rpcErr) || rpcErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 RPCFailure, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "tool execution failed") {
		t.Errorf("error = %v", err)
	}
}

func TestREPLToken(t *testing.T) {
	repl, out, tokens := newTestREPL(t, newRPCServer(t, nil), nil)
	ctx := context.Background()

	if err := repl.executeCommand(ctx, "token"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	if !strings.Contains(out.String(), "No downstream token cached.") || !strings.Contains(out.String(), "api://mcp/tools.call") {
		t.Errorf("token output = %q", out.String())
	}

	out.Reset()
	tokens.current = &Token{
		Value:     "secret-value",
		Audience:  "api://mcp",
		Scopes:    []string{"tools.call"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repl.executeCommand(ctx, "token"); err != nil {
		t.Fatalf("token error = %v", err)
	}
	for _, want := range []string{"api://mcp", "tools.call", "EXPIRES"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("token output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "secret-value") {
		t.Error("token value must not be shown outside verbose mode")
	}
}

func TestREPLRefresh(t *testing.T) {
	repl, _, tokens := newTestREPL(t, newRPCServer(t, nil), nil)

	if err := repl.executeCommand(context.Background(), "refresh"); err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if tokens.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", tokens.invalidated)
	}
}

func TestREPLReportErrorAfterSignInExpires(t *testing.T) {
	var logOut bytes.Buffer
	repl, _, _ := newTestREPL(t, newRPCServer(t, nil), NewLoggerWithWriter(false, false, false, &logOut))

	repl.reportError(fmt.Errorf("refresh failed: %w", ErrUserTokenRequired))
	if !strings.Contains(logOut.String(), "refresh failed") || !strings.Contains(logOut.String(), "run mcp-obo again to sign in") {
		t.Errorf("log output = %q", logOut.String())
	}

	logOut.Reset()
	repl.reportError(errors.New("unknown command: frobnicate"))
	if strings.Contains(logOut.String(), "sign in") {
		t.Errorf("unrelated errors should not suggest a new sign-in: %q", logOut.String())
	}
}

func TestArgumentPrompt(t *testing.T) {
	tests := []struct {
		name   string
		param  string
		schema ParameterSchema
		want   string
	}{
		{
			name:   "required with description",
			param:  "query",
			schema: ParameterSchema{Type: "string", Description: "Search text", Required: true},
			want:   "  query (string, required) - Search text: ",
		},
		{
			name:   "optional untyped",
			param:  "note",
			schema: ParameterSchema{},
			want:   "  note (optional): ",
		},
		{
			name:   "enum",
			param:  "mode",
			schema: ParameterSchema{Type: "string", Enum: []interface{}{"fast", "slow"}},
			want:   "  mode (string, optional) [fast slow]: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := argumentPrompt(tt.param, tt.schema); got != tt.want {
				t.Errorf("argumentPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteResult(t *testing.T) {
	tests := []struct {
		name   string
		result *RPCResult
		want   []string
	}{
		{
			name:   "raw body",
			result: &RPCResult{Raw: "plain text"},
			want:   []string{"Result (raw):", "plain text"},
		},
		{
			name:   "tool error",
			result: &RPCResult{Structured: true, Result: json.RawMessage(`{"content":[{"type":"text","text":"boom"}],"isError":true}`)},
			want:   []string{"Tool returned an error:", "boom"},
		},
		{
			name:   "json text",
			result: &RPCResult{Structured: true, Result: json.RawMessage(`{"content":[{"type":"text","text":"{\"answer\":42}"}]}`)},
			want:   []string{"Result:", `"answer": 42`},
		},
		{
			name:   "not a tool result",
			result: &RPCResult{Structured: true, Result: json.RawMessage(`{"total":3}`)},
			want:   []string{"Result:", `"total": 3`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			WriteResult(&buf, tt.result)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("WriteResult() missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}
