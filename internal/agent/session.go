package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

const headerSessionID = "Mcp-Session-Id"

// SessionInfo is what the server reported in its initialize result.
type SessionInfo struct {
	ProtocolVersion string
	ServerInfo      mcp.Implementation
	Capabilities    mcp.ServerCapabilities
	Instructions    string
	SessionID       string
}

// RPCResult is a successful response to a JSON-RPC request.
type RPCResult struct {
	ID int64

	// Result is the JSON-RPC result member. Empty when Structured is false.
	Result json.RawMessage

	// Raw is the response body text.
	Raw string

	// Structured reports whether the body held a JSON-RPC payload.
	Structured bool
}

// ToolResult decodes Result as a tools/call result.
func (r *RPCResult) ToolResult() (*mcp.CallToolResult, error) {
	if !r.Structured || len(r.Result) == 0 {
		return nil, fmt.Errorf("response is not structured")
	}
	return mcp.ParseCallToolResult(&r.Result)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error"`
}

// SessionConfig holds configuration for creating a new Session
type SessionConfig struct {
	Endpoint         string
	HTTPClient       *http.Client
	Tokens           RenewableTokenSource
	Logger           *Logger
	ProtocolVersion  string
	ClientVersion    string
	StepUpMaxRetries int
}

// Session is a stateful JSON-RPC session with the downstream MCP server.
type Session struct {
	endpoint        string
	httpClient      *http.Client
	tokens          RenewableTokenSource
	logger          *Logger
	protocolVersion string
	clientVersion   string
	stepUp          *scopeRetryTracker

	mu        sync.Mutex
	lastID    int64
	sessionID string
	info      *SessionInfo
	tools     []ToolDefinition
}

// NewSession creates a session. Every request carries the token current at
// the time it is sent.
func NewSession(cfg SessionConfig) *Session {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.Transport = newBearerRoundTripper(cfg.Tokens, base.Transport)

	protocolVersion := cfg.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = DefaultProtocolVersion
	}
	clientVersion := cfg.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	maxRetries := cfg.StepUpMaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Session{
		endpoint:        cfg.Endpoint,
		httpClient:      &client,
		tokens:          cfg.Tokens,
		logger:          cfg.Logger,
		protocolVersion: protocolVersion,
		clientVersion:   clientVersion,
		stepUp:          newScopeRetryTracker(maxRetries),
	}
}

// Endpoint returns the downstream URL.
func (s *Session) Endpoint() string {
	return s.endpoint
}

// Info returns the initialize result, or nil before Initialize.
func (s *Session) Info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Tools returns the tools from the last ListTools call.
func (s *Session) Tools() []ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolDefinition(nil), s.tools...)
}

// Tool returns the named tool from the last ListTools call.
func (s *Session) Tool(name string) (ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return ToolDefinition{}, ErrNotInitialized
	}
	for _, t := range s.tools {
		if t.Name == name {
			return t, nil
		}
	}
	return ToolDefinition{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Initialize performs the MCP handshake and sends notifications/initialized.
func (s *Session) Initialize(ctx context.Context) (*SessionInfo, error) {
	params := map[string]interface{}{
		"protocolVersion": s.protocolVersion,
		"capabilities":    mcp.ClientCapabilities{},
		"clientInfo": mcp.Implementation{
			Name:    clientName,
			Version: s.clientVersion,
		},
	}

	result, err := s.call(ctx, methodInitialize, params)
	if err != nil {
		return nil, err
	}
	if !result.Structured {
		return nil, &RPCFailure{Method: methodInitialize, Status: http.StatusOK, Body: result.Raw, Message: "initialize response is not JSON"}
	}

	var payload struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcp.Implementation     `json:"serverInfo"`
		Instructions    string                 `json:"instructions,omitempty"`
	}
	if err := json.Unmarshal(result.Result, &payload); err != nil {
		return nil, &RPCFailure{Method: methodInitialize, Status: http.StatusOK, Body: result.Raw, Err: fmt.Errorf("failed to decode initialize result: %w", err)}
	}

	s.mu.Lock()
	s.info = &SessionInfo{
		ProtocolVersion: payload.ProtocolVersion,
		ServerInfo:      payload.ServerInfo,
		Capabilities:    payload.Capabilities,
		Instructions:    payload.Instructions,
		SessionID:       s.sessionID,
	}
	info := *s.info
	s.mu.Unlock()

	if err := s.notify(ctx, methodInitialized); err != nil {
		s.logger.Warning("Failed to send %s: %v", methodInitialized, err)
	}

	s.logger.Success("Connected to %s %s (protocol %s)", info.ServerInfo.Name, info.ServerInfo.Version, info.ProtocolVersion)
	return &info, nil
}

// ListTools fetches every page of tools/list and caches the definitions.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if s.Info() == nil {
		return nil, ErrNotInitialized
	}

	var tools []ToolDefinition
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		result, err := s.call(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		if !result.Structured {
			return nil, &RPCFailure{Method: methodToolsList, Status: http.StatusOK, Body: result.Raw, Message: "tools/list response is not JSON"}
		}

		page, err := parseToolDefinitions(result.Result)
		if err != nil {
			return nil, &RPCFailure{Method: methodToolsList, Status: http.StatusOK, Body: result.Raw, Err: err}
		}
		tools = append(tools, page...)

		var next struct {
			NextCursor string `json:"nextCursor"`
		}
		_ = json.Unmarshal(result.Result, &next)
		if next.NextCursor == "" || next.NextCursor == cursor {
			break
		}
		cursor = next.NextCursor
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()

	return append([]ToolDefinition(nil), tools...), nil
}

// CallTool invokes a tool from the last tools/list. Unknown tools and missing
// required arguments are rejected before any request is sent.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]interface{}) (*RPCResult, error) {
	tool, err := s.Tool(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(tool, args); err != nil {
		return nil, err
	}

	return s.call(ctx, methodToolsCall, mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// CollectArguments asks source for the arguments of the named tool.
func (s *Session) CollectArguments(ctx context.Context, name string, source ArgumentSource) (map[string]interface{}, error) {
	tool, err := s.Tool(name)
	if err != nil {
		return nil, err
	}
	return CollectArguments(ctx, tool, source)
}

// nextRequestID allocates the next id. Ids start at 1 and increase by one.
func (s *Session) nextRequestID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID
}

// retriesOnTransient reports whether method is idempotent and may be resent
// after a network failure.
func retriesOnTransient(method string) bool {
	return method == methodInitialize || method == methodToolsList
}

// call sends one request and handles token renewal, step-up and transient retries.
func (s *Session) call(ctx context.Context, method string, params interface{}) (*RPCResult, error) {
	reauthorized := false
	retriedTransient := false

	for {
		id := s.nextRequestID()
		resp, body, err := s.post(ctx, method, &id, params)
		if err != nil {
			if retriesOnTransient(method) && !retriedTransient && IsTransient(err) && ctx.Err() == nil {
				retriedTransient = true
				s.logger.Warning("%s failed (%v), retrying once...", method, err)
				continue
			}
			return nil, &RPCFailure{Method: method, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if !reauthorized && tokenRejected(resp) {
				reauthorized = true
				s.logger.Warning("Downstream token rejected, exchanging a new one...")
				s.tokens.Invalidate()
				continue
			}
			return nil, &RPCFailure{Method: method, Status: resp.StatusCode, Body: string(body)}

		case http.StatusForbidden:
			challenge, cerr := detectInsufficientScope(resp)
			if cerr != nil || challenge == nil {
				return nil, &RPCFailure{Method: method, Status: resp.StatusCode, Body: string(body)}
			}
			if err := s.handleStepUp(ctx, method, challenge); err != nil {
				return nil, &RPCFailure{Method: method, Status: resp.StatusCode, Body: string(body), Err: err}
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &RPCFailure{Method: method, Status: resp.StatusCode, Body: string(body)}
		}
		s.stepUp.reset(s.endpoint, method)

		return s.decode(method, id, resp.StatusCode, body)
	}
}

// handleStepUp re-exchanges for the challenge scopes within the retry budget.
func (s *Session) handleStepUp(ctx context.Context, method string, challenge *WWWAuthenticateChallenge) error {
	s.logger.Warning("Insufficient scope for %s", method)
	if challenge.ErrorDescription != "" {
		s.logger.Info("Server message: %s", challenge.ErrorDescription)
	}
	if len(challenge.Scopes) == 0 {
		return fmt.Errorf("insufficient_scope error without scope parameter")
	}
	if !s.stepUp.shouldRetry(s.endpoint, method) {
		return fmt.Errorf("max step-up retries (%d) exceeded for %s", s.stepUp.maxRetries, method)
	}

	s.logger.Info("Step-up attempt %d/%d, requesting: %s",
		s.stepUp.getAttempts(s.endpoint, method), s.stepUp.maxRetries, formatScopeList(challenge.Scopes))
	if _, err := s.tokens.StepUp(ctx, challenge.Scopes); err != nil {
		return fmt.Errorf("step-up exchange failed: %w", err)
	}
	return nil
}

// decode turns a 200 body into an RPCResult or a JSON-RPC error.
func (s *Session) decode(method string, id int64, status int, body []byte) (*RPCResult, error) {
	parsed := parseResponseBody(body)
	msg, ok := parsed.Select(id)
	if !ok {
		s.logger.Response(method, status, parsed.Raw)
		return &RPCResult{ID: id, Raw: parsed.Raw}, nil
	}
	s.logger.Response(method, status, msg)

	var envelope rpcResponse
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return &RPCResult{ID: id, Raw: parsed.Raw}, nil
	}
	if envelope.Error != nil {
		return nil, &RPCFailure{
			Method:  method,
			Status:  status,
			Body:    parsed.Raw,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}

	result := envelope.Result
	if len(result) == 0 {
		// Some servers answer with a bare result object.
		result = msg
	}
	return &RPCResult{ID: id, Result: result, Raw: parsed.Raw, Structured: true}, nil
}

// notify sends a JSON-RPC notification. Any 2xx status is accepted.
func (s *Session) notify(ctx context.Context, method string) error {
	resp, body, err := s.post(ctx, method, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCFailure{Method: method, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// post sends one JSON-RPC message and reads the (size-limited) body.
func (s *Session) post(ctx context.Context, method string, id *int64, params interface{}) (*http.Response, []byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", userAgent)

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}

	var logID int64
	if id != nil {
		logID = *id
	}
	s.logger.Request(method, logID, params)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if method == methodInitialize {
		if sid := resp.Header.Get(headerSessionID); sid != "" {
			s.mu.Lock()
			s.sessionID = sid
			s.mu.Unlock()
		}
	}

	s.logger.Debug("%s → HTTP %d (%d bytes)", method, resp.StatusCode, len(body))
	return resp, body, nil
}
