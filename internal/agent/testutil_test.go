package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// makeJWT returns an unsigned JWT carrying claims.
func makeJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// fakeProvider is an IdentityProvider backed by functions.
type fakeProvider struct {
	mu          sync.Mutex
	redeemCalls int
	oboCalls    int
	lastScopes  []string
	assertions  []string

	redeem func(code string, scopes []string) (*Token, error)
	obo    func(assertion string, scopes []string) (*Token, error)
}

func (p *fakeProvider) AuthorizeURL(state string, scopes []string, redirectURI string) (string, error) {
	return buildAuthorizeURL("https://idp.example.com/authorize", "client-123", redirectURI, state, scopes)
}

func (p *fakeProvider) RedeemCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error) {
	p.mu.Lock()
	p.redeemCalls++
	p.lastScopes = scopes
	p.mu.Unlock()
	if p.redeem != nil {
		return p.redeem(code, scopes)
	}
	return &Token{Value: "user-" + code, Scopes: scopes, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) OnBehalfOf(ctx context.Context, assertion string, scopes []string) (*Token, error) {
	p.mu.Lock()
	p.oboCalls++
	p.assertions = append(p.assertions, assertion)
	n := p.oboCalls
	p.mu.Unlock()
	if p.obo != nil {
		return p.obo(assertion, scopes)
	}
	return &Token{Value: fmt.Sprintf("obo-%d", n), Scopes: scopes, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) calls() (redeem, obo int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redeemCalls, p.oboCalls
}

// fakeTokens is a RenewableTokenSource that hands out numbered tokens.
type fakeTokens struct {
	mu          sync.Mutex
	generation  int
	invalidated int
	stepUps     [][]string
	scope       string
}

func (f *fakeTokens) Token(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Token{Value: fmt.Sprintf("token-%d", f.generation)}, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.generation++
}

func (f *fakeTokens) StepUp(ctx context.Context, scopes []string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepUps = append(f.stepUps, scopes)
	f.generation++
	f.scope = strings.Join(scopes, " ")
	return &Token{Value: fmt.Sprintf("token-%d", f.generation)}, nil
}

// recordedRequest is one JSON-RPC request seen by an rpcServer.
type recordedRequest struct {
	Method        string
	ID            *int64
	Params        json.RawMessage
	Authorization string
	SessionID     string
	Accept        string
}

// rpcServer is a scripted downstream MCP endpoint.
type rpcServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	// respond writes the reply for one request. The default answers every
	// request with a JSON result.
	respond func(w http.ResponseWriter, req recordedRequest, n int)
}

func newRPCServer(t *testing.T, respond func(w http.ResponseWriter, req recordedRequest, n int)) *rpcServer {
	t.Helper()
	s := startRPCServer(respond)
	t.Cleanup(s.Close)
	return s
}

// startRPCServer starts an rpcServer the caller must Close.
func startRPCServer(respond func(w http.ResponseWriter, req recordedRequest, n int)) *rpcServer {
	s := &rpcServer{respond: respond}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		req := recordedRequest{
			Method:        msg.Method,
			ID:            msg.ID,
			Params:        msg.Params,
			Authorization: r.Header.Get("Authorization"),
			SessionID:     r.Header.Get(headerSessionID),
			Accept:        r.Header.Get("Accept"),
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		n := len(s.requests)
		s.mu.Unlock()

		if s.respond != nil {
			s.respond(w, req, n)
			return
		}
		writeDefaultRPC(w, req)
	}))
	return s
}

func (s *rpcServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

// countMethod returns how many requests carried method.
func (s *rpcServer) countMethod(method string) int {
	n := 0
	for _, r := range s.recorded() {
		if r.Method == method {
			n++
		}
	}
	return n
}

const testToolsResult = `{"tools":[
 {"name":"search","description":"Search documents","inputSchema":{"type":"object","properties":{"query":{"type":"string","description":"Search text"},"limit":{"type":"integer"}},"required":["query"]}},
 {"name":"ping","description":"Liveness check"}
]}`

const testInitializeResult = `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"docs","version":"1.2.0"}}`

// writeDefaultRPC answers initialize, tools/list and tools/call with canned JSON.
func writeDefaultRPC(w http.ResponseWriter, req recordedRequest) {
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	var result string
	switch req.Method {
	case methodInitialize:
		w.Header().Set(headerSessionID, "session-abc")
		result = testInitializeResult
	case methodToolsList:
		result = testToolsResult
	case methodToolsCall:
		result = `{"content":[{"type":"text","text":"ok"}]}`
	default:
		result = `{}`
	}
	writeRPCResult(w, *req.ID, result)
}

func writeRPCResult(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func writeSSEResult(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":%s}\n\n", id, result)
}

// newTestSession returns a session bound to srv with a fakeTokens source.
func newTestSession(srv *rpcServer) (*Session, *fakeTokens) {
	tokens := &fakeTokens{}
	session := NewSession(SessionConfig{
		Endpoint:         srv.URL + "/runtime/webhooks/mcp",
		HTTPClient:       srv.Client(),
		Tokens:           tokens,
		Logger:           NewDevNullLogger(),
		ClientVersion:    "test",
		StepUpMaxRetries: 2,
	})
	return session, tokens
}

// connectedSession returns an initialized session with the default tools listed.
func connectedSession(t *testing.T, srv *rpcServer) (*Session, *fakeTokens) {
	t.Helper()
	session, tokens := newTestSession(srv)
	ctx := context.Background()
	if _, err := session.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := session.ListTools(ctx); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	return session, tokens
}
