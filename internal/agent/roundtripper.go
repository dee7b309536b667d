package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// TokenSource yields the bearer token for the next downstream request.
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
}

// RenewableTokenSource is a TokenSource that can drop its token after a 401
// and widen its scope after an insufficient_scope challenge.
type RenewableTokenSource interface {
	TokenSource
	Invalidate()
	StepUp(ctx context.Context, scopes []string) (*Token, error)
}

// DelegatedTokenSource serves downstream tokens from a Broker for one scope.
type DelegatedTokenSource struct {
	broker *Broker

	mu    sync.Mutex
	scope string
}

// NewDelegatedTokenSource creates a token source for scope.
func NewDelegatedTokenSource(broker *Broker, scope string) *DelegatedTokenSource {
	return &DelegatedTokenSource{broker: broker, scope: scope}
}

// Scope returns the scope currently requested for downstream tokens.
func (s *DelegatedTokenSource) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Token implements TokenSource
func (s *DelegatedTokenSource) Token(ctx context.Context) (*Token, error) {
	return s.broker.DownstreamToken(ctx, s.Scope())
}

// Current returns the cached downstream token without renewing it.
func (s *DelegatedTokenSource) Current() *Token {
	return s.broker.TokenFor(s.Scope())
}

// Invalidate drops the cached token so the next request re-exchanges.
func (s *DelegatedTokenSource) Invalidate() {
	s.broker.Invalidate(s.Scope())
}

// StepUp widens the scope with the challenge scopes and exchanges again. The
// wider scope is only kept once the exchange for it succeeds.
func (s *DelegatedTokenSource) StepUp(ctx context.Context, scopes []string) (*Token, error) {
	merged := strings.Join(mergeScopes(strings.Fields(s.Scope()), scopes), " ")

	s.broker.Invalidate(merged)
	token, err := s.broker.DownstreamToken(ctx, merged)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scope = merged
	s.mu.Unlock()
	return token, nil
}

// bearerRoundTripper is an HTTP RoundTripper that sets the Authorization
// header from a TokenSource on every request.
type bearerRoundTripper struct {
	transport http.RoundTripper
	source    TokenSource
}

// newBearerRoundTripper creates a new RoundTripper that injects the current token
func newBearerRoundTripper(source TokenSource, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerRoundTripper{
		transport: base,
		source:    source,
	}
}

// RoundTrip implements the http.RoundTripper interface
func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := rt.source.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("failed to obtain downstream token: %w", err)
	}

	// Clone the request to avoid modifying the original
	clonedReq := req.Clone(req.Context())
	clonedReq.Header.Set("Authorization", "Bearer "+token.Value)

	return rt.transport.RoundTrip(clonedReq)
}
