package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stages reported in AuthFailure.
const (
	stageAuthorization     = "authorization"
	stageAuthorizationCode = "authorization_code"
	stageOnBehalfOf        = "on_behalf_of"
)

// DefaultRenewalBuffer is how long before expiry a cached downstream token is renewed.
const DefaultRenewalBuffer = 2 * time.Minute

// IdentityProvider is the OAuth2 authority that issues user and downstream tokens.
type IdentityProvider interface {
	// AuthorizeURL returns the URL the user's browser is sent to.
	AuthorizeURL(state string, scopes []string, redirectURI string) (string, error)

	// RedeemCode exchanges an authorization code for a user token.
	RedeemCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error)

	// OnBehalfOf exchanges a user token for a token scoped to a downstream resource.
	OnBehalfOf(ctx context.Context, assertion string, scopes []string) (*Token, error)
}

// tokenForgetter is implemented by providers that keep their own token cache.
type tokenForgetter interface {
	ForgetTokens()
}

// Broker holds the user token and the downstream tokens derived from it.
type Broker struct {
	provider    IdentityProvider
	logger      *Logger
	scopes      []string
	redirectURI string

	mu         sync.Mutex
	userToken  *Token
	downstream map[string]*Token

	group         singleflight.Group
	renewalBuffer time.Duration
	now           func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRenewalBuffer overrides DefaultRenewalBuffer.
func WithRenewalBuffer(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.renewalBuffer = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// NewBroker creates a broker for the given provider. scopes and redirectURI
// are used for the authorization-code leg.
func NewBroker(provider IdentityProvider, scopes []string, redirectURI string, logger *Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		provider:      provider,
		logger:        logger,
		scopes:        filterUserScopes(scopes),
		redirectURI:   redirectURI,
		downstream:    make(map[string]*Token),
		renewalBuffer: DefaultRenewalBuffer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AuthCodeURL returns the provider authorize URL bound to state.
func (b *Broker) AuthCodeURL(state string) (string, error) {
	b.mu.Lock()
	redirectURI := b.redirectURI
	b.mu.Unlock()
	return b.provider.AuthorizeURL(state, b.scopes, redirectURI)
}

// setRedirectURI records the redirect URI the callback receiver is bound to.
func (b *Broker) setRedirectURI(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redirectURI = uri
}

// AcquireUserToken redeems an authorization code. The returned token's
// scopes are always a subset of the requested scopes.
func (b *Broker) AcquireUserToken(ctx context.Context, code string, scopes []string, redirectURI string) (*Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &AuthFailure{Stage: stageAuthorizationCode, Code: "invalid_request", Reason: "authorization code is empty"}
	}
	requested := filterUserScopes(scopes)
	if len(requested) == 0 {
		requested = b.scopes
	}
	if redirectURI == "" {
		redirectURI = b.redirectURI
	}

	token, err := b.provider.RedeemCode(ctx, code, redirectURI, requested)
	if err != nil {
		return nil, asAuthFailure(stageAuthorizationCode, err)
	}
	if token == nil || token.Value == "" {
		return nil, &AuthFailure{Stage: stageAuthorizationCode, Reason: "provider returned no access token"}
	}
	token.Scopes = intersectScopes(requested, token.Scopes)

	b.mu.Lock()
	b.userToken = token
	b.downstream = make(map[string]*Token)
	b.mu.Unlock()

	b.logger.InfoVerbose("User token acquired: %s", token)
	return token, nil
}

// UserToken returns the current user token, or nil.
func (b *Broker) UserToken() *Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userToken
}

// ExchangeOnBehalfOf trades userToken for a token scoped to downstreamScope.
// The provider is never contacted when userToken is missing or expired.
func (b *Broker) ExchangeOnBehalfOf(ctx context.Context, userToken *Token, downstreamScope string) (*Token, error) {
	if !userToken.Valid(b.now()) {
		if userToken != nil && userToken.Value != "" {
			return nil, fmt.Errorf("user token expired at %s: %w", userToken.ExpiresAt.UTC().Format(time.RFC3339), ErrUserTokenRequired)
		}
		return nil, ErrUserTokenRequired
	}
	scopes := strings.Fields(downstreamScope)
	if len(scopes) == 0 {
		return nil, &ConfigurationError{Setting: "MCP_SCOPE", Reason: "downstream scope is empty"}
	}

	token, err := b.provider.OnBehalfOf(ctx, userToken.Value, scopes)
	if err != nil {
		return nil, asAuthFailure(stageOnBehalfOf, err)
	}
	if token == nil || token.Value == "" {
		return nil, &AuthFailure{Stage: stageOnBehalfOf, Reason: "provider returned no access token"}
	}
	if len(token.Scopes) == 0 {
		token.Scopes = scopes
	}

	b.mu.Lock()
	b.downstream[downstreamScope] = token
	b.mu.Unlock()

	b.logger.InfoVerbose("Downstream token acquired: %s", token)
	return token, nil
}

// DownstreamToken returns a cached downstream token for scope, re-exchanging
// the stored user token when the cached one is missing or close to expiry.
// Concurrent callers for the same scope share one exchange.
func (b *Broker) DownstreamToken(ctx context.Context, scope string) (*Token, error) {
	b.mu.Lock()
	cached := b.downstream[scope]
	userToken := b.userToken
	b.mu.Unlock()

	if cached.validFor(b.now(), b.renewalBuffer) {
		return cached, nil
	}

	v, err, shared := b.group.Do(scope, func() (interface{}, error) {
		if cached != nil {
			b.logger.InfoVerbose("Renewing downstream token for %s", scope)
		}
		return b.ExchangeOnBehalfOf(ctx, userToken, scope)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		b.logger.Debug("Downstream token exchange for %s was shared", scope)
	}
	return v.(*Token), nil
}

// Invalidate drops the cached downstream token for scope, including any copy
// the provider cached, so the next DownstreamToken call exchanges again.
func (b *Broker) Invalidate(scope string) {
	b.mu.Lock()
	delete(b.downstream, scope)
	b.mu.Unlock()

	if forgetter, ok := b.provider.(tokenForgetter); ok {
		forgetter.ForgetTokens()
		b.logger.Debug("Provider token cache cleared for %s", scope)
	}
}

// TokenFor returns the cached downstream token for scope without renewing it.
func (b *Broker) TokenFor(scope string) *Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downstream[scope]
}

// filterUserScopes removes the OIDC scopes that confidential clients may not
// request explicitly alongside resource scopes.
func filterUserScopes(scopes []string) []string {
	var result []string
	for _, s := range scopes {
		switch s {
		case "openid", "profile", "offline_access", "":
			continue
		}
		result = append(result, s)
	}
	return result
}

// asAuthFailure wraps a provider error into an AuthFailure for stage unless
// it already is one or is a context error.
func asAuthFailure(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	var authErr *AuthFailure
	if errors.As(err, &authErr) {
		if authErr.Stage == "" {
			authErr.Stage = stage
		}
		return authErr
	}
	return &AuthFailure{Stage: stage, Reason: err.Error(), Err: err}
}
