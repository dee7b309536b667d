package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
)

// aadErrorCode matches the AADSTS diagnostic code Entra puts in error descriptions.
var aadErrorCode = regexp.MustCompile(`AADSTS\d+`)

// msalProvider talks to Microsoft Entra ID through MSAL's confidential client.
type msalProvider struct {
	authority string
	clientID  string
	client    confidential.Client
	cache     *resettableCache
}

// resettableCache lets the broker discard the tokens MSAL keeps in memory.
// Replace leaves the in-memory cache alone unless a reset is pending, in which
// case it loads an empty one. The next Export completes the reset.
type resettableCache struct {
	mu      sync.Mutex
	pending bool
}

func (c *resettableCache) Replace(_ context.Context, u cache.Unmarshaler, _ cache.ReplaceHints) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return nil
	}
	return u.Unmarshal([]byte("{}"))
}

func (c *resettableCache) Export(_ context.Context, _ cache.Marshaler, _ cache.ExportHints) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	return nil
}

func (c *resettableCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = true
}

// NewMSALProvider creates the entra identity provider from config.
func NewMSALProvider(config *Config, httpClient *http.Client) (IdentityProvider, error) {
	cred, err := confidential.NewCredFromSecret(config.ClientSecret)
	if err != nil {
		return nil, &ConfigurationError{Setting: "CLIENT_SECRET", Reason: err.Error()}
	}

	tokenCache := &resettableCache{}
	opts := []confidential.Option{confidential.WithCache(tokenCache)}
	if httpClient != nil {
		opts = append(opts, confidential.WithHTTPClient(httpClient))
	}
	if !strings.HasPrefix(config.AuthorityHost, DefaultAuthorityHost) {
		// Sovereign clouds and test authorities are not in the public instance list.
		opts = append(opts, confidential.WithInstanceDiscovery(false))
	}

	client, err := confidential.New(config.Authority(), config.ClientID, cred, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create confidential client: %w", err)
	}

	return &msalProvider{
		authority: config.Authority(),
		clientID:  config.ClientID,
		client:    client,
		cache:     tokenCache,
	}, nil
}

// AuthorizeURL builds the v2.0 authorize URL with response_mode=query so the
// code arrives on the loopback redirect as a query parameter.
func (p *msalProvider) AuthorizeURL(state string, scopes []string, redirectURI string) (string, error) {
	return buildAuthorizeURL(p.authority+"/oauth2/v2.0/authorize", p.clientID, redirectURI, state, scopes)
}

func (p *msalProvider) RedeemCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error) {
	result, err := p.client.AcquireTokenByAuthCode(ctx, code, redirectURI, scopes)
	if err != nil {
		return nil, msalFailure(stageAuthorizationCode, err)
	}
	return newToken(result.AccessToken, result.GrantedScopes, result.ExpiresOn), nil
}

func (p *msalProvider) OnBehalfOf(ctx context.Context, assertion string, scopes []string) (*Token, error) {
	result, err := p.client.AcquireTokenOnBehalfOf(ctx, assertion, scopes)
	if err != nil {
		return nil, msalFailure(stageOnBehalfOf, err)
	}
	return newToken(result.AccessToken, result.GrantedScopes, result.ExpiresOn), nil
}

// ForgetTokens makes the next OnBehalfOf call go to the token endpoint
// instead of returning a token from MSAL's cache.
func (p *msalProvider) ForgetTokens() {
	p.cache.reset()
}

func msalFailure(stage string, err error) error {
	failure := &AuthFailure{Stage: stage, Reason: err.Error(), Err: err}
	failure.Code = aadErrorCode.FindString(err.Error())
	return failure
}

// buildAuthorizeURL assembles an authorization-code request URL.
func buildAuthorizeURL(endpoint, clientID, redirectURI, state string, scopes []string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("authorization endpoint must be absolute: %s", endpoint)
	}

	query := u.Query()
	query.Set("client_id", clientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", redirectURI)
	query.Set("response_mode", "query")
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)
	u.RawQuery = query.Encode()
	return u.String(), nil
}
