package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// tokenResponse is the JSON body of a successful token endpoint response.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// oauthErrorResponse is the JSON body of a rejected token request.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// oauth2Provider talks to any standards-based authorization server.
type oauth2Provider struct {
	config     *oauth2.Config
	grant      string
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth2Provider creates the oauth2 identity provider. Endpoints that are
// not configured explicitly are discovered from the issuer.
func NewOAuth2Provider(ctx context.Context, config *Config, httpClient *http.Client, logger *Logger) (IdentityProvider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.OBOGrant == OBOGrantTokenExchange {
		if resourceURI, err := deriveResourceURI(config.ResourceHost); err == nil {
			bound := *httpClient
			bound.Transport = newResourceRoundTripper(resourceURI, httpClient.Transport, logger)
			httpClient = &bound
		}
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   config.AuthorizeURL,
		TokenURL:  config.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		metadata, err := DiscoverIssuerMetadata(ctx, httpClient, config.Issuer, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to discover endpoints for %s: %w", config.Issuer, err)
		}
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = metadata.AuthorizationEndpoint
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = metadata.TokenEndpoint
		}
		if grant := oboGrantType(config.OBOGrant); !metadata.supportsGrant(grant) {
			logger.Warning("Authorization server does not advertise %s; the exchange may be rejected", grant)
		}
	}

	return &oauth2Provider{
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  config.RedirectURI,
		},
		grant:      config.OBOGrant,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

func oboGrantType(grant string) string {
	if grant == OBOGrantTokenExchange {
		return grantTypeTokenExchange
	}
	return grantTypeJWTBearer
}

func (p *oauth2Provider) AuthorizeURL(state string, scopes []string, redirectURI string) (string, error) {
	return buildAuthorizeURL(p.config.Endpoint.AuthURL, p.config.ClientID, redirectURI, state, scopes)
}

func (p *oauth2Provider) RedeemCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error) {
	cfg := *p.config
	cfg.RedirectURL = redirectURI
	cfg.Scopes = scopes

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("scope", strings.Join(scopes, " ")))
	if err != nil {
		return nil, retrieveFailure(stageAuthorizationCode, err)
	}

	var granted []string
	if scope, ok := tok.Extra("scope").(string); ok {
		granted = strings.Fields(scope)
	}
	return newToken(tok.AccessToken, granted, tok.Expiry), nil
}

// OnBehalfOf posts the configured exchange grant to the token endpoint.
func (p *oauth2Provider) OnBehalfOf(ctx context.Context, assertion string, scopes []string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", p.config.ClientID)
	form.Set("client_secret", p.config.ClientSecret)
	form.Set("scope", strings.Join(scopes, " "))

	switch p.grant {
	case OBOGrantTokenExchange:
		form.Set("grant_type", grantTypeTokenExchange)
		form.Set("subject_token", assertion)
		form.Set("subject_token_type", tokenTypeAccessToken)
		form.Set("requested_token_type", tokenTypeAccessToken)
	default:
		form.Set("grant_type", grantTypeJWTBearer)
		form.Set("assertion", assertion)
		form.Set("requested_token_use", "on_behalf_of")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.exchangeToken(req)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return newToken(resp.AccessToken, strings.Fields(resp.Scope), expiresAt), nil
}

// exchangeToken sends a prepared token request and parses the JSON response.
func (p *oauth2Provider) exchangeToken(req *http.Request) (*tokenResponse, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		failure := &AuthFailure{
			Stage:  stageOnBehalfOf,
			Reason: fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 512)),
		}
		var oauthErr oauthErrorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			failure.Code = oauthErr.Error
			failure.Reason = oauthErr.ErrorDescription
		}
		return nil, failure
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, &AuthFailure{Stage: stageOnBehalfOf, Reason: "token response missing access_token"}
	}
	return &tokenResp, nil
}

// retrieveFailure converts an x/oauth2 error into an AuthFailure.
func retrieveFailure(stage string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		failure := &AuthFailure{Stage: stage, Code: retrieveErr.ErrorCode, Reason: retrieveErr.ErrorDescription, Err: err}
		if failure.Reason == "" && failure.Code == "" && retrieveErr.Response != nil {
			failure.Reason = fmt.Sprintf("token endpoint returned %d: %s", retrieveErr.Response.StatusCode, truncate(string(retrieveErr.Body), 512))
		}
		return failure
	}
	return asAuthFailure(stage, err)
}
