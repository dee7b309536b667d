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
	"sync"
)

const wellKnownProtectedResource = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728.
type ProtectedResourceMetadata struct {
	// Resource is the protected resource identifier
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers for this resource
	AuthorizationServers []string `json:"authorization_servers,omitempty"`

	// ScopesSupported lists the OAuth scopes supported by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// BearerMethodsSupported indicates how bearer tokens can be presented
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ResourceDocumentation provides human-readable documentation URL
	ResourceDocumentation string `json:"resource_documentation,omitempty"`
}

// WWWAuthenticateChallenge represents parsed WWW-Authenticate header information
type WWWAuthenticateChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer")
	Scheme string

	// ResourceMetadataURL is the URL to fetch protected resource metadata
	ResourceMetadataURL string

	// Scopes are the required scopes for this resource/operation
	Scopes []string

	// Error indicates the error type (e.g., "insufficient_scope")
	Error string

	// ErrorDescription provides human-readable error details
	ErrorDescription string
}

// parseWWWAuthenticate parses a WWW-Authenticate header value and extracts
// OAuth challenge parameters per RFC 6750 and RFC 9728.
//
// Example header:
//
//	WWW-Authenticate: Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource",
//	                         scope="files:read",
//	                         error="insufficient_scope"
func parseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	// SplitN always returns at least one element
	parts := strings.SplitN(header, " ", 2)

	challenge := &WWWAuthenticateChallenge{
		Scheme: parts[0],
	}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]

		if scopeParam := params["scope"]; scopeParam != "" {
			challenge.Scopes = strings.Fields(scopeParam)
		}
	}

	return challenge, nil
}

// parseAuthParams parses OAuth authentication parameters from the challenge.
// Handles both quoted and unquoted values.
// Format: key1="value1", key2="value2", key3=value3
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	for _, part := range splitPreservingQuotes(params, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		eqIdx := strings.Index(part, "=")
		if eqIdx == -1 {
			continue
		}

		key := strings.TrimSpace(part[:eqIdx])
		value := strings.TrimSpace(part[eqIdx+1:])

		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if key != "" {
			result[key] = value
		}
	}

	return result
}

// splitPreservingQuotes splits a string by delimiter but preserves quoted sections
func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if ch == '"' {
			inQuotes = !inQuotes
			current.WriteByte(ch)
		} else if ch == delimiter && !inQuotes {
			result = append(result, current.String())
			current.Reset()
		} else {
			current.WriteByte(ch)
		}
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// ScopeResolver reads the downstream scope from a resource's RFC 9728 metadata.
// Each metadata document is fetched at most once per resolver.
type ScopeResolver struct {
	httpClient *http.Client
	logger     *Logger

	mu    sync.Mutex
	cache map[string]*ProtectedResourceMetadata
}

// NewScopeResolver creates a resolver using httpClient (http.DefaultClient when nil).
func NewScopeResolver(httpClient *http.Client, logger *Logger) *ScopeResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ScopeResolver{
		httpClient: httpClient,
		logger:     logger,
		cache:      make(map[string]*ProtectedResourceMetadata),
	}
}

// DiscoverScope returns the first non-generic entry of scopes_supported for
// the resource at resourceURL.
func (r *ScopeResolver) DiscoverScope(ctx context.Context, resourceURL string) (string, error) {
	metadata, err := r.Metadata(ctx, resourceURL)
	if err != nil {
		return "", err
	}

	scope := selectDownstreamScope(metadata.ScopesSupported)
	if scope == "" {
		base, _ := metadataBaseURL(resourceURL)
		return "", &DiscoveryFailure{
			URL:    base + wellKnownProtectedResource,
			Reason: fmt.Sprintf("no resource scope in scopes_supported %v", metadata.ScopesSupported),
		}
	}

	r.logger.InfoVerbose("Discovered downstream scope: %s", scope)
	return scope, nil
}

// Metadata fetches (or returns the cached) protected resource metadata for resourceURL.
func (r *ScopeResolver) Metadata(ctx context.Context, resourceURL string) (*ProtectedResourceMetadata, error) {
	base, err := metadataBaseURL(resourceURL)
	if err != nil {
		return nil, &DiscoveryFailure{URL: resourceURL, Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[base]; ok {
		return cached, nil
	}

	uris, err := buildWellKnownURIs(base, resourceURL)
	if err != nil {
		return nil, &DiscoveryFailure{URL: resourceURL, Reason: err.Error()}
	}

	var lastErr error
	for i, uri := range uris {
		r.logger.InfoVerbose("Fetching resource metadata (%d/%d): %s", i+1, len(uris), uri)

		var metadata ProtectedResourceMetadata
		err := getMetadataJSON(ctx, r.httpClient, uri, &metadata)
		if err == nil {
			r.cache[base] = &metadata
			return &metadata, nil
		}
		lastErr = err

		// Only a 404 moves on to the path-inserted form.
		var failure *DiscoveryFailure
		if !errors.As(err, &failure) || failure.Status != http.StatusNotFound {
			break
		}
		r.logger.WarningVerbose("No metadata at %s", uri)
	}

	return nil, lastErr
}

// metadataBaseURL returns the part of the resource host before "/runtime/",
// or the host without its trailing slash.
func metadataBaseURL(resourceURL string) (string, error) {
	parsed, err := url.Parse(resourceURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse resource URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("resource URL must include scheme and host")
	}

	if idx := strings.Index(resourceURL, "/runtime/"); idx >= 0 {
		return resourceURL[:idx], nil
	}
	return strings.TrimRight(resourceURL, "/"), nil
}

// buildWellKnownURIs returns the metadata URIs in the order they are tried:
// the well-known suffix on the base URL, then the RFC 9728 Section 3.1
// path-inserted form for resources with a path.
func buildWellKnownURIs(base, resourceURL string) ([]string, error) {
	parsedURL, err := url.Parse(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	uris := []string{base + wellKnownProtectedResource}

	if path := strings.Trim(parsedURL.Path, "/"); path != "" {
		origin := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
		inserted := fmt.Sprintf("%s%s/%s", origin, wellKnownProtectedResource, path)
		if inserted != uris[0] {
			uris = append(uris, inserted)
		}
	}

	return uris, nil
}

// getMetadataJSON GETs a metadata document and decodes it into v. Every
// failure is a DiscoveryFailure carrying the URL.
func getMetadataJSON(ctx context.Context, client *http.Client, metadataURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return &DiscoveryFailure{URL: metadataURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return &DiscoveryFailure{URL: metadataURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &DiscoveryFailure{URL: metadataURL, Err: fmt.Errorf("failed to read metadata response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &DiscoveryFailure{URL: metadataURL, Status: resp.StatusCode, Body: string(body)}
	}
	if int64(len(body)) >= maxBodySize {
		return &DiscoveryFailure{URL: metadataURL, Reason: fmt.Sprintf("metadata response exceeds maximum size of %d bytes", maxBodySize)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &DiscoveryFailure{URL: metadataURL, Reason: fmt.Sprintf("failed to parse metadata JSON: %v", err)}
	}
	return nil
}

// selectDownstreamScope returns the first scope that is not a generic OIDC scope.
func selectDownstreamScope(scopes []string) string {
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" || genericIdentityScopes[scope] {
			continue
		}
		return scope
	}
	return ""
}
