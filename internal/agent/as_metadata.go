package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Grant type URNs for on-behalf-of exchanges.
const (
	grantTypeJWTBearer     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
)

const (
	wellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfiguration = "/.well-known/openid-configuration"
)

// IssuerMetadata is the part of an RFC 8414 or OpenID Connect discovery
// document the oauth2 provider reads.
type IssuerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
}

// supportsGrant reports whether the issuer advertises grantType. Issuers
// that publish no grant_types_supported are taken to accept it.
func (m *IssuerMetadata) supportsGrant(grantType string) bool {
	return len(m.GrantTypesSupported) == 0 || slices.Contains(m.GrantTypesSupported, grantType)
}

func (m *IssuerMetadata) validate() error {
	fields := []struct{ name, value string }{
		{"issuer", m.Issuer},
		{"authorization_endpoint", m.AuthorizationEndpoint},
		{"token_endpoint", m.TokenEndpoint},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("missing required field: %s", f.name)
		}
		if err := checkMetadataURL(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

// DiscoverIssuerMetadata returns the first complete discovery document
// published for issuer. Candidates that are missing, malformed or incomplete
// are skipped; the last failure is returned when none qualifies.
func DiscoverIssuerMetadata(ctx context.Context, httpClient *http.Client, issuer string, logger *Logger) (*IssuerMetadata, error) {
	candidates, err := issuerMetadataURLs(issuer)
	if err != nil {
		return nil, &DiscoveryFailure{URL: issuer, Reason: err.Error()}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var lastErr error
	for _, candidate := range candidates {
		var metadata IssuerMetadata
		err := getMetadataJSON(ctx, httpClient, candidate, &metadata)
		if err == nil {
			if verr := metadata.validate(); verr != nil {
				err = &DiscoveryFailure{URL: candidate, Reason: verr.Error()}
			}
		}
		if err == nil {
			logger.InfoVerbose("Using issuer metadata from %s", candidate)
			return &metadata, nil
		}
		logger.WarningVerbose("Skipping %v", err)
		lastErr = err
	}
	return nil, lastErr
}

// issuerMetadataURLs lists the discovery documents for issuer in the order
// they are tried. An issuer with a path gets the RFC 8414 path-inserted forms
// first and the OpenID Connect appended form last.
func issuerMetadataURLs(issuer string) ([]string, error) {
	if err := checkMetadataURL("issuer", issuer); err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(issuer)
	origin := parsed.Scheme + "://" + parsed.Host

	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return []string{
			origin + wellKnownAuthorizationServer,
			origin + wellKnownOpenIDConfiguration,
		}, nil
	}
	return []string{
		origin + wellKnownAuthorizationServer + "/" + path,
		origin + wellKnownOpenIDConfiguration + "/" + path,
		origin + "/" + path + wellKnownOpenIDConfiguration,
	}, nil
}

// checkMetadataURL requires an absolute https URL, or http on a loopback host.
func checkMetadataURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s URL: %w", name, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute URL: %q", name, raw)
	}
	switch {
	case parsed.Scheme == schemeHTTPS:
	case parsed.Scheme == schemeHTTP && isLoopbackHost(parsed.Hostname()):
	default:
		return fmt.Errorf("%s must use https (http is only allowed on loopback hosts): %q", name, raw)
	}
	return nil
}

// isLoopbackHost reports whether hostname (without port or brackets) is a
// loopback name or address.
func isLoopbackHost(hostname string) bool {
	return hostname == hostLocal || hostname == hostLoopback || hostname == "::1"
}
