package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Identity provider kinds.
const (
	ProviderEntra  = "entra"
	ProviderOAuth2 = "oauth2"
)

// OBO grant flavours supported by the oauth2 provider.
const (
	OBOGrantJWTBearer     = "jwt-bearer"
	OBOGrantTokenExchange = "token-exchange"
)

// Config contains everything needed to run the delegation chain.
type Config struct {
	// Provider selects the identity provider implementation: "entra" (default) or "oauth2".
	Provider string `yaml:"provider"`

	// TenantID is the Entra ID tenant. Required for the entra provider.
	TenantID string `yaml:"tenantId"`

	// ClientID is the client application's registration id.
	ClientID string `yaml:"clientId"`

	// ClientSecret is the confidential client credential.
	ClientSecret string `yaml:"clientSecret"`

	// RedirectURI is where the browser is sent back with the code (default: http://localhost:53682/callback)
	RedirectURI string `yaml:"redirectUri"`

	// Scopes are requested for the initial user token (aud = client application).
	Scopes []string `yaml:"scopes"`

	// ResourceHost is the downstream MCP server endpoint.
	ResourceHost string `yaml:"resourceHost"`

	// DownstreamScope is the OBO scope. Discovered from resource metadata when empty.
	DownstreamScope string `yaml:"downstreamScope"`

	// AuthorityHost is the Entra login host (default: https://login.microsoftonline.com)
	AuthorityHost string `yaml:"authorityHost"`

	// Issuer is used by the oauth2 provider to discover endpoints (RFC 8414 / OIDC).
	Issuer string `yaml:"issuer"`

	// AuthorizeURL and TokenURL override discovery for the oauth2 provider.
	AuthorizeURL string `yaml:"authorizeUrl"`
	TokenURL     string `yaml:"tokenUrl"`

	// OBOGrant selects the oauth2 provider's exchange grant: "jwt-bearer" or "token-exchange".
	OBOGrant string `yaml:"oboGrant"`

	// CallbackTimeout bounds the wait for the browser redirect.
	CallbackTimeout time.Duration `yaml:"callbackTimeout"`

	// HTTPTimeout bounds each outgoing HTTP request.
	HTTPTimeout time.Duration `yaml:"httpTimeout"`

	// ProtocolVersion is sent in the initialize handshake.
	ProtocolVersion string `yaml:"protocolVersion"`

	// StepUpMaxRetries bounds OBO re-exchanges triggered by insufficient_scope.
	StepUpMaxRetries int `yaml:"stepUpMaxRetries"`
}

// envBindings maps environment variables onto config fields.
var envBindings = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"OAUTH_PROVIDER", func(c *Config, v string) { c.Provider = v }},
	{"TENANT_ID", func(c *Config, v string) { c.TenantID = v }},
	{"CLIENT_ID", func(c *Config, v string) { c.ClientID = v }},
	{"CLIENT_SECRET", func(c *Config, v string) { c.ClientSecret = v }},
	{"REDIRECT_URI", func(c *Config, v string) { c.RedirectURI = v }},
	{"SCOPE", func(c *Config, v string) { c.Scopes = strings.Fields(v) }},
	{"RESOURCE_HOST", func(c *Config, v string) { c.ResourceHost = v }},
	{"MCP_SCOPE", func(c *Config, v string) { c.DownstreamScope = v }},
	{"AUTHORITY_HOST", func(c *Config, v string) { c.AuthorityHost = v }},
	{"OAUTH_ISSUER", func(c *Config, v string) { c.Issuer = v }},
	{"OAUTH_AUTHORIZE_URL", func(c *Config, v string) { c.AuthorizeURL = v }},
	{"OAUTH_TOKEN_URL", func(c *Config, v string) { c.TokenURL = v }},
	{"OAUTH_OBO_GRANT", func(c *Config, v string) { c.OBOGrant = v }},
}

// DefaultConfig returns a configuration with defaults applied
func DefaultConfig() *Config {
	return &Config{
		Provider:         ProviderEntra,
		RedirectURI:      DefaultRedirectURI,
		AuthorityHost:    DefaultAuthorityHost,
		OBOGrant:         OBOGrantJWTBearer,
		CallbackTimeout:  DefaultCallbackTimeout,
		HTTPTimeout:      30 * time.Second,
		ProtocolVersion:  DefaultProtocolVersion,
		StepUpMaxRetries: 2,
	}
}

// LoadConfig builds a configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in increasing precedence.
// Values already present in the environment are not overridden by the .env file.
func LoadConfig(configFile, envFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error loading config from %s: %w", configFile, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	config.ApplyEnv(os.LookupEnv)
	return config.WithDefaults(), nil
}

// ApplyEnv overlays non-empty environment values onto the configuration.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, binding := range envBindings {
		if v, ok := lookup(binding.name); ok && strings.TrimSpace(v) != "" {
			binding.apply(c, strings.TrimSpace(v))
		}
	}
}

// WithDefaults fills zero-valued fields with defaults and returns the config.
func (c *Config) WithDefaults() *Config {
	defaults := DefaultConfig()
	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.RedirectURI == "" {
		c.RedirectURI = defaults.RedirectURI
	}
	if c.AuthorityHost == "" {
		c.AuthorityHost = defaults.AuthorityHost
	}
	if c.OBOGrant == "" {
		c.OBOGrant = defaults.OBOGrant
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = defaults.CallbackTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaults.HTTPTimeout
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = defaults.ProtocolVersion
	}
	if c.StepUpMaxRetries < 0 {
		c.StepUpMaxRetries = 0
	}
	return c
}

// Validate checks that every required setting is present before any network call.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"CLIENT_ID", c.ClientID},
		{"CLIENT_SECRET", c.ClientSecret},
		{"REDIRECT_URI", c.RedirectURI},
		{"SCOPE", strings.Join(c.Scopes, " ")},
		{"RESOURCE_HOST", c.ResourceHost},
	}
	switch c.Provider {
	case ProviderEntra:
		required = append([]struct {
			name  string
			value string
		}{{"TENANT_ID", c.TenantID}}, required...)
	case ProviderOAuth2:
		if c.Issuer == "" && (c.AuthorizeURL == "" || c.TokenURL == "") {
			return &ConfigurationError{Setting: "OAUTH_ISSUER", Reason: "set an issuer or both OAUTH_AUTHORIZE_URL and OAUTH_TOKEN_URL"}
		}
		if c.OBOGrant != OBOGrantJWTBearer && c.OBOGrant != OBOGrantTokenExchange {
			return &ConfigurationError{Setting: "OAUTH_OBO_GRANT", Reason: fmt.Sprintf("unsupported grant %q", c.OBOGrant)}
		}
	default:
		return &ConfigurationError{Setting: "OAUTH_PROVIDER", Reason: fmt.Sprintf("unsupported provider %q (use %s or %s)", c.Provider, ProviderEntra, ProviderOAuth2)}
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigurationError{Setting: r.name}
		}
		if isPlaceholder(r.value) {
			return &ConfigurationError{Setting: r.name, Reason: "still holds a placeholder value"}
		}
	}

	if isPlaceholder(c.DownstreamScope) {
		return &ConfigurationError{Setting: "MCP_SCOPE", Reason: "still holds a placeholder value"}
	}

	if err := validateRedirectURI(c.RedirectURI); err != nil {
		return &ConfigurationError{Setting: "REDIRECT_URI", Reason: err.Error()}
	}

	resource, err := url.Parse(c.ResourceHost)
	if err != nil || resource.Host == "" || (resource.Scheme != schemeHTTP && resource.Scheme != schemeHTTPS) {
		return &ConfigurationError{Setting: "RESOURCE_HOST", Reason: "must be an absolute http(s) URL"}
	}

	return nil
}

// Authority returns the Entra authority URL for the tenant.
func (c *Config) Authority() string {
	return strings.TrimSuffix(c.AuthorityHost, "/") + "/" + c.TenantID
}

// UserScopes returns the scopes requested for the user token with the generic
// OIDC scopes removed; MSAL adds those itself and rejects them when passed explicitly.
func (c *Config) UserScopes() []string {
	return filterUserScopes(c.Scopes)
}

// ResourceURL returns the downstream endpoint without a trailing slash.
func (c *Config) ResourceURL() string {
	return strings.TrimRight(c.ResourceHost, "/")
}

func isPlaceholder(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), "<")
}

// validateRedirectURI accepts only redirect URIs the local callback receiver
// can serve: http on a loopback host, with a callback path.
func validateRedirectURI(redirectURI string) error {
	parsedURL, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	if parsedURL.Scheme != schemeHTTP {
		return fmt.Errorf("redirect URI scheme must be http, got: %s", parsedURL.Scheme)
	}
	if !isLoopbackHost(parsedURL.Hostname()) {
		return fmt.Errorf("redirect URI host must be localhost, 127.0.0.1 or [::1], got: %s", parsedURL.Hostname())
	}

	if parsedURL.Path == "" {
		return fmt.Errorf("redirect URI must include a callback path")
	}
	return nil
}
