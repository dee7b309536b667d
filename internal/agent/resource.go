package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{schemeHTTPS: "443", schemeHTTP: "80"}

// deriveResourceURI turns the resource host into an RFC 8707 resource
// indicator: lowercase scheme and host, default ports dropped, no query or
// fragment, no trailing slash except for the root path.
func deriveResourceURI(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse resource URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("resource URL must include scheme and host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := parsed.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}

	path := parsed.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return scheme + "://" + host + path, nil
}

// resourceRoundTripper binds token-exchange requests to the downstream
// server by adding the resource parameter when the form does not carry one.
// Other grants pass through untouched.
type resourceRoundTripper struct {
	base        http.RoundTripper
	resourceURI string
	logger      *Logger
}

// newResourceRoundTripper wraps base. An empty resourceURI disables it.
func newResourceRoundTripper(resourceURI string, base http.RoundTripper, logger *Logger) *resourceRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &resourceRoundTripper{base: base, resourceURI: resourceURI, logger: logger}
}

// RoundTrip implements http.RoundTripper
func (t *resourceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.resourceURI == "" || !isFormPost(req) {
		return t.base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read token request: %w", err)
	}

	body := raw
	form, err := url.ParseQuery(string(raw))
	if err == nil && form.Get("grant_type") == grantTypeTokenExchange && form.Get("resource") == "" {
		form.Set("resource", t.resourceURI)
		body = []byte(form.Encode())
		t.logger.Debug("Bound token exchange to resource %s", t.resourceURI)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(out)
}

func isFormPost(req *http.Request) bool {
	return req.Method == http.MethodPost && req.Body != nil &&
		strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
}
