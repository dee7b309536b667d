package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// redirectBrowser returns an OpenURL that follows the authorize URL back to
// the local redirect with code and a state produced by state.
func redirectBrowser(t *testing.T, query func(state string) url.Values) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		params := u.Query()
		target := params.Get("redirect_uri") + "?" + query(params.Get("state")).Encode()
		resp, err := http.Get(target)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	}
}

func testFlowConfig(resourceHost string) *Config {
	cfg := DefaultConfig()
	cfg.TenantID = "tenant-1"
	cfg.ClientID = "client-123"
	cfg.ClientSecret = "s3cret"
	cfg.RedirectURI = "http://127.0.0.1:0/callback"
	cfg.Scopes = []string{"openid", "api://client/access"}
	cfg.ResourceHost = resourceHost
	cfg.DownstreamScope = "api://mcp/tools.call"
	cfg.CallbackTimeout = 5 * time.Second
	return cfg
}

func TestFlowRun(t *testing.T) {
	srv := newRPCServer(t, nil)
	provider := &fakeProvider{}
	cfg := testFlowConfig(srv.URL + "/runtime/webhooks/mcp/")

	var out bytes.Buffer
	flow := NewFlow(cfg, provider, NewLoggerWithWriter(false, false, false, &out), FlowOptions{
		HTTPClient: srv.Client(),
		Quiet:      true,
		Version:    "1.0.0",
		OpenURL: redirectBrowser(t, func(state string) url.Values {
			return url.Values{"code": {"auth-code"}, "state": {state}}
		}),
	})

	session, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if flow.Session() != session || flow.Tokens() == nil {
		t.Error("flow should expose the session and token source")
	}
	if len(session.Tools()) != 2 {
		t.Errorf("Tools() = %v", session.Tools())
	}
	if session.Endpoint() != srv.URL+"/runtime/webhooks/mcp" {
		t.Errorf("Endpoint() = %q", session.Endpoint())
	}

	redeem, obo := provider.calls()
	if redeem != 1 || obo != 1 {
		t.Errorf("provider calls = %d redeem, %d obo", redeem, obo)
	}
	if strings.Join(provider.lastScopes, " ") != "api://client/access" {
		t.Errorf("user scopes = %v", provider.lastScopes)
	}
	if provider.assertions[0] != "user-auth-code" {
		t.Errorf("OBO assertion = %q", provider.assertions[0])
	}

	for _, r := range srv.recorded() {
		if r.Authorization != "Bearer obo-1" {
			t.Errorf("%s sent %q", r.Method, r.Authorization)
		}
	}
	if !strings.Contains(out.String(), "Sign in with your browser") {
		t.Errorf("sign-in URL not shown: %q", out.String())
	}
}

func TestFlowSignInFailures(t *testing.T) {
	tests := []struct {
		name  string
		query func(state string) url.Values
		code  string
	}{
		{
			name:  "state mismatch",
			query: func(string) url.Values { return url.Values{"code": {"c"}, "state": {"forged"}} },
			code:  "state_mismatch",
		},
		{
			name: "provider error",
			query: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "error_description": {"denied"}, "state": {state}}
			},
			code: "access_denied",
		},
		{
			name:  "missing code",
			query: func(state string) url.Values { return url.Values{"state": {state}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{}
			flow := NewFlow(testFlowConfig("https://mcp.example.com/mcp"), provider, NewDevNullLogger(), FlowOptions{
				Quiet:   true,
				OpenURL: redirectBrowser(t, tt.query),
			})

			_, err := flow.SignIn(context.Background())
			var authErr *AuthFailure
			if !errors.As(err, &authErr) {
				t.Fatalf("expected AuthFailure, got %v", err)
			}
			if authErr.Stage != stageAuthorization || authErr.Code != tt.code {
				t.Errorf("AuthFailure = %+v", authErr)
			}
			if redeem, _ := provider.calls(); redeem != 0 {
				t.Errorf("code redeemed %d times", redeem)
			}
		})
	}
}

func TestFlowSignInTimeout(t *testing.T) {
	cfg := testFlowConfig("https://mcp.example.com/mcp")
	cfg.CallbackTimeout = 100 * time.Millisecond

	opened := false
	flow := NewFlow(cfg, &fakeProvider{}, NewDevNullLogger(), FlowOptions{
		NoBrowser:     true,
		SpinnerWriter: io.Discard,
		OpenURL: func(string) error {
			opened = true
			return nil
		},
	})

	_, err := flow.SignIn(context.Background())
	var timeoutErr *TimeoutFailure
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutFailure, got %v", err)
	}
	if opened {
		t.Error("NoBrowser should not open a browser")
	}
}

func TestFlowConnectRequiresSignIn(t *testing.T) {
	flow := NewFlow(testFlowConfig("https://mcp.example.com/mcp"), &fakeProvider{}, NewDevNullLogger(), FlowOptions{Quiet: true})
	if _, err := flow.Connect(context.Background()); !errors.Is(err, ErrUserTokenRequired) {
		t.Errorf("Connect() error = %v, want ErrUserTokenRequired", err)
	}
}

func TestFlowResolveScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wellKnownProtectedResource {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"scopes_supported":["openid","api://discovered/.default"]}`)
	}))
	defer srv.Close()

	cfg := testFlowConfig(srv.URL + "/runtime/webhooks/mcp")
	cfg.DownstreamScope = ""
	flow := NewFlow(cfg, &fakeProvider{}, NewDevNullLogger(), FlowOptions{HTTPClient: srv.Client(), Quiet: true})

	scope, err := flow.ResolveScope(context.Background())
	if err != nil {
		t.Fatalf("ResolveScope() error = %v", err)
	}
	if scope != "api://discovered/.default" {
		t.Errorf("scope = %q", scope)
	}

	cfg.DownstreamScope = "api://configured/x"
	if scope, _ := flow.ResolveScope(context.Background()); scope != "api://configured/x" {
		t.Errorf("configured scope should win, got %q", scope)
	}
}

func TestFlowConnectExchangeFailure(t *testing.T) {
	srv := newRPCServer(t, nil)
	provider := &fakeProvider{
		obo: func(string, []string) (*Token, error) {
			return nil, &AuthFailure{Code: "invalid_grant", Reason: "AADSTS50013"}
		},
	}
	flow := NewFlow(testFlowConfig(srv.URL), provider, NewDevNullLogger(), FlowOptions{
		HTTPClient: srv.Client(),
		Quiet:      true,
		OpenURL: redirectBrowser(t, func(state string) url.Values {
			return url.Values{"code": {"c"}, "state": {state}}
		}),
	})

	_, err := flow.Run(context.Background())
	var authErr *AuthFailure
	if !errors.As(err, &authErr) || authErr.Stage != stageOnBehalfOf {
		t.Fatalf("expected on_behalf_of AuthFailure, got %v", err)
	}
	if n := len(srv.recorded()); n != 0 {
		t.Errorf("downstream received %d requests", n)
	}
}

func TestNewIdentityProvider(t *testing.T) {
	cfg := testFlowConfig("https://mcp.example.com/mcp")

	provider, err := NewIdentityProvider(context.Background(), cfg, nil, NewDevNullLogger())
	if err != nil || provider == nil {
		t.Fatalf("entra provider: %v", err)
	}

	cfg.Provider = "saml"
	_, err = NewIdentityProvider(context.Background(), cfg, nil, NewDevNullLogger())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "OAUTH_PROVIDER" {
		t.Errorf("expected OAUTH_PROVIDER ConfigurationError, got %v", err)
	}
}

func TestFormatExpiry(t *testing.T) {
	if got := formatExpiry(time.Time{}); got != "at an unknown time" {
		t.Errorf("formatExpiry(zero) = %q", got)
	}
	if got := formatExpiry(time.Now().Add(time.Hour)); !strings.Contains(got, "in 1h") && !strings.Contains(got, "in 59m") {
		t.Errorf("formatExpiry() = %q", got)
	}
}
