package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
)

// FlowOptions tunes the interactive parts of the delegation flow.
type FlowOptions struct {
	// HTTPClient is used for metadata, token and RPC requests.
	HTTPClient *http.Client

	// NoBrowser prints the sign-in URL without launching a browser.
	NoBrowser bool

	// Quiet disables the wait spinner.
	Quiet bool

	// Version is reported as clientInfo.version.
	Version string

	// OpenURL replaces the platform browser launcher, for tests.
	OpenURL func(string) error

	// SpinnerWriter receives the spinner output (default: stderr).
	SpinnerWriter io.Writer
}

// Flow drives the delegation chain: sign in, resolve the downstream scope,
// exchange on behalf of the user and open the downstream session.
type Flow struct {
	config   *Config
	broker   *Broker
	resolver *ScopeResolver
	logger   *Logger
	opts     FlowOptions

	tokens  *DelegatedTokenSource
	session *Session
}

// NewIdentityProvider returns the provider selected by config.Provider.
func NewIdentityProvider(ctx context.Context, config *Config, httpClient *http.Client, logger *Logger) (IdentityProvider, error) {
	switch config.Provider {
	case ProviderEntra, "":
		return NewMSALProvider(config, httpClient)
	case ProviderOAuth2:
		return NewOAuth2Provider(ctx, config, httpClient, logger)
	default:
		return nil, &ConfigurationError{Setting: "OAUTH_PROVIDER", Reason: fmt.Sprintf("unsupported provider %q", config.Provider)}
	}
}

// NewFlow creates a flow for config using provider.
func NewFlow(config *Config, provider IdentityProvider, logger *Logger, opts FlowOptions) *Flow {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: config.HTTPTimeout}
	}
	if opts.OpenURL == nil {
		opts.OpenURL = openBrowser
	}
	if opts.SpinnerWriter == nil {
		opts.SpinnerWriter = os.Stderr
	}
	return &Flow{
		config:   config,
		broker:   NewBroker(provider, config.UserScopes(), config.RedirectURI, logger),
		resolver: NewScopeResolver(opts.HTTPClient, logger),
		logger:   logger,
		opts:     opts,
	}
}

// Broker returns the flow's token broker.
func (f *Flow) Broker() *Broker {
	return f.broker
}

// Tokens returns the downstream token source, or nil before Connect.
func (f *Flow) Tokens() *DelegatedTokenSource {
	return f.tokens
}

// Session returns the downstream session, or nil before Connect.
func (f *Flow) Session() *Session {
	return f.session
}

// SignIn runs the authorization-code leg and returns the user token.
func (f *Flow) SignIn(ctx context.Context) (*Token, error) {
	receiver, err := NewCallbackReceiver(f.config.RedirectURI, f.logger)
	if err != nil {
		return nil, &ConfigurationError{Setting: "REDIRECT_URI", Reason: err.Error()}
	}
	if err := receiver.Start(ctx); err != nil {
		return nil, err
	}
	defer receiver.Stop()

	redirectURI := receiver.RedirectURI()
	f.broker.setRedirectURI(redirectURI)

	state := uuid.NewString()
	authURL, err := f.broker.AuthCodeURL(state)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization URL: %w", err)
	}

	f.logger.Info("Sign in with your browser:")
	f.logger.Info("%s", authURL)
	if !f.opts.NoBrowser {
		if err := f.opts.OpenURL(authURL); err != nil {
			f.logger.Warning("Could not open browser automatically: %v", err)
		}
	}

	var s *spinner.Spinner
	if !f.opts.Quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f.opts.SpinnerWriter))
		s.Suffix = " Waiting for authorization..."
		s.Start()
	}
	result, err := receiver.Wait(ctx, f.config.CallbackTimeout)
	if s != nil {
		s.Stop()
	}
	if err != nil {
		return nil, err
	}

	switch {
	case result.IsError():
		return nil, &AuthFailure{Stage: stageAuthorization, Code: result.Error, Reason: result.ErrorDescription}
	case result.State != state:
		return nil, &AuthFailure{Stage: stageAuthorization, Code: "state_mismatch", Reason: "state parameter does not match the request"}
	case result.Code == "":
		return nil, &AuthFailure{Stage: stageAuthorization, Reason: "no authorization code received"}
	}

	f.logger.Success("Authorization code received")

	token, err := f.broker.AcquireUserToken(ctx, result.Code, f.config.Scopes, redirectURI)
	if err != nil {
		return nil, err
	}
	f.logger.Success("Signed in (scopes: %s)", formatScopeList(token.Scopes))
	f.logger.InfoVerbose("User token preview: %s", token.Preview())
	return token, nil
}

// ResolveScope returns the configured downstream scope or discovers it from
// the resource's protected resource metadata.
func (f *Flow) ResolveScope(ctx context.Context) (string, error) {
	if f.config.DownstreamScope != "" {
		return f.config.DownstreamScope, nil
	}
	f.logger.Info("Discovering downstream scope from %s", f.config.ResourceURL())
	scope, err := f.resolver.DiscoverScope(ctx, f.config.ResourceURL())
	if err != nil {
		return "", fmt.Errorf("failed to resolve downstream scope (set MCP_SCOPE to skip discovery): %w", err)
	}
	return scope, nil
}

// Resolver returns the flow's metadata resolver.
func (f *Flow) Resolver() *ScopeResolver {
	return f.resolver
}

// Connect exchanges the user token for a downstream token, initializes the
// session and lists the downstream tools. SignIn must have succeeded first.
func (f *Flow) Connect(ctx context.Context) (*Session, error) {
	userToken := f.broker.UserToken()
	if !userToken.Valid(time.Now()) {
		return nil, ErrUserTokenRequired
	}

	scope, err := f.ResolveScope(ctx)
	if err != nil {
		return nil, err
	}

	f.logger.Info("Exchanging user token for %s", scope)
	downstream, err := f.broker.ExchangeOnBehalfOf(ctx, userToken, scope)
	if err != nil {
		return nil, err
	}
	f.logger.Success("Downstream token acquired (expires %s)", formatExpiry(downstream.ExpiresAt))
	f.logger.InfoVerbose("Downstream token preview: %s", downstream.Preview())

	f.tokens = NewDelegatedTokenSource(f.broker, scope)
	session := NewSession(SessionConfig{
		Endpoint:         f.config.ResourceURL(),
		HTTPClient:       f.opts.HTTPClient,
		Tokens:           f.tokens,
		Logger:           f.logger,
		ProtocolVersion:  f.config.ProtocolVersion,
		ClientVersion:    f.opts.Version,
		StepUpMaxRetries: f.config.StepUpMaxRetries,
	})

	if _, err := session.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	tools, err := session.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}
	f.logger.Info("%d tool(s) available", len(tools))

	f.session = session
	return session, nil
}

// Run signs in and connects.
func (f *Flow) Run(ctx context.Context) (*Session, error) {
	if _, err := f.SignIn(ctx); err != nil {
		return nil, err
	}
	return f.Connect(ctx)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "at an unknown time"
	}
	return fmt.Sprintf("%s, in %s", t.Local().Format("15:04:05"), time.Until(t).Round(time.Second))
}
