package agent

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const callbackConfirmation = "You may close this tab and return to the terminal."

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>mcp-obo</title></head>
<body>
{{- if .Error}}<h1>Authorization failed</h1><p><code>{{.Error}}</code> {{.Description}}</p>{{else}}<h1>Authorization received</h1>{{end}}
<p>{{.Message}}</p>
</body></html>
`))

// CallbackResult represents the result of an OAuth callback.
type CallbackResult struct {
	// Code is the authorization code from the OAuth provider.
	Code string

	// State is the state parameter to verify against the original request.
	State string

	// Error is the error code if the authorization failed.
	Error string

	// ErrorDescription is a human-readable error description.
	ErrorDescription string
}

// IsError returns true if the callback result represents an error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackReceiver is a one-shot local HTTP listener for the authorization redirect.
// It delivers the first request on the redirect path and then stops listening.
type CallbackReceiver struct {
	host   string
	port   int
	path   string
	logger *Logger

	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once

	// handleHook runs before a callback is processed, for tests.
	handleHook func(r *http.Request)
}

// NewCallbackReceiver creates a receiver for redirectURI. The port defaults to
// DefaultCallbackPort when the URI does not carry one.
func NewCallbackReceiver(redirectURI string, logger *Logger) (*CallbackReceiver, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		host = hostLocal
	}

	port := DefaultCallbackPort
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect URI port %q: %w", p, err)
		}
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	return &CallbackReceiver{
		host:     host,
		port:     port,
		path:     path,
		logger:   logger,
		resultCh: make(chan *CallbackResult, 1),
		errorCh:  make(chan error, 1),
	}, nil
}

// Start begins listening. It must be called before the browser is sent to the
// identity provider. The receiver stops when ctx is cancelled.
func (s *CallbackReceiver) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.InfoVerbose("Listening for auth code on %s%s", addr, s.path)
	return nil
}

// RedirectURI returns the redirect URI the receiver is actually bound to.
func (s *CallbackReceiver) RedirectURI() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(s.host, strconv.Itoa(s.port)), s.path)
}

// Wait blocks until the callback arrives, timeout elapses or ctx is cancelled.
func (s *CallbackReceiver) Wait(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, fmt.Errorf("callback server error: %w", err)
	case <-timer.C:
		return nil, &TimeoutFailure{Waited: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CallbackReceiver) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")

	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Callback handler failed: %v", rec)
			http.Error(w, fmt.Sprintf("Callback error: %v", rec), http.StatusInternalServerError)
		}
	}()

	if s.handleHook != nil {
		s.handleHook(r)
	}

	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, fmt.Sprintf("Callback error: %v", err), http.StatusInternalServerError)
		return
	}

	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	var handled bool
	s.once.Do(func() {
		handled = true
		s.resultCh <- result
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = callbackPage.Execute(w, map[string]string{
		"Error":       result.Error,
		"Description": result.ErrorDescription,
		"Message":     callbackConfirmation,
	})

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.Stop()
	}()
}

// Stop shuts down the listener. It is safe to call more than once.
func (s *CallbackReceiver) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}
