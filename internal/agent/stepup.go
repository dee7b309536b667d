package agent

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// stepUpKey identifies one JSON-RPC method against one downstream endpoint.
type stepUpKey struct {
	resource string
	method   string
}

// scopeRetryTracker bounds the step-up re-exchanges per endpoint and method
// so a server that keeps answering insufficient_scope cannot loop forever.
type scopeRetryTracker struct {
	mu         sync.Mutex
	attempts   map[stepUpKey]int
	maxRetries int
}

func newScopeRetryTracker(maxRetries int) *scopeRetryTracker {
	return &scopeRetryTracker{
		attempts:   make(map[stepUpKey]int),
		maxRetries: maxRetries,
	}
}

// shouldRetry consumes one attempt and reports whether it was within budget.
func (t *scopeRetryTracker) shouldRetry(resource, method string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := stepUpKey{resource, method}
	if t.attempts[key] >= t.maxRetries {
		return false
	}
	t.attempts[key]++
	return true
}

// reset restores the full budget after a successful call.
func (t *scopeRetryTracker) reset(resource, method string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, stepUpKey{resource, method})
}

func (t *scopeRetryTracker) getAttempts(resource, method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[stepUpKey{resource, method}]
}

// detectChallenge returns the parsed Bearer challenge of resp when its status
// is status and the challenge carries errorCode. It returns nil otherwise.
func detectChallenge(resp *http.Response, status int, errorCode string) (*WWWAuthenticateChallenge, error) {
	if resp.StatusCode != status {
		return nil, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil, nil
	}
	challenge, err := parseWWWAuthenticate(header)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WWW-Authenticate header: %w", err)
	}
	if challenge.Error != errorCode {
		return nil, nil
	}
	return challenge, nil
}

// detectInsufficientScope checks if an HTTP response indicates an insufficient_scope error
// per RFC 6750 Section 3 and extracts the challenge information.
func detectInsufficientScope(resp *http.Response) (*WWWAuthenticateChallenge, error) {
	return detectChallenge(resp, http.StatusForbidden, "insufficient_scope")
}

// detectInvalidToken checks if an HTTP response rejected the bearer token as
// expired or revoked.
func detectInvalidToken(resp *http.Response) (*WWWAuthenticateChallenge, error) {
	return detectChallenge(resp, http.StatusUnauthorized, "invalid_token")
}

// tokenRejected reports whether a 401 asks for a fresh token. Challenges
// carrying an error code other than invalid_token do not.
func tokenRejected(resp *http.Response) bool {
	if challenge, err := detectInvalidToken(resp); err == nil && challenge != nil {
		return true
	}
	challenge, err := parseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	return err != nil || challenge.Error == ""
}

// mergeScopes returns current followed by the challenge scopes it lacks,
// without duplicates or blanks.
func mergeScopes(current, challenged []string) []string {
	seen := make(map[string]bool, len(current)+len(challenged))
	var merged []string
	for _, scope := range append(append([]string(nil), current...), challenged...) {
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		merged = append(merged, scope)
	}
	return merged
}

// formatScopeList formats a scope list for display
func formatScopeList(scopes []string) string {
	if len(scopes) == 0 {
		return "(none)"
	}
	return strings.Join(scopes, ", ")
}
