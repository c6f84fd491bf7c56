package llm

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/blockrun/blockrun/internal/config"
)

// AuthStrategy attaches credentials to outbound requests. PrepareHeaders is
// called fresh for every attempt. HandleAuthFailure inspects a 401/402
// response; when it reports retryable the caller repeats the same attempt
// once with the returned headers merged in.
type AuthStrategy interface {
	PrepareHeaders(req *http.Request) error
	HandleAuthFailure(resp *http.Response) (retryable bool, newHeaders http.Header)
}

// NewAuthStrategy builds the strategy declared by an auth config block.
func NewAuthStrategy(cfg config.AuthConfig) (AuthStrategy, error) {
	switch cfg.Kind {
	case "none":
		return noAuth{}, nil
	case "apiKey", "":
		return &apiKeyAuth{cfg: cfg}, nil
	case "payment":
		return &tokenAuth{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("auth: unknown kind %q", cfg.Kind)
	}
}

// noAuth sends requests unauthenticated (local upstreams).
type noAuth struct{}

func (noAuth) PrepareHeaders(*http.Request) error { return nil }

func (noAuth) HandleAuthFailure(*http.Response) (bool, http.Header) { return false, nil }

// apiKeyAuth sets Authorization: <prefix><key> plus any configured extra
// headers. The key is re-resolved on every call so env rotation is picked
// up without a restart.
type apiKeyAuth struct {
	cfg config.AuthConfig
}

func (a *apiKeyAuth) PrepareHeaders(req *http.Request) error {
	key := a.cfg.ResolveAPIKey()
	if key == "" {
		return fmt.Errorf("auth: no api key configured")
	}
	req.Header.Set("Authorization", a.headerPrefix()+key)
	for name, value := range a.cfg.ExtraHeaders {
		req.Header.Set(name, value)
	}
	return nil
}

func (a *apiKeyAuth) HandleAuthFailure(*http.Response) (bool, http.Header) {
	return false, nil
}

func (a *apiKeyAuth) headerPrefix() string {
	if a.cfg.HeaderPrefix != "" {
		return a.cfg.HeaderPrefix
	}
	return "Bearer "
}

// tokenAuth handles rotating bearer tokens. On a 401/402 it re-resolves the
// token source; if a fresh token appeared the attempt is retried once with
// the new credentials.
type tokenAuth struct {
	cfg config.AuthConfig

	mu       sync.Mutex
	lastUsed string
}

func (a *tokenAuth) PrepareHeaders(req *http.Request) error {
	token := a.cfg.ResolveAPIKey()
	if token == "" {
		return fmt.Errorf("auth: no token available")
	}
	a.mu.Lock()
	a.lastUsed = token
	a.mu.Unlock()

	req.Header.Set("Authorization", a.prefix()+token)
	for name, value := range a.cfg.ExtraHeaders {
		req.Header.Set(name, value)
	}
	return nil
}

func (a *tokenAuth) HandleAuthFailure(resp *http.Response) (bool, http.Header) {
	if resp == nil || (resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusPaymentRequired) {
		return false, nil
	}

	token := a.cfg.ResolveAPIKey()
	if token == "" {
		return false, nil
	}

	a.mu.Lock()
	rotated := token != a.lastUsed
	if rotated {
		a.lastUsed = token
	}
	a.mu.Unlock()

	if !rotated {
		return false, nil
	}

	h := http.Header{}
	h.Set("Authorization", a.prefix()+token)
	return true, h
}

func (a *tokenAuth) prefix() string {
	if a.cfg.HeaderPrefix != "" {
		return a.cfg.HeaderPrefix
	}
	return "Bearer "
}
