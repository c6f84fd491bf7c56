package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

const (
	attributionURL    = "https://blockrun.dev"
	attributionTitle  = "BlockRun"
	maxErrorBodyBytes = 64 * 1024
)

// userAgent identifies outbound requests. SetVersion stamps the build
// version in before the first upstream call.
var userAgent = "blockrun/dev"

// SetVersion sets the version reported in the outbound User-Agent header.
func SetVersion(v string) {
	if v != "" {
		userAgent = "blockrun/" + v
	}
}

// attributionTransport adds attribution headers to OpenRouter requests.
type attributionTransport struct {
	base http.RoundTripper
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", attributionURL)
	req.Header.Set("X-Title", attributionTitle)
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// OpenAIProvider forwards chat completions to any OpenAI-compatible
// endpoint. The request body passes through as the client sent it, with
// only the model field rewritten.
type OpenAIProvider struct {
	id             string
	priority       int
	baseURL        string
	auth           AuthStrategy
	pricing        PricingFunc
	fullModelNames bool

	claims   map[string]bool
	wildcard bool

	client    *http.Client
	transport *CapturingTransport
	initOnce  sync.Once
}

// NewOpenAIProvider builds a passthrough provider. An empty claims list
// means the provider claims every model id, since compatible endpoints are
// typically multi-family aggregators.
func NewOpenAIProvider(cfg config.ProviderConfig, pricing PricingFunc) (*OpenAIProvider, error) {
	auth, err := NewAuthStrategy(cfg.Auth)
	if err != nil {
		return nil, err
	}

	baseURL := normalizeBaseURL(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	var base http.RoundTripper = http.DefaultTransport
	if strings.Contains(strings.ToLower(baseURL), "openrouter") {
		base = &attributionTransport{base: http.DefaultTransport}
	}
	transport := &CapturingTransport{Base: base}

	p := &OpenAIProvider{
		id:             cfg.ID,
		priority:       cfg.Priority,
		baseURL:        baseURL,
		auth:           auth,
		pricing:        pricing,
		fullModelNames: cfg.FullModelNames,
		claims:         claimSet(cfg.Models),
		wildcard:       len(cfg.Models) == 0,
		client:         &http.Client{Transport: transport},
		transport:      transport,
	}

	L_debug("openai provider created", "id", p.id, "baseURL", baseURL, "priority", p.priority, "claims", len(p.claims), "wildcard", p.wildcard)
	return p, nil
}

// normalizeBaseURL trims trailing slashes and guarantees a single /v1
// suffix.
func normalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

func claimSet(models []string) map[string]bool {
	set := make(map[string]bool, len(models))
	for _, m := range models {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			set[m] = true
		}
	}
	return set
}

func (p *OpenAIProvider) ID() string    { return p.id }
func (p *OpenAIProvider) Priority() int { return p.priority }

// Initialize performs the one bounded handshake: a models listing that
// warms the connection and verifies reachability. Failure is logged, not
// fatal; the endpoint may come up later.
func (p *OpenAIProvider) Initialize(ctx context.Context) error {
	var initErr error
	p.initOnce.Do(func() {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if !p.HealthCheck(hctx) {
			initErr = fmt.Errorf("openai provider %s: endpoint %s not reachable", p.id, p.baseURL)
		}
	})
	return initErr
}

// ListModels returns the configured claims. Empty means the provider
// claims every catalog model.
func (p *OpenAIProvider) ListModels() []string {
	out := make([]string, 0, len(p.claims))
	for m := range p.claims {
		out = append(out, m)
	}
	return out
}

func (p *OpenAIProvider) IsAvailable(modelID string) bool {
	if p.wildcard {
		return modelID != ""
	}
	return p.claims[strings.ToLower(modelID)]
}

// Execute forwards the rewritten body to /chat/completions. A 401/402 is
// offered to the auth strategy for a single same-attempt retry before it
// becomes a classified failure.
func (p *OpenAIProvider) Execute(ctx context.Context, req *Request) Result {
	upstream := req.Model
	if !p.fullModelNames {
		upstream = UpstreamModel(req.Model)
	}
	body, err := rewriteBodyModel(req.Body, upstream)
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	start := time.Now()
	resp, callErr := p.post(ctx, p.baseURL+"/chat/completions", body, nil)
	if callErr == nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired) {
		retry, newHeaders := p.auth.HandleAuthFailure(resp)
		if retry {
			drainAndClose(resp.Body)
			L_info("openai: retrying with refreshed credentials", "id", p.id, "status", resp.StatusCode)
			resp, callErr = p.post(ctx, p.baseURL+"/chat/completions", body, newHeaders)
		}
	}
	if callErr != nil {
		MetricFailWithReason("llm/"+p.id, "request", string(callErr.Kind))
		return failure(callErr)
	}

	MetricDuration("llm/"+p.id, "request", time.Since(start))
	if resp.StatusCode >= 400 {
		errBody := readBounded(resp.Body, maxErrorBodyBytes)
		resp.Body.Close()
		callErr := NewCallError(resp.StatusCode, errBody)
		MetricFailWithReason("llm/"+p.id, "request", string(callErr.Kind))
		return failure(callErr)
	}

	MetricSuccess("llm/"+p.id, "request")
	return success(resp.StatusCode, resp.Header, resp.Body)
}

// ProxyRequest forwards an arbitrary /v1/* call verbatim, swapping in this
// provider's credentials.
func (p *OpenAIProvider) ProxyRequest(ctx context.Context, method, path string, header http.Header, body []byte) Result {
	target := strings.TrimSuffix(p.baseURL, "/v1") + path

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}
	if ct := header.Get("Content-Type"); ct != "" {
		httpReq.Header.Set("Content-Type", ct)
	}
	if accept := header.Get("Accept"); accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if err := p.auth.PrepareHeaders(httpReq); err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindAuth})
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return failure(NewTransportError(err))
	}
	if resp.StatusCode >= 400 {
		errBody := readBounded(resp.Body, maxErrorBodyBytes)
		resp.Body.Close()
		return failure(NewCallError(resp.StatusCode, errBody))
	}
	return success(resp.StatusCode, resp.Header, resp.Body)
}

func (p *OpenAIProvider) EstimateCost(req *Request) float64 {
	pricing, ok := p.pricing(req.Model)
	if !ok {
		return 0
	}
	return EstimateCost(pricing, req.ApproxTokens, req.MaxTokens)
}

// HealthCheck lists models within the caller's deadline.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if err := p.auth.PrepareHeaders(httpReq); err != nil {
		return false
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	drainAndClose(resp.Body)
	return resp.StatusCode < 500
}

func (p *OpenAIProvider) Cleanup() {
	p.client.CloseIdleConnections()
}

// post sends one authenticated JSON POST. extra headers override whatever
// PrepareHeaders set, which is how a refreshed token reaches the retry.
func (p *OpenAIProvider) post(ctx context.Context, url string, body []byte, extra http.Header) (*http.Response, *CallError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Body: []byte(err.Error()), Kind: ErrorKindOther}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if err := p.auth.PrepareHeaders(httpReq); err != nil {
		return nil, &CallError{Body: []byte(err.Error()), Kind: ErrorKindAuth}
	}
	for name, values := range extra {
		for _, v := range values {
			httpReq.Header.Set(name, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewTransportError(err)
	}
	return resp, nil
}

// rewriteBodyModel replaces the model field without disturbing any other
// field the client sent.
func rewriteBodyModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}

func readBounded(r io.Reader, max int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return b
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodyBytes))
	body.Close()
}
