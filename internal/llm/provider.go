// Package llm implements the upstream provider layer: the provider
// interface, the registry that tracks instances by priority, auth
// strategies, and the three provider kinds (openai-compatible HTTP,
// native Anthropic, native xAI).
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Provider is the unified interface for all upstream backends. Execute is
// the only network-blocking operation on the request path; Initialize may
// perform at most one bounded handshake.
type Provider interface {
	ID() string
	Priority() int

	Initialize(ctx context.Context) error
	ListModels() []string
	IsAvailable(modelID string) bool

	Execute(ctx context.Context, req *Request) Result
	EstimateCost(req *Request) float64
	HealthCheck(ctx context.Context) bool
	Cleanup()
}

// Passthrough is implemented by providers that can forward arbitrary
// /v1/* requests verbatim. Only the openai-compatible kind does.
type Passthrough interface {
	ProxyRequest(ctx context.Context, method, path string, header http.Header, body []byte) Result
}

// Request is one upstream chat call. Body is the rewritten JSON the client
// sent (stream forced off, model already resolved); Chat is the parsed view
// native providers translate from. ApproxTokens and MaxTokens feed cost
// estimation.
type Request struct {
	Model        string
	Body         []byte
	Chat         *openai.ChatCompletionRequest
	ApproxTokens int
	MaxTokens    int
}

// Result is the tagged outcome of Execute. Exactly one field is set.
type Result struct {
	Success *Success
	Error   *CallError
}

// Success carries the upstream response. Body is a stream the caller owns
// and must close; headers still include upstream hop-by-hop fields, the
// gateway drops them before replay.
type Success struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// CallError is a classified upstream failure. Status is 0 when the request
// never produced an HTTP response.
type CallError struct {
	Status    int
	Body      []byte
	Retryable bool
	Kind      ErrorKind
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s error (status %d): %s", e.Kind, e.Status, truncateForLog(e.Body))
	}
	return fmt.Sprintf("upstream %s error: %s", e.Kind, truncateForLog(e.Body))
}

// success wraps a Success into a Result.
func success(status int, header http.Header, body io.ReadCloser) Result {
	return Result{Success: &Success{Status: status, Header: header, Body: body}}
}

// failure wraps a classified error into a Result.
func failure(err *CallError) Result {
	return Result{Error: err}
}

// UpstreamModel maps a catalog model id to the name the upstream API
// expects by stripping the family prefix: "anthropic/claude-sonnet-4.5"
// becomes "claude-sonnet-4.5". Ids without a slash pass through.
func UpstreamModel(id string) string {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// ModelFamily returns the family prefix of a catalog id, or "" when the id
// has none.
func ModelFamily(id string) string {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[:i]
	}
	return ""
}

func truncateForLog(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
