package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	xai "github.com/roelfdiedericks/xai-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

const (
	xaiDefaultMaxTokens = 4096
	xaiRequestTimeout   = 120 * time.Second
)

// XAIProvider serves chat completions through the native Grok API. Like the
// anthropic provider it translates the OpenAI-shape request into the native
// dialect and folds the streamed result back into a chat-completion body.
type XAIProvider struct {
	id       string
	priority int
	client   *xai.Client
	pricing  PricingFunc

	claims map[string]bool

	initOnce sync.Once
}

// NewXAIProvider builds a native Grok provider. known lists the servable
// catalog ids; when the config claims nothing explicitly the provider
// claims every known id in the xai family.
func NewXAIProvider(cfg config.ProviderConfig, pricing PricingFunc, known []string) (*XAIProvider, error) {
	key := cfg.Auth.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("xai provider %s: api key not configured", cfg.ID)
	}

	client, err := xai.New(xai.Config{
		APIKey:  xai.NewSecureString(key),
		Timeout: xaiRequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("xai provider %s: %w", cfg.ID, err)
	}

	claims := claimSet(cfg.Models)
	if len(claims) == 0 {
		claims = familyClaims(known, "xai")
	}

	p := &XAIProvider{
		id:       cfg.ID,
		priority: cfg.Priority,
		client:   client,
		pricing:  pricing,
		claims:   claims,
	}

	L_debug("xai provider created", "id", p.id, "priority", p.priority, "claims", len(p.claims))
	return p, nil
}

func (p *XAIProvider) ID() string    { return p.id }
func (p *XAIProvider) Priority() int { return p.priority }

func (p *XAIProvider) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		L_debug("xai provider initialized", "id", p.id)
	})
	return nil
}

func (p *XAIProvider) ListModels() []string {
	out := make([]string, 0, len(p.claims))
	for m := range p.claims {
		out = append(out, m)
	}
	return out
}

func (p *XAIProvider) IsAvailable(modelID string) bool {
	return p.claims[strings.ToLower(modelID)]
}

// Execute translates the request, drains the Grok chunk stream and returns
// the accumulated result as a chat-completion body.
func (p *XAIProvider) Execute(ctx context.Context, req *Request) Result {
	chat, err := parsedChat(req)
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	xreq := buildXAIRequest(req.Model, chat, req.Body)

	start := time.Now()
	stream, err := p.client.StreamChat(ctx, xreq)
	if err != nil {
		callErr := classifyXAIError(err)
		MetricFailWithReason("llm/"+p.id, "request", string(callErr.Kind))
		return failure(callErr)
	}
	defer stream.Close()

	var (
		text         strings.Builder
		toolCalls    []openai.ToolCall
		seen         = make(map[string]bool)
		responseID   string
		finishReason xai.FinishReason
		usage        xai.Usage
	)

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			callErr := classifyXAIError(err)
			MetricFailWithReason("llm/"+p.id, "request", string(callErr.Kind))
			return failure(callErr)
		}

		if responseID == "" && chunk.ID != "" {
			responseID = chunk.ID
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
		}
		// Reasoning deltas are dropped; clients asked for chat content.
		for _, tc := range chunk.ToolCalls {
			if tc.Function == nil || tc.IsServerSide() || seen[tc.ID] {
				continue
			}
			seen[tc.ID] = true
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		usage = chunk.Usage
	}

	MetricDuration("llm/"+p.id, "request", time.Since(start))
	MetricAdd("llm/"+p.id, "input_tokens", int64(usage.PromptTokens))
	MetricAdd("llm/"+p.id, "output_tokens", int64(usage.CompletionTokens))
	MetricSuccess("llm/"+p.id, "request")

	body, err := json.Marshal(translateXAIResponse(responseID, req.Model, text.String(), toolCalls, finishReason, usage))
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return success(http.StatusOK, header, io.NopCloser(bytes.NewReader(body)))
}

func (p *XAIProvider) EstimateCost(req *Request) float64 {
	pricing, ok := p.pricing(req.Model)
	if !ok {
		return 0
	}
	return EstimateCost(pricing, req.ApproxTokens, req.MaxTokens)
}

// HealthCheck lists models as a cheap liveness and credential probe.
func (p *XAIProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		L_debug("xai health check failed", "id", p.id, "error", err)
		return false
	}
	return true
}

func (p *XAIProvider) Cleanup() {
	L_debug("xai provider cleanup", "id", p.id)
}

// buildXAIRequest translates an OpenAI-shape chat request into a Grok chat
// request. System messages map to system content, tool results to tool
// content; assistant turns carry their tool call history.
func buildXAIRequest(modelID string, chat *openai.ChatCompletionRequest, rawBody []byte) *xai.ChatRequest {
	maxTokens := chat.MaxTokens
	if maxTokens <= 0 {
		maxTokens = xaiDefaultMaxTokens
	}

	req := xai.NewChatRequest().
		WithModel(UpstreamModel(modelID)).
		WithMaxTokens(safeInt32(maxTokens))

	for _, msg := range chat.Messages {
		switch msg.Role {
		case "system", "developer":
			if msg.Content != "" {
				req.SystemMessage(xai.SystemContent{Text: msg.Content})
			}

		case "user":
			if msg.Content != "" {
				req.UserMessage(xai.UserContent{Text: msg.Content})
			}

		case "assistant":
			content := xai.AssistantContent{Text: msg.Content}
			for _, call := range msg.ToolCalls {
				content.ToolCalls = append(content.ToolCalls, xai.HistoryToolCall{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
			}
			if content.Text == "" && len(content.ToolCalls) == 0 {
				continue
			}
			req.AssistantMessage(content)

		case "tool":
			if msg.ToolCallID == "" {
				continue
			}
			result := msg.Content
			if result == "" {
				result = "[empty result]"
			}
			req.ToolResult(xai.ToolContent{CallID: msg.ToolCallID, Result: result})
		}
	}

	added := 0
	for _, tool := range chat.Tools {
		if tool.Function == nil {
			continue
		}
		schemaJSON, err := json.Marshal(tool.Function.Parameters)
		if err != nil {
			L_warn("xai: failed to marshal tool schema, skipping", "tool", tool.Function.Name, "error", err)
			continue
		}
		req.AddTool(xai.NewFunctionTool(tool.Function.Name, tool.Function.Description).
			WithParameters(schemaJSON))
		added++
	}
	if added > 0 {
		req.WithToolChoice(xai.ToolChoiceAuto)
	}

	if effort := xaiEffortFromBody(rawBody); effort != nil {
		req.WithReasoningEffort(*effort)
	}

	return req
}

// xaiEffortFromBody maps the request's reasoning_effort field, when present,
// onto the Grok effort scale. The field rides outside the typed request so
// it is sniffed from the raw body.
func xaiEffortFromBody(body []byte) *xai.ReasoningEffort {
	var probe struct {
		ReasoningEffort string `json:"reasoning_effort"`
	}
	if len(body) == 0 || json.Unmarshal(body, &probe) != nil {
		return nil
	}
	switch strings.ToLower(probe.ReasoningEffort) {
	case "low", "minimal":
		effort := xai.ReasoningEffortLow
		return &effort
	case "medium":
		effort := xai.ReasoningEffortMedium
		return &effort
	case "high":
		effort := xai.ReasoningEffortHigh
		return &effort
	}
	return nil
}

// translateXAIResponse folds the accumulated stream into the
// chat-completion shape.
func translateXAIResponse(id, modelID, text string, toolCalls []openai.ToolCall, finish xai.FinishReason, usage xai.Usage) openai.ChatCompletionResponse {
	choice := openai.ChatCompletionChoice{
		Index: 0,
		Message: openai.ChatCompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		},
		FinishReason: mapXAIFinishReason(finish, len(toolCalls) > 0),
	}

	in := int(usage.PromptTokens)
	out := int(usage.CompletionTokens)
	return openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []openai.ChatCompletionChoice{choice},
		Usage: openai.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}
}

func mapXAIFinishReason(reason xai.FinishReason, hasToolCalls bool) openai.FinishReason {
	switch reason {
	case xai.FinishReasonToolCalls:
		return openai.FinishReasonToolCalls
	case xai.FinishReasonLength:
		return openai.FinishReasonLength
	}
	if hasToolCalls {
		return openai.FinishReasonToolCalls
	}
	return openai.FinishReasonStop
}

// classifyXAIError maps SDK errors onto the failover taxonomy. The Grok
// client wraps upstream failures without an HTTP status, so classification
// leans on the message patterns.
func classifyXAIError(err error) *CallError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewTransportError(err)
	}
	return NewCallError(0, []byte(err.Error()))
}

// safeInt32 converts int to int32 with bounds checking to prevent overflow.
func safeInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}
