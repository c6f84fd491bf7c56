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

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider serves chat completions through the native Messages
// API. The parsed OpenAI-shape request is translated to a Messages call and
// the response is folded back into a chat-completion JSON body, so clients
// never see the dialect change.
type AnthropicProvider struct {
	id       string
	priority int
	client   *anthropic.Client
	pricing  PricingFunc

	claims map[string]bool

	transport *CapturingTransport
	httpc     *http.Client
	initOnce  sync.Once
}

// NewAnthropicProvider builds a native provider. known lists the servable
// catalog ids; when the config claims nothing explicitly the provider
// claims every known id in the anthropic family.
func NewAnthropicProvider(cfg config.ProviderConfig, pricing PricingFunc, known []string) (*AnthropicProvider, error) {
	key := cfg.Auth.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("anthropic provider %s: api key not configured", cfg.ID)
	}

	transport := &CapturingTransport{Base: http.DefaultTransport}
	httpc := &http.Client{Transport: transport}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(httpc),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	claims := claimSet(cfg.Models)
	if len(claims) == 0 {
		claims = familyClaims(known, "anthropic")
	}

	p := &AnthropicProvider{
		id:        cfg.ID,
		priority:  cfg.Priority,
		client:    &client,
		pricing:   pricing,
		claims:    claims,
		transport: transport,
		httpc:     httpc,
	}

	L_debug("anthropic provider created", "id", p.id, "priority", p.priority, "claims", len(p.claims))
	return p, nil
}

// familyClaims filters catalog ids down to one family prefix.
func familyClaims(known []string, family string) map[string]bool {
	set := make(map[string]bool)
	for _, id := range known {
		if ModelFamily(id) == family {
			set[strings.ToLower(id)] = true
		}
	}
	return set
}

func (p *AnthropicProvider) ID() string    { return p.id }
func (p *AnthropicProvider) Priority() int { return p.priority }

func (p *AnthropicProvider) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		L_debug("anthropic provider initialized", "id", p.id)
	})
	return nil
}

func (p *AnthropicProvider) ListModels() []string {
	out := make([]string, 0, len(p.claims))
	for m := range p.claims {
		out = append(out, m)
	}
	return out
}

func (p *AnthropicProvider) IsAvailable(modelID string) bool {
	return p.claims[strings.ToLower(modelID)]
}

// Execute translates the request, streams the Messages call to completion
// and returns the accumulated result as a chat-completion body.
func (p *AnthropicProvider) Execute(ctx context.Context, req *Request) Result {
	chat, err := parsedChat(req)
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	params, err := p.buildParams(req.Model, chat)
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	start := time.Now()
	stream := p.client.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			MetricFailWithReason("llm/"+p.id, "request", "accumulate")
			return failure(p.classifyStreamError(fmt.Errorf("accumulate: %w", err)))
		}
	}
	if err := stream.Err(); err != nil {
		callErr := p.classifyStreamError(err)
		MetricFailWithReason("llm/"+p.id, "request", string(callErr.Kind))
		return failure(callErr)
	}

	MetricDuration("llm/"+p.id, "request", time.Since(start))
	MetricAdd("llm/"+p.id, "input_tokens", message.Usage.InputTokens)
	MetricAdd("llm/"+p.id, "output_tokens", message.Usage.OutputTokens)
	MetricSuccess("llm/"+p.id, "request")

	body, err := json.Marshal(translateAnthropicResponse(&message, req.Model))
	if err != nil {
		return failure(&CallError{Body: []byte(err.Error()), Kind: ErrorKindOther})
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return success(http.StatusOK, header, io.NopCloser(bytes.NewReader(body)))
}

func (p *AnthropicProvider) EstimateCost(req *Request) float64 {
	pricing, ok := p.pricing(req.Model)
	if !ok {
		return 0
	}
	return EstimateCost(pricing, req.ApproxTokens, req.MaxTokens)
}

// HealthCheck verifies credentials are present. The Messages API has no
// cheap liveness endpoint worth burning tokens on.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	return p.client != nil
}

func (p *AnthropicProvider) Cleanup() {
	p.httpc.CloseIdleConnections()
}

// buildParams translates an OpenAI-shape chat request into Messages params.
func (p *AnthropicProvider) buildParams(modelID string, chat *openai.ChatCompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := chat.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages, system := convertChatMessages(chat.Messages)
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: no convertible messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(UpstreamModel(modelID)),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if chat.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(chat.Temperature))
	}
	if tools := convertChatTools(chat.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

// convertChatMessages maps OpenAI-shape messages to Messages turns. System
// messages become system blocks; tool results become user-side tool_result
// blocks. Consecutive same-role turns are merged since the Messages API
// requires alternation.
func convertChatMessages(messages []openai.ChatCompletionMessage) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var out []anthropic.MessageParam
	var system []anthropic.TextBlockParam

	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}

		case "user":
			if msg.Content == "" {
				continue
			}
			out = appendMerged(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if call.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Function.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = appendMerged(out, anthropic.NewAssistantMessage(blocks...))

		case "tool":
			if msg.ToolCallID == "" {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "[empty result]"
			}
			out = appendMerged(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, content, false),
			))
		}
	}

	return out, system
}

// appendMerged appends a turn, folding it into the previous one when the
// role repeats.
func appendMerged(msgs []anthropic.MessageParam, next anthropic.MessageParam) []anthropic.MessageParam {
	if n := len(msgs); n > 0 && msgs[n-1].Role == next.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, next.Content...)
		return msgs
	}
	return append(msgs, next)
}

func convertChatTools(tools []openai.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}

		var schema map[string]any
		if tool.Function.Parameters != nil {
			raw, err := json.Marshal(tool.Function.Parameters)
			if err == nil {
				_ = json.Unmarshal(raw, &schema)
			}
		}
		var properties any
		if schema != nil {
			properties = schema["properties"]
		}

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
			},
		})
	}
	return out
}

// translateAnthropicResponse folds an accumulated message into the
// chat-completion shape. Thinking blocks are dropped; the client asked for
// chat content.
func translateAnthropicResponse(message *anthropic.Message, modelID string) openai.ChatCompletionResponse {
	var text strings.Builder
	var toolCalls []openai.ToolCall

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   variant.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      variant.Name,
					Arguments: string(args),
				},
			})
		}
	}

	choice := openai.ChatCompletionChoice{
		Index: 0,
		Message: openai.ChatCompletionMessage{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: toolCalls,
		},
		FinishReason: mapAnthropicStopReason(string(message.StopReason)),
	}

	in := int(message.Usage.InputTokens)
	outTok := int(message.Usage.OutputTokens)
	return openai.ChatCompletionResponse{
		ID:      message.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []openai.ChatCompletionChoice{choice},
		Usage: openai.Usage{
			PromptTokens:     in,
			CompletionTokens: outTok,
			TotalTokens:      in + outTok,
		},
	}
}

func mapAnthropicStopReason(stop string) openai.FinishReason {
	switch stop {
	case "max_tokens":
		return openai.FinishReasonLength
	case "tool_use":
		return openai.FinishReasonToolCalls
	default:
		return openai.FinishReasonStop
	}
}

// classifyStreamError recovers the raw upstream body captured by the
// transport so SDK-wrapped failures classify by what the API actually said.
func (p *AnthropicProvider) classifyStreamError(err error) *CallError {
	_, respBody, status, _ := p.transport.LastCapture()
	if status >= 400 && len(respBody) > 0 {
		return NewCallError(status, respBody)
	}
	return NewTransportError(err)
}

// parsedChat returns the typed view of the request, parsing the raw body
// when the caller did not.
func parsedChat(req *Request) (*openai.ChatCompletionRequest, error) {
	if req.Chat != nil {
		return req.Chat, nil
	}
	var chat openai.ChatCompletionRequest
	if err := json.Unmarshal(req.Body, &chat); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}
	return &chat, nil
}
