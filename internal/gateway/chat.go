package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/blockrun/blockrun/internal/catalog"
	"github.com/blockrun/blockrun/internal/dedup"
	"github.com/blockrun/blockrun/internal/llm"
	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
	"github.com/blockrun/blockrun/internal/routing"
	"github.com/blockrun/blockrun/internal/tokens"
	"github.com/blockrun/blockrun/internal/usage"
)

const (
	defaultMaxTokens = 4096

	// placeholderUserMessage opens conversations for upstream families
	// that reject a leading assistant or tool turn.
	placeholderUserMessage = "(continuing conversation)"

	// syntheticPrefix is the provider prefix clients may attach to the
	// gateway's own vocabulary, e.g. "blockrun/auto".
	syntheticPrefix = "blockrun/"
)

// handleChatCompletions is the main request path. The dedup join decides
// whether this request replays a cached response, waits on an identical
// in-flight one, or owns the upstream call.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	key := dedup.Key(body)
	for {
		join := s.deps.Dedup.Join(key)
		switch {
		case join.Response != nil:
			s.replayResponse(w, join.Response, start)
			return
		case join.Owner:
			s.serveChat(w, r, key, body, start)
			return
		default:
			select {
			case <-join.Waiter.Done():
				if resp := join.Waiter.Response(); resp != nil {
					s.replayResponse(w, resp, start)
					return
				}
				// The owner aborted without a result; contend again.
			case <-r.Context().Done():
				return
			}
		}
	}
}

// replayResponse writes a stored response byte for byte and accounts the
// request as deduplicated.
func (s *Server) replayResponse(w http.ResponseWriter, resp *dedup.Response, start time.Time) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	MetricInc("gateway", "dedup_replay")
	s.deps.Usage.Emit(usage.Event{
		Deduped:   true,
		Streamed:  strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream"),
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// serveChat runs the owner pipeline: parse, route, sanitize, execute the
// fallback chain, translate the response, resolve the dedup entry.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, key string, body []byte, start time.Time) {
	requestTimeout := time.Duration(s.cfg.Proxy.RequestTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	// Whatever happens, the inflight entry must resolve; a panic or a
	// missed path would otherwise strand waiters until their clients
	// give up.
	resolved := false
	defer func() {
		if !resolved {
			s.deps.Dedup.Abort(key)
		}
	}()
	complete := func(resp *dedup.Response) {
		resolved = true
		s.deps.Dedup.Complete(key, resp)
	}
	completeUncached := func(resp *dedup.Response) {
		resolved = true
		s.deps.Dedup.CompleteUncached(key, resp)
	}
	abort := func() {
		resolved = true
		s.deps.Dedup.Abort(key)
	}

	// Tool ids are rewritten before the parse so the raw body and the
	// parsed view native providers translate from stay in step.
	sanitized := sanitizeToolIDs(body)

	var chat openai.ChatCompletionRequest
	if err := json.Unmarshal(sanitized, &chat); err != nil {
		abort()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request_error")
		return
	}

	clientWantsStreaming := chat.Stream
	includeUsage := chat.StreamOptions != nil && chat.StreamOptions.IncludeUsage
	maxTokens := chat.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// Model resolution. An absent model routes like auto.
	requested := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(chat.Model)), syntheticPrefix)
	mustRoute := requested == "" || requested == catalog.AutoID

	model := ""
	if !mustRoute {
		model = s.deps.Catalog.Resolve(requested)
		if !s.deps.Catalog.Has(model) {
			env := errorEnvelope(fmt.Sprintf("unknown model %q", chat.Model), "invalid_request_error")
			envBody, _ := json.Marshal(env)
			resp := &dedup.Response{Status: http.StatusBadRequest, Header: jsonHeader(), Body: envBody}
			complete(resp)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write(envBody)
			MetricFailWithReason("gateway", "chat", "unknown_model")
			return
		}
	}

	scorer, selector := s.routingSnapshot()
	approxTokens := s.approximateTokens(&chat)

	sessionID := ""
	if s.deps.Sessions != nil {
		sessionID = s.deps.Sessions.ExtractID(r.Header)
	}

	decision := routing.Decision{}
	tier := routing.TierNone
	preferAgentic := false

	if mustRoute {
		pinned := false
		if sessionID != "" {
			if pm, pt, ok := s.deps.Sessions.GetPinned(sessionID); ok {
				model, tier = pm, pt
				decision.Method = routing.MethodSession
				decision.Confidence = 1
				pinned = true
				MetricHit("gateway", "session_pin")
			}
		}
		if !pinned {
			prompt, systemPrompt := promptViews(&chat)
			cls := scorer.Classify(prompt, systemPrompt, approxTokens)
			tier = cls.Tier
			preferAgentic = cls.PreferAgentic
			decision.Method = cls.Method
			decision.Confidence = cls.Result.Confidence
			decision.Reasoning = cls.Result.Reasoning
			MetricInc("routing", "tier_"+strings.ToLower(tier.String()))
		}
	}

	chain := selector.Chain(tier, routing.Constraints{
		ApproxTokens:  approxTokens,
		MaxTokens:     maxTokens,
		HasTools:      len(chat.Tools) > 0,
		PinnedModel:   model,
		PreferAgentic: preferAgentic,
	})
	decision.Model = chain[0]
	decision.Tier = tier

	if mustRoute && sessionID != "" && decision.Method != routing.MethodSession {
		s.deps.Sessions.Pin(sessionID, chain[0], tier)
	}

	decision.CostEstimate = s.estimateFor(chain[0], approxTokens, maxTokens)
	decision.BaselineCost = s.estimateFor(selector.Primary(routing.TierComplex), approxTokens, maxTokens)
	decision.Savings = llm.Savings(decision.CostEstimate, decision.BaselineCost)

	L_debug("gateway: routing decision",
		"model", decision.Model,
		"tier", tier.String(),
		"method", decision.Method,
		"confidence", decision.Confidence,
		"reasoning", decision.Reasoning,
		"chain", strings.Join(chain, ","),
		"approxTokens", approxTokens)

	if s.deps.Balance != nil {
		if err := s.deps.Balance.Authorize(chain[0], decision.CostEstimate); err != nil {
			abort()
			writeError(w, http.StatusPaymentRequired, err.Error(), "billing_error")
			return
		}
	}

	// Streaming preamble goes out before the first upstream attempt so
	// clients see life within milliseconds.
	var sw *streamWriter
	if clientWantsStreaming {
		var err error
		sw, err = newStreamWriter(w)
		if err != nil {
			abort()
			writeError(w, http.StatusInternalServerError, err.Error(), "invalid_request_error")
			return
		}
		sw.start(time.Duration(s.cfg.Heartbeat.IntervalMs) * time.Millisecond)
		defer sw.stopHeartbeat()
	}

	// Fallback loop. The context deadline bounds the whole chain, not
	// each attempt.
	var (
		winner       *llm.Success
		lastErr      *llm.CallError
		attempts     int
		usedModel    string
		usedProvider string
	)
	for _, m := range chain {
		if ctx.Err() != nil {
			break
		}
		providers := s.deps.Registry.ForModel(m)
		if len(providers) == 0 {
			L_debug("gateway: no provider claims model", "model", m)
			continue
		}
		p := providers[0]

		attemptBody := rewriteBody(sanitized, m)
		attemptChat := &chat
		if s.deps.Catalog.RequiresUserFirst(m) {
			attemptBody = ensureUserFirst(attemptBody)
			attemptChat = ensureUserFirstChat(&chat)
		}

		attempts++
		L_debug("gateway: upstream attempt", "model", m, "provider", p.ID(), "attempt", attempts)

		res := p.Execute(ctx, &llm.Request{
			Model:        m,
			Body:         attemptBody,
			Chat:         attemptChat,
			ApproxTokens: approxTokens,
			MaxTokens:    maxTokens,
		})
		if res.Success != nil {
			winner = res.Success
			usedModel = m
			usedProvider = p.ID()
			s.deps.Registry.ReportSuccess(p.ID())
			break
		}

		lastErr = res.Error
		s.deps.Registry.ReportFailure(p.ID(), res.Error.Kind)
		L_warn("gateway: upstream attempt failed",
			"model", m,
			"provider", p.ID(),
			"kind", res.Error.Kind,
			"status", res.Error.Status,
			"retryable", res.Error.Retryable)
		if !res.Error.Retryable {
			break
		}
	}

	if sw != nil {
		sw.stopHeartbeat()
	}

	if winner == nil {
		s.finishFailed(ctx, w, sw, r, lastErr, attempts, complete, completeUncached, abort)
		return
	}

	if usedModel != decision.Model {
		decision.Model = usedModel
		decision.Method = routing.MethodFallback
	}

	maxReplay := s.cfg.Dedup.MaxReplayBytes
	if maxReplay <= 0 {
		maxReplay = 8 << 20
	}
	buf, overflow, readErr := readLimited(winner.Body, maxReplay)
	defer winner.Body.Close()

	if readErr != nil {
		completeUncached(envelopeResponse(http.StatusBadGateway, "upstream response truncated"))
		if sw != nil {
			sw.writeError("upstream response truncated", http.StatusBadGateway)
		} else {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream response truncated: %v", readErr), "provider_error")
		}
		MetricFailWithReason("gateway", "chat", "body_read")
		return
	}

	if overflow {
		// Too big to retain: the owner still gets the bytes, waiters get
		// an uncached error so their retries go upstream fresh.
		MetricInc("gateway", "replay_overflow")
		completeUncached(envelopeResponse(http.StatusBadGateway,
			"identical in-flight request produced a response too large to replay; retry"))

		if sw != nil {
			sw.writeError("upstream response too large to stream", http.StatusBadGateway)
			MetricFailWithReason("gateway", "chat", "stream_overflow")
			return
		}
		copyHeader(w.Header(), winner.Header)
		w.WriteHeader(winner.Status)
		w.Write(buf)
		if _, err := io.Copy(w, winner.Body); err != nil {
			L_debug("gateway: oversized body copy interrupted", "error", err)
		}
		s.accountSuccess(decision, tier, usedProvider, attempts, 0, 0, approxTokens, maxTokens, clientWantsStreaming, start)
		return
	}

	promptToks, completionToks := extractUsage(buf)

	if sw != nil {
		if err := synthesizeStream(sw, buf, includeUsage); err != nil {
			L_warn("gateway: SSE synthesis failed", "error", err)
			completeUncached(envelopeResponse(http.StatusBadGateway, "upstream returned an unreadable response"))
			sw.writeError("upstream returned an unreadable response", http.StatusBadGateway)
			MetricFailWithReason("gateway", "chat", "synthesis")
			return
		}
		complete(&dedup.Response{Status: http.StatusOK, Header: sseHeader(), Body: sw.replayBytes()})
	} else {
		copyHeader(w.Header(), winner.Header)
		w.WriteHeader(winner.Status)
		w.Write(buf)
		complete(&dedup.Response{Status: winner.Status, Header: winner.Header, Body: buf})
	}

	s.accountSuccess(decision, tier, usedProvider, attempts, promptToks, completionToks, approxTokens, maxTokens, clientWantsStreaming, start)
}

// finishFailed resolves a request with no upstream success: a client
// disconnect, a deadline expiry, an empty chain, or a terminal upstream
// error.
func (s *Server) finishFailed(
	ctx context.Context,
	w http.ResponseWriter,
	sw *streamWriter,
	r *http.Request,
	lastErr *llm.CallError,
	attempts int,
	complete func(*dedup.Response),
	completeUncached func(*dedup.Response),
	abort func(),
) {
	if r.Context().Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Client gone: release the entry so a retry can go upstream,
		// and skip accounting.
		abort()
		MetricInc("gateway", "client_disconnect")
		L_debug("gateway: client disconnected before completion")
		return
	}

	if ctx.Err() == context.DeadlineExceeded {
		completeUncached(envelopeResponse(http.StatusBadGateway, "request deadline exceeded"))
		if sw != nil {
			sw.writeError("request deadline exceeded", http.StatusBadGateway)
		} else {
			writeError(w, http.StatusBadGateway, "request deadline exceeded", "provider_error")
		}
		MetricFailWithReason("gateway", "chat", "deadline")
		return
	}

	if lastErr == nil {
		completeUncached(envelopeResponse(http.StatusBadGateway, "no provider available for the requested model"))
		if sw != nil {
			sw.writeError("no provider available for the requested model", http.StatusBadGateway)
		} else {
			writeError(w, http.StatusBadGateway, "no provider available for the requested model", "provider_error")
		}
		MetricFailWithReason("gateway", "chat", "no_provider")
		return
	}

	status := lastErr.Status
	if status == 0 {
		status = http.StatusBadGateway
	}

	L_error("gateway: request failed",
		"attempts", attempts,
		"kind", lastErr.Kind,
		"status", lastErr.Status)
	MetricFailWithReason("gateway", "chat", string(lastErr.Kind))

	if sw != nil {
		sw.writeError(lastErr.Error(), status)
		complete(&dedup.Response{Status: http.StatusOK, Header: sseHeader(), Body: sw.replayBytes()})
		return
	}

	// Errors that carried an upstream body forward it verbatim; pure
	// transport failures get the envelope.
	var respBody []byte
	if lastErr.Status > 0 && len(lastErr.Body) > 0 {
		respBody = lastErr.Body
	} else {
		respBody, _ = json.Marshal(errorEnvelope(lastErr.Error(), "provider_error"))
	}
	complete(&dedup.Response{Status: status, Header: jsonHeader(), Body: respBody})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

// accountSuccess settles cost bookkeeping and emits the usage event for a
// served request. Token counts of zero mean the upstream reported none.
func (s *Server) accountSuccess(
	decision routing.Decision,
	tier routing.Tier,
	provider string,
	attempts, promptToks, completionToks, approxTokens, maxTokens int,
	streamed bool,
	start time.Time,
) {
	finalCost := decision.CostEstimate
	if promptToks+completionToks > 0 {
		finalCost = s.estimateFor(decision.Model, promptToks, completionToks)
	} else if decision.Method == routing.MethodFallback {
		finalCost = s.estimateFor(decision.Model, approxTokens, maxTokens)
	}

	if s.deps.Balance != nil {
		s.deps.Balance.Debit(decision.Model, finalCost)
	}

	saved := decision.BaselineCost - finalCost
	if saved < 0 {
		saved = 0
	}

	latency := time.Since(start)
	s.deps.Usage.Emit(usage.Event{
		Model:            decision.Model,
		Provider:         provider,
		Tier:             tier.String(),
		Method:           decision.Method,
		Attempts:         attempts,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		CostEstimate:     finalCost,
		BaselineCost:     decision.BaselineCost,
		Savings:          saved,
		LatencyMs:        latency.Milliseconds(),
		Streamed:         streamed,
	})

	MetricSuccess("gateway", "chat")
	MetricDuration("gateway", "chat", latency)
	MetricCost("gateway", "chat", llm.MicroUSD(finalCost))
	L_info("gateway: request served",
		"model", decision.Model,
		"provider", provider,
		"tier", tier.String(),
		"method", decision.Method,
		"attempts", attempts,
		"cost", fmt.Sprintf("%.6f", finalCost),
		"duration", latency)
}

// estimateFor projects the USD cost of serving the given token volume
// with a model.
func (s *Server) estimateFor(model string, inputTokens, outputTokens int) float64 {
	m, ok := s.deps.Catalog.Get(model)
	if !ok {
		return 0
	}
	return llm.EstimateCost(llm.Pricing{
		InputPerM:  m.InputPricePerMillion,
		OutputPerM: m.OutputPricePerMillion,
	}, inputTokens, outputTokens)
}

// approximateTokens estimates the input size of the whole conversation,
// tool schemas included.
func (s *Server) approximateTokens(chat *openai.ChatCompletionRequest) int {
	total := 0
	for _, m := range chat.Messages {
		total += s.estimator.CountWithOverhead(messageText(m), tokens.MessageOverhead)
		for _, tc := range m.ToolCalls {
			total += s.estimator.Count(tc.Function.Arguments)
		}
	}
	if len(chat.Tools) > 0 {
		if data, err := json.Marshal(chat.Tools); err == nil {
			total += s.estimator.Count(string(data))
		}
	}
	return total
}

// messageText flattens a message's content, joining text parts of
// structured content.
func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.MultiContent) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range m.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// promptViews extracts the classifier inputs: the last non-empty user
// message and the first system or developer message.
func promptViews(chat *openai.ChatCompletionRequest) (prompt, systemPrompt string) {
	for _, m := range chat.Messages {
		switch m.Role {
		case openai.ChatMessageRoleUser:
			if text := messageText(m); text != "" {
				prompt = text
			}
		case openai.ChatMessageRoleSystem, "developer":
			if systemPrompt == "" {
				systemPrompt = messageText(m)
			}
		}
	}
	return prompt, systemPrompt
}

// rewriteBody applies the gateway's outbound edits to the raw body in one
// parse: the model replacement, stream forced off, and stream_options
// dropped (upstreams reject it on non-streaming calls). Unknown fields
// ride along untouched.
func rewriteBody(body []byte, model string) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	if model != "" {
		if packed, err := json.Marshal(model); err == nil {
			envelope["model"] = packed
		}
	}
	envelope["stream"] = json.RawMessage("false")
	delete(envelope, "stream_options")
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return out
}

// ensureUserFirst inserts the placeholder user turn into the raw body
// when the first non-system message is not a user turn.
func ensureUserFirst(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(envelope["messages"], &messages); err != nil {
		return body
	}

	insertAt := -1
	for i, raw := range messages {
		var peek struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return body
		}
		if peek.Role == "system" || peek.Role == "developer" {
			continue
		}
		if peek.Role != "user" {
			insertAt = i
		}
		break
	}
	if insertAt < 0 {
		return body
	}

	placeholder := json.RawMessage(fmt.Sprintf(`{"role":"user","content":%q}`, placeholderUserMessage))
	out := make([]json.RawMessage, 0, len(messages)+1)
	out = append(out, messages[:insertAt]...)
	out = append(out, placeholder)
	out = append(out, messages[insertAt:]...)

	packed, err := json.Marshal(out)
	if err != nil {
		return body
	}
	envelope["messages"] = packed
	rebuilt, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return rebuilt
}

// ensureUserFirstChat is the parsed-view twin of ensureUserFirst. The
// original request is left alone; callers get a copy when an insert
// happens.
func ensureUserFirstChat(chat *openai.ChatCompletionRequest) *openai.ChatCompletionRequest {
	insertAt := -1
	for i, m := range chat.Messages {
		if m.Role == openai.ChatMessageRoleSystem || m.Role == "developer" {
			continue
		}
		if m.Role != openai.ChatMessageRoleUser {
			insertAt = i
		}
		break
	}
	if insertAt < 0 {
		return chat
	}

	clone := *chat
	msgs := make([]openai.ChatCompletionMessage, 0, len(chat.Messages)+1)
	msgs = append(msgs, chat.Messages[:insertAt]...)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: placeholderUserMessage,
	})
	msgs = append(msgs, chat.Messages[insertAt:]...)
	clone.Messages = msgs
	return &clone
}

// extractUsage pulls token counts from a buffered upstream response.
func extractUsage(body []byte) (prompt, completion int) {
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0
	}
	return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
}

// readLimited buffers up to limit bytes. The second return reports that
// the reader has more data left unread.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return buf, false, err
	}
	if int64(len(buf)) > limit {
		return buf, true, nil
	}
	return buf, false, nil
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

func sseHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	return h
}

// envelopeResponse builds a gateway-authored provider_error response for
// dedup resolution.
func envelopeResponse(status int, message string) *dedup.Response {
	body, _ := json.Marshal(errorEnvelope(message, "provider_error"))
	return &dedup.Response{Status: status, Header: jsonHeader(), Body: body}
}
