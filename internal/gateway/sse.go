package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

// Chunk shapes for synthesized streams. Local structs instead of the SDK
// types because the wire format needs an explicit null finish_reason and a
// present-but-empty content key, which the SDK cannot express.
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls []chunkToolCall `json:"tool_calls,omitempty"`
}

type chunkToolCall struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function chunkFunctionCall `json:"function"`
}

type chunkFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// streamWriter owns one SSE connection. Heartbeats run on their own
// goroutine until the first payload frame; the mutex serializes them
// against data frames so a heartbeat never lands inside a partially
// written event. Payload frames are retained for dedup replay,
// heartbeats are not.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	payload bool
	replay  bytes.Buffer

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &streamWriter{
		w:       w,
		flusher: flusher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// start writes the SSE preamble and the first heartbeat, then keeps the
// connection warm every interval until a payload frame arrives or
// stopHeartbeat is called.
func (sw *streamWriter) start(interval time.Duration) {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	sw.writeHeartbeat()

	sw.started = true
	go sw.heartbeatLoop(interval)
}

func (sw *streamWriter) heartbeatLoop(interval time.Duration) {
	defer close(sw.done)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !sw.writeHeartbeat() {
				return
			}
			MetricInc("gateway", "heartbeat")
		case <-sw.stop:
			return
		}
	}
}

// writeHeartbeat emits one comment frame. Returns false once payload
// frames have started and heartbeats must end.
func (sw *streamWriter) writeHeartbeat() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.payload {
		return false
	}
	io.WriteString(sw.w, ": heartbeat\n\n")
	sw.flusher.Flush()
	return true
}

// stopHeartbeat halts the keep-alive loop and waits for it to exit, so no
// heartbeat can race a payload frame written after this returns.
func (sw *streamWriter) stopHeartbeat() {
	if !sw.started {
		return
	}
	sw.stopOnce.Do(func() { close(sw.stop) })
	<-sw.done
}

// writeData emits one data frame.
func (sw *streamWriter) writeData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.payload = true
	frame := fmt.Sprintf("data: %s\n\n", data)
	if _, err := io.WriteString(sw.w, frame); err != nil {
		return err
	}
	sw.replay.WriteString(frame)
	sw.flusher.Flush()
	return nil
}

// writeDone terminates the stream.
func (sw *streamWriter) writeDone() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.payload = true
	io.WriteString(sw.w, "data: [DONE]\n\n")
	sw.replay.WriteString("data: [DONE]\n\n")
	sw.flusher.Flush()
}

// writeError emits the error frame for a stream that already sent
// headers, followed by the terminator.
func (sw *streamWriter) writeError(message string, status int) {
	frame := errorEnvelope(message, "provider_error")
	frame.Error.Status = status
	if err := sw.writeData(frame); err != nil {
		L_debug("gateway: failed to write SSE error frame", "error", err)
	}
	sw.writeDone()
}

// replayBytes returns the payload frames written so far, for dedup
// caching. Heartbeats are excluded so a replayed stream starts with data
// immediately.
func (sw *streamWriter) replayBytes() []byte {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]byte, sw.replay.Len())
	copy(out, sw.replay.Bytes())
	return out
}

// synthesizeStream translates one fully-buffered non-streaming upstream
// response into chat.completion.chunk events: role, content (plus tool
// calls when present), then the finish reason, per choice. Thinking
// markers are stripped from content on the way through.
func synthesizeStream(sw *streamWriter, body []byte, includeUsage bool) error {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse upstream response: %w", err)
	}

	id := resp.ID
	if id == "" {
		id = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	header := streamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   resp.Model,
	}

	if len(resp.Choices) == 0 {
		finish := "stop"
		chunk := header
		chunk.Choices = []chunkChoice{{Delta: chunkDelta{Role: "assistant"}}}
		if err := sw.writeData(chunk); err != nil {
			return err
		}
		chunk.Choices = []chunkChoice{{Delta: chunkDelta{}, FinishReason: &finish}}
		if err := sw.writeData(chunk); err != nil {
			return err
		}
	}

	for _, choice := range resp.Choices {
		role := chunkChoice{
			Index: choice.Index,
			Delta: chunkDelta{Role: "assistant"},
		}
		chunk := header
		chunk.Choices = []chunkChoice{role}
		if err := sw.writeData(chunk); err != nil {
			return err
		}

		content := stripThinking(choice.Message.Content)
		chunk = header
		chunk.Choices = []chunkChoice{{
			Index: choice.Index,
			Delta: chunkDelta{Content: &content},
		}}
		if err := sw.writeData(chunk); err != nil {
			return err
		}

		if len(choice.Message.ToolCalls) > 0 {
			calls := make([]chunkToolCall, 0, len(choice.Message.ToolCalls))
			for i, tc := range choice.Message.ToolCalls {
				calls = append(calls, chunkToolCall{
					Index: i,
					ID:    tc.ID,
					Type:  string(tc.Type),
					Function: chunkFunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			chunk = header
			chunk.Choices = []chunkChoice{{
				Index: choice.Index,
				Delta: chunkDelta{ToolCalls: calls},
			}}
			if err := sw.writeData(chunk); err != nil {
				return err
			}
		}

		finish := string(choice.FinishReason)
		if finish == "" {
			finish = "stop"
		}
		chunk = header
		chunk.Choices = []chunkChoice{{
			Index:        choice.Index,
			Delta:        chunkDelta{},
			FinishReason: &finish,
		}}
		if err := sw.writeData(chunk); err != nil {
			return err
		}
	}

	if includeUsage && resp.Usage.TotalTokens > 0 {
		chunk := header
		chunk.Choices = []chunkChoice{}
		chunk.Usage = &chunkUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		if err := sw.writeData(chunk); err != nil {
			return err
		}
	}

	sw.writeDone()
	return nil
}
