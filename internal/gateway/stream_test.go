package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/blockrun/blockrun/internal/config"
)

// sseFrames splits a raw SSE body into comment lines and data payloads.
func sseFrames(t *testing.T, body []byte) (comments []string, data []string) {
	t.Helper()
	for _, frame := range strings.Split(string(body), "\n\n") {
		frame = strings.TrimSpace(frame)
		switch {
		case frame == "":
		case strings.HasPrefix(frame, ":"):
			comments = append(comments, frame)
		case strings.HasPrefix(frame, "data: "):
			data = append(data, strings.TrimPrefix(frame, "data: "))
		default:
			t.Fatalf("unrecognized SSE frame: %q", frame)
		}
	}
	return comments, data
}

type testChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role     string  `json:"role"`
			Content  *string `json:"content"`
			ToolCall []struct {
				ID string `json:"id"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func parseChunk(t *testing.T, raw string) testChunk {
	t.Helper()
	var c testChunk
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("parse chunk %q: %v", raw, err)
	}
	return c
}

func TestStreamingSynthesizesChunksFromBufferedResponse(t *testing.T) {
	up := &fakeUpstream{}
	gw, _ := newTestGateway(t, up, nil)

	resp := postChat(t, gw, `{"model":"auto","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"What is 2+2?"}]}`, nil)
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// The heartbeat goes out before the upstream call resolves.
	if !strings.HasPrefix(string(body), ": heartbeat\n\n") {
		t.Errorf("stream does not open with a heartbeat: %q", string(body)[:40])
	}

	_, data := sseFrames(t, body)
	if len(data) < 4 {
		t.Fatalf("data frames = %d, want at least role/content/finish/usage + [DONE]: %v", len(data), data)
	}
	if data[len(data)-1] != "[DONE]" {
		t.Fatalf("last frame = %q, want [DONE]", data[len(data)-1])
	}

	role := parseChunk(t, data[0])
	if role.Object != "chat.completion.chunk" {
		t.Errorf("chunk object = %q, want chat.completion.chunk", role.Object)
	}
	if len(role.Choices) != 1 || role.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk is not the assistant role chunk: %s", data[0])
	}
	if role.Choices[0].FinishReason != nil {
		t.Errorf("role chunk finish_reason = %v, want null", *role.Choices[0].FinishReason)
	}
	// Non-final chunks carry an explicit null, not an omitted key.
	if !strings.Contains(data[0], `"finish_reason":null`) {
		t.Errorf("role chunk must spell out finish_reason:null: %s", data[0])
	}

	content := parseChunk(t, data[1])
	if content.Choices[0].Delta.Content == nil || *content.Choices[0].Delta.Content != "canned reply" {
		t.Errorf("content chunk = %s, want delta.content \"canned reply\"", data[1])
	}

	finish := parseChunk(t, data[2])
	if finish.Choices[0].FinishReason == nil || *finish.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk = %s, want finish_reason stop", data[2])
	}

	usageChunk := parseChunk(t, data[3])
	if usageChunk.Usage == nil || usageChunk.Usage.TotalTokens != 15 {
		t.Errorf("usage chunk = %s, want total_tokens 15", data[3])
	}
}

func TestHeartbeatsContinueWhileUpstreamIsSlow(t *testing.T) {
	up := &fakeUpstream{
		respond: func(w http.ResponseWriter, model string, body []byte) {
			time.Sleep(120 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, completionJSON(model, "slow reply"))
		},
	}
	gw, _ := newTestGateway(t, up, func(cfg *config.Config) {
		cfg.Heartbeat.IntervalMs = 20
	})

	resp := postChat(t, gw, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"What is 2+2?"}]}`, nil)
	body := readAll(t, resp)

	comments, data := sseFrames(t, body)
	if len(comments) < 3 {
		t.Errorf("heartbeats = %d, want several during a 120ms upstream wait", len(comments))
	}
	if len(data) == 0 || data[len(data)-1] != "[DONE]" {
		t.Errorf("stream did not finish with [DONE]: %v", data)
	}

	// Heartbeats all precede the first payload frame.
	raw := string(body)
	if last := strings.LastIndex(raw, ": heartbeat"); last > strings.Index(raw, "data: ") {
		t.Errorf("heartbeat written after payload frames began")
	}
}

func TestStreamedUpstreamFailureStaysSSE(t *testing.T) {
	up := &fakeUpstream{
		respond: func(w http.ResponseWriter, model string, body []byte) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"messages must not be empty","type":"invalid_request_error"}}`)
		},
	}
	gw, _ := newTestGateway(t, up, nil)

	resp := postChat(t, gw, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"What is 2+2?"}]}`, nil)
	body := readAll(t, resp)

	// Headers went out with the heartbeat, so the error arrives in-band.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (SSE already started)", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	_, data := sseFrames(t, body)
	if len(data) != 2 {
		t.Fatalf("data frames = %v, want error frame + [DONE]", data)
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  int    `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data[0]), &env); err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	if env.Error.Status != http.StatusBadRequest {
		t.Errorf("error frame status = %d, want 400", env.Error.Status)
	}
	if env.Error.Message == "" {
		t.Errorf("error frame has no message")
	}
	if data[1] != "[DONE]" {
		t.Errorf("stream not terminated after error frame")
	}
}

func TestStreamingReasoningPromptRoutesToReasoningTier(t *testing.T) {
	up := &fakeUpstream{}
	gw, _ := newTestGateway(t, up, nil)

	resp := postChat(t, gw, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"Prove that sqrt(2) is irrational, step by step."}]}`, nil)
	body := readAll(t, resp)

	if got := up.call(0).Model; got != "gpt-5" {
		t.Fatalf("upstream model = %q, want the reasoning tier primary gpt-5", got)
	}

	// The synthesized chunks carry the model the upstream actually served.
	_, data := sseFrames(t, body)
	if len(data) < 2 {
		t.Fatalf("data frames = %v", data)
	}
	if role := parseChunk(t, data[0]); role.Model != "gpt-5" {
		t.Errorf("chunk model = %q, want gpt-5", role.Model)
	}
}

func TestThinkingMarkersStrippedFromStreamedContent(t *testing.T) {
	up := &fakeUpstream{
		respond: func(w http.ResponseWriter, model string, body []byte) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, completionJSON(model, "<thinking>internal scratchpad</thinking>visible answer"))
		},
	}
	gw, _ := newTestGateway(t, up, nil)

	resp := postChat(t, gw, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"What is 2+2?"}]}`, nil)
	body := readAll(t, resp)

	_, data := sseFrames(t, body)
	content := parseChunk(t, data[1])
	if content.Choices[0].Delta.Content == nil {
		t.Fatalf("no content chunk: %v", data)
	}
	if got := *content.Choices[0].Delta.Content; got != "visible answer" {
		t.Errorf("streamed content = %q, want thinking markers removed", got)
	}
}

func TestStreamedResponseReplaysWithoutHeartbeats(t *testing.T) {
	up := &fakeUpstream{}
	gw, _ := newTestGateway(t, up, nil)

	reqBody := `{"model":"auto","stream":true,"messages":[{"role":"user","content":"What is 2+2?"}]}`
	first := readAll(t, postChat(t, gw, reqBody, nil))

	resp := postChat(t, gw, reqBody, nil)
	second := readAll(t, resp)

	if got := up.callCount(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("replay Content-Type = %q", ct)
	}

	comments, data := sseFrames(t, second)
	if len(comments) != 0 {
		t.Errorf("replay contains heartbeats: %v", comments)
	}
	if len(data) == 0 || data[len(data)-1] != "[DONE]" {
		t.Fatalf("replayed stream malformed: %v", data)
	}

	// Replay equals the original minus its heartbeat comments.
	_, firstData := sseFrames(t, first)
	if len(firstData) != len(data) {
		t.Errorf("replay frames = %d, original = %d", len(data), len(firstData))
	}
	for i := range data {
		if i < len(firstData) && data[i] != firstData[i] {
			t.Errorf("replay frame %d differs:\ngot  %s\nwant %s", i, data[i], firstData[i])
		}
	}
}
