package gateway

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestRewriteBody(t *testing.T) {
	body := []byte(`{"model":"auto","stream":true,"stream_options":{"include_usage":true},"temperature":0.5,"vendor_extension":{"a":1},"messages":[{"role":"user","content":"hi"}]}`)

	out := rewriteBody(body, "gpt-5-mini")

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(out, &envelope); err != nil {
		t.Fatalf("rewritten body is not JSON: %v", err)
	}
	if got := string(envelope["model"]); got != `"gpt-5-mini"` {
		t.Errorf("model = %s, want \"gpt-5-mini\"", got)
	}
	if got := string(envelope["stream"]); got != "false" {
		t.Errorf("stream = %s, want false", got)
	}
	if _, present := envelope["stream_options"]; present {
		t.Errorf("stream_options survived the rewrite")
	}
	if got := string(envelope["temperature"]); got != "0.5" {
		t.Errorf("temperature = %s, want 0.5 preserved", got)
	}
	if _, present := envelope["vendor_extension"]; !present {
		t.Errorf("unknown fields must ride along")
	}
}

func TestRewriteBodyLeavesUnparseableInputAlone(t *testing.T) {
	body := []byte("not json at all")
	if out := rewriteBody(body, "m"); string(out) != string(body) {
		t.Errorf("rewriteBody mangled an unparseable body: %q", out)
	}
}

func TestEnsureUserFirst(t *testing.T) {
	tests := []struct {
		name      string
		roles     []string
		wantRoles []string
	}{
		{
			name:      "assistant first",
			roles:     []string{"assistant", "user"},
			wantRoles: []string{"user", "assistant", "user"},
		},
		{
			name:      "system then assistant",
			roles:     []string{"system", "assistant"},
			wantRoles: []string{"system", "user", "assistant"},
		},
		{
			name:      "developer then tool",
			roles:     []string{"developer", "tool"},
			wantRoles: []string{"developer", "user", "tool"},
		},
		{
			name:      "already user first",
			roles:     []string{"user", "assistant"},
			wantRoles: []string{"user", "assistant"},
		},
		{
			name:      "system then user",
			roles:     []string{"system", "user"},
			wantRoles: []string{"system", "user"},
		},
		{
			name:      "only system",
			roles:     []string{"system"},
			wantRoles: []string{"system"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := make([]string, len(tt.roles))
			for i, role := range tt.roles {
				msgs[i] = `{"role":"` + role + `","content":"x"}`
			}
			body := []byte(`{"model":"m","messages":[` + strings.Join(msgs, ",") + `]}`)

			out := ensureUserFirst(body)

			var parsed struct {
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.Unmarshal(out, &parsed); err != nil {
				t.Fatalf("output not JSON: %v", err)
			}
			roles := make([]string, len(parsed.Messages))
			for i, m := range parsed.Messages {
				roles[i] = m.Role
			}
			if len(roles) != len(tt.wantRoles) {
				t.Fatalf("roles = %v, want %v", roles, tt.wantRoles)
			}
			for i := range roles {
				if roles[i] != tt.wantRoles[i] {
					t.Fatalf("roles = %v, want %v", roles, tt.wantRoles)
				}
			}
			// An inserted turn carries the placeholder text.
			if len(tt.wantRoles) > len(tt.roles) {
				var found bool
				for _, m := range parsed.Messages {
					if m.Content == placeholderUserMessage {
						found = true
					}
				}
				if !found {
					t.Errorf("no placeholder turn in %s", out)
				}
			}
		})
	}
}

func TestEnsureUserFirstChatClonesOnInsert(t *testing.T) {
	chat := &openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "sys"},
			{Role: openai.ChatMessageRoleAssistant, Content: "prev"},
		},
	}

	got := ensureUserFirstChat(chat)
	if got == chat {
		t.Fatalf("expected a clone when inserting")
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Messages))
	}
	if got.Messages[1].Role != openai.ChatMessageRoleUser || got.Messages[1].Content != placeholderUserMessage {
		t.Errorf("inserted turn = %+v", got.Messages[1])
	}
	// The caller's request is untouched.
	if len(chat.Messages) != 2 {
		t.Errorf("original request mutated: %d messages", len(chat.Messages))
	}
}

func TestEnsureUserFirstChatNoopReturnsSame(t *testing.T) {
	chat := &openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	}
	if got := ensureUserFirstChat(chat); got != chat {
		t.Errorf("no-op case must return the original request")
	}
}

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		wantPrompt     int
		wantCompletion int
	}{
		{"present", `{"usage":{"prompt_tokens":12,"completion_tokens":34}}`, 12, 34},
		{"absent", `{"choices":[]}`, 0, 0},
		{"not json", `<oops>`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, completion := extractUsage([]byte(tt.body))
			if prompt != tt.wantPrompt || completion != tt.wantCompletion {
				t.Errorf("extractUsage = (%d, %d), want (%d, %d)", prompt, completion, tt.wantPrompt, tt.wantCompletion)
			}
		})
	}
}

func TestReadLimited(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		limit        int64
		wantLen      int
		wantOverflow bool
	}{
		{"under", "abc", 10, 3, false},
		{"exact", "abcde", 5, 5, false},
		{"over", "abcdefgh", 5, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, overflow, err := readLimited(strings.NewReader(tt.input), tt.limit)
			if err != nil {
				t.Fatalf("readLimited: %v", err)
			}
			if len(buf) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(buf), tt.wantLen)
			}
			if overflow != tt.wantOverflow {
				t.Errorf("overflow = %v, want %v", overflow, tt.wantOverflow)
			}
		})
	}
}

func TestReadLimitedPropagatesReadErrors(t *testing.T) {
	r := io.MultiReader(strings.NewReader("abc"), errReader{})
	if _, _, err := readLimited(r, 100); err == nil {
		t.Fatalf("expected the reader error to surface")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestPromptViews(t *testing.T) {
	chat := &openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: "developer", Content: "be terse"},
			{Role: openai.ChatMessageRoleSystem, Content: "ignored, developer came first"},
			{Role: openai.ChatMessageRoleUser, Content: "first question"},
			{Role: openai.ChatMessageRoleAssistant, Content: "an answer"},
			{Role: openai.ChatMessageRoleUser, Content: "second question"},
		},
	}
	prompt, system := promptViews(chat)
	if prompt != "second question" {
		t.Errorf("prompt = %q, want the last user turn", prompt)
	}
	if system != "be terse" {
		t.Errorf("systemPrompt = %q, want the first system-like turn", system)
	}
}

func TestPromptViewsSkipsEmptyUserTurns(t *testing.T) {
	chat := &openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "real question"},
			{Role: openai.ChatMessageRoleUser, Content: ""},
		},
	}
	prompt, _ := promptViews(chat)
	if prompt != "real question" {
		t.Errorf("prompt = %q, empty trailing turn must not win", prompt)
	}
}

func TestMessageTextJoinsMultiContent(t *testing.T) {
	m := openai.ChatCompletionMessage{
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "part one"},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "https://example.com/i.png"}},
			{Type: openai.ChatMessagePartTypeText, Text: "part two"},
		},
	}
	if got := messageText(m); got != "part one\npart two" {
		t.Errorf("messageText = %q", got)
	}
}
