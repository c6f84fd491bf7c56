package llm

import (
	"testing"

	"github.com/blockrun/blockrun/internal/config"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com", "https://api.example.com/v1"},
		{"https://api.example.com/", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://api.example.com/v1"},
		{"https://api.example.com/v1/", "https://api.example.com/v1"},
		{"  https://api.example.com  ", "https://api.example.com/v1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenAIProviderClaims(t *testing.T) {
	wildcard, err := NewOpenAIProvider(config.ProviderConfig{
		ID:   "any",
		Auth: config.AuthConfig{Kind: "none"},
	}, testPricing)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if !wildcard.IsAvailable("openai/gpt-5") || !wildcard.IsAvailable("meta/llama-3.3-70b") {
		t.Errorf("wildcard provider must claim every model")
	}
	if wildcard.IsAvailable("") {
		t.Errorf("empty model id claimed")
	}

	scoped, err := NewOpenAIProvider(config.ProviderConfig{
		ID:     "scoped",
		Models: []string{"OpenAI/GPT-5", " openai/gpt-5-mini "},
		Auth:   config.AuthConfig{Kind: "none"},
	}, testPricing)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if !scoped.IsAvailable("openai/gpt-5") {
		t.Errorf("claims must match case-insensitively")
	}
	if !scoped.IsAvailable("openai/gpt-5-mini") {
		t.Errorf("claims must survive whitespace in config")
	}
	if scoped.IsAvailable("openai/gpt-4o") {
		t.Errorf("scoped provider claimed an unlisted model")
	}
}

func TestOpenAIProviderDefaultsBaseURL(t *testing.T) {
	p, err := NewOpenAIProvider(config.ProviderConfig{
		ID:   "hosted",
		Auth: config.AuthConfig{Kind: "apiKey", APIKey: "sk-x"},
	}, testPricing)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.baseURL != "https://api.openai.com/v1" {
		t.Errorf("baseURL = %q, want the hosted default", p.baseURL)
	}
}
