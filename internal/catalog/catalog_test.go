package catalog

import (
	"testing"
)

func TestLoadEmbedded(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Len() < 25 {
		t.Errorf("Len() = %d, want a catalog of at least 25 models", c.Len())
	}
	auto, ok := c.Get(AutoID)
	if !ok {
		t.Fatalf("catalog is missing the %q entry", AutoID)
	}
	if !auto.IsAuto() {
		t.Errorf("IsAuto() = false for the auto entry")
	}
	if auto.InputPricePerMillion != 0 || auto.OutputPricePerMillion != 0 {
		t.Errorf("auto entry has nonzero pricing: in=%v out=%v",
			auto.InputPricePerMillion, auto.OutputPricePerMillion)
	}

	families := map[string]bool{}
	for _, m := range c.ServableModels() {
		if m.ID == "" {
			t.Errorf("model with empty id in catalog")
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %s has contextWindow %d", m.ID, m.ContextWindow)
		}
		families[m.Family] = true
	}
	if len(families) < 5 {
		t.Errorf("catalog spans %d families, want at least 5", len(families))
	}
}

func TestServableModelsExcludesAuto(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, m := range c.ServableModels() {
		if m.IsAuto() {
			t.Fatalf("ServableModels() includes the synthetic auto entry")
		}
	}
	if len(c.ServableModels()) != c.Len()-1 {
		t.Errorf("ServableModels() = %d entries, want %d", len(c.ServableModels()), c.Len()-1)
	}
}

func TestResolve(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"alias", "sonnet", "anthropic/claude-sonnet-4.5"},
		{"alias uppercase", "SONNET", "anthropic/claude-sonnet-4.5"},
		{"alias padded", "  opus  ", "anthropic/claude-opus-4.1"},
		{"full id passthrough", "openai/gpt-5", "openai/gpt-5"},
		{"full id case folded", "OpenAI/GPT-5", "openai/gpt-5"},
		{"unknown passthrough", "acme/unreleased-model", "acme/unreleased-model"},
		{"auto untouched", "auto", "auto"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Resolve(tt.in); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	inputs := []string{"sonnet", "GROK", "openai/gpt-5", "unknown-model", "  flash "}
	for _, in := range inputs {
		once := c.Resolve(in)
		twice := c.Resolve(once)
		if once != twice {
			t.Errorf("Resolve not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	c := New()
	m := Model{ID: "test/model-a", ContextWindow: 1000}
	if err := c.Register(m); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(m); err == nil {
		t.Fatal("Register() accepted a duplicate id")
	}
	if err := c.Register(Model{ID: "  TEST/MODEL-A "}); err == nil {
		t.Fatal("Register() accepted a case-variant duplicate id")
	}
}

func TestAddAliasValidation(t *testing.T) {
	c := New()
	if err := c.Register(Model{ID: "test/model-a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		alias   string
		target  string
		wantErr bool
	}{
		{"valid", "shorty", "test/model-a", false},
		{"unknown target", "ghost", "test/missing", true},
		{"alias shadows model id", "test/model-a", "test/model-a", true},
		{"empty alias", "", "test/model-a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.AddAlias(tt.alias, tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("AddAlias(%q, %q) error = %v, wantErr %v", tt.alias, tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestRequiresUserFirst(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		id   string
		want bool
	}{
		{"anthropic/claude-sonnet-4.5", true},
		{"deepseek/deepseek-r1", true},
		{"openai/gpt-5", false},
		{"google/gemini-2.5-flash", false},
		{"nonexistent/model", false},
	}
	for _, tt := range tests {
		if got := c.RequiresUserFirst(tt.id); got != tt.want {
			t.Errorf("RequiresUserFirst(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
