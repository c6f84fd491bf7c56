package routing

import (
	"reflect"
	"testing"

	"github.com/blockrun/blockrun/internal/catalog"
	"github.com/blockrun/blockrun/internal/config"
)

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		Tiers: map[string]config.TierConfig{
			"simple": {
				Primary:  "google/gemini-2.5-flash-lite",
				Fallback: []string{"mistral/codestral", "meta/llama-3.3-70b"},
			},
			"medium": {
				Primary:  "openai/gpt-5-mini",
				Fallback: []string{"google/gemini-2.5-flash", "deepseek/deepseek-v3"},
			},
			"complex": {
				Primary:  "anthropic/claude-sonnet-4.5",
				Fallback: []string{"openai/gpt-5", "google/gemini-2.5-pro"},
			},
			"reasoning": {
				Primary:  "openai/gpt-5",
				Fallback: []string{"anthropic/claude-opus-4.1", "deepseek/deepseek-r1"},
			},
		},
		LastResort: "openai/gpt-5-mini",
	}
}

func newTestSelector(t *testing.T, maxAttempts int) *Selector {
	t.Helper()
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load() error = %v", err)
	}
	sel, err := NewSelector(cat, testRoutingConfig(), maxAttempts)
	if err != nil {
		t.Fatalf("NewSelector() error = %v", err)
	}
	return sel
}

func TestNewSelectorValidatesModels(t *testing.T) {
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load() error = %v", err)
	}

	rc := testRoutingConfig()
	rc.Tiers["medium"] = config.TierConfig{Primary: "ghost/not-real"}
	if _, err := NewSelector(cat, rc, 3); err == nil {
		t.Error("NewSelector accepted a primary missing from the catalog")
	}

	rc = testRoutingConfig()
	rc.LastResort = "ghost/not-real"
	if _, err := NewSelector(cat, rc, 3); err == nil {
		t.Error("NewSelector accepted a last resort missing from the catalog")
	}

	rc = testRoutingConfig()
	delete(rc.Tiers, "reasoning")
	if _, err := NewSelector(cat, rc, 3); err == nil {
		t.Error("NewSelector accepted a config with a missing tier")
	}

	if _, err := NewSelector(cat, testRoutingConfig(), 0); err == nil {
		t.Error("NewSelector accepted maxAttempts 0")
	}
}

func TestChainBasicOrder(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierMedium, Constraints{ApproxTokens: 100, MaxTokens: 1000})
	want := []string{"openai/gpt-5-mini", "google/gemini-2.5-flash", "deepseek/deepseek-v3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want %v", got, want)
	}
}

func TestChainTruncatesToMaxAttempts(t *testing.T) {
	sel := newTestSelector(t, 2)
	got := sel.Chain(TierMedium, Constraints{ApproxTokens: 100, MaxTokens: 1000})
	if len(got) != 2 {
		t.Fatalf("len(Chain) = %d, want 2", len(got))
	}
	if got[0] != "openai/gpt-5-mini" || got[1] != "google/gemini-2.5-flash" {
		t.Errorf("Chain = %v, want first two of the tier order", got)
	}
}

func TestChainPinFirst(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierMedium, Constraints{
		ApproxTokens: 100,
		MaxTokens:    1000,
		PinnedModel:  "anthropic/claude-haiku-4.5",
	})
	if got[0] != "anthropic/claude-haiku-4.5" {
		t.Errorf("Chain[0] = %q, want the session pin first", got[0])
	}
	if got[1] != "openai/gpt-5-mini" {
		t.Errorf("Chain[1] = %q, want the tier primary after the pin", got[1])
	}
}

func TestChainPinDedupedAgainstPrimary(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierMedium, Constraints{
		ApproxTokens: 100,
		MaxTokens:    1000,
		PinnedModel:  "openai/gpt-5-mini",
	})
	want := []string{"openai/gpt-5-mini", "google/gemini-2.5-flash", "deepseek/deepseek-v3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want %v without a duplicate pin", got, want)
	}
}

func TestChainUnknownPinDropped(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierMedium, Constraints{
		ApproxTokens: 100,
		MaxTokens:    1000,
		PinnedModel:  "ghost/removed-model",
	})
	want := []string{"openai/gpt-5-mini", "google/gemini-2.5-flash", "deepseek/deepseek-v3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want unknown pin dropped", got)
	}
}

func TestChainContextFilter(t *testing.T) {
	sel := newTestSelector(t, 3)
	// 200k total drops deepseek-v3 (131072) but keeps the 400k and 1M
	// window models.
	got := sel.Chain(TierMedium, Constraints{ApproxTokens: 150000, MaxTokens: 50000})
	want := []string{"openai/gpt-5-mini", "google/gemini-2.5-flash"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want %v", got, want)
	}
}

func TestChainToolDemote(t *testing.T) {
	sel := newTestSelector(t, 3)
	// deepseek-r1 lacks tool use; with tools present it moves behind
	// the tool-capable models while the rest keep their order.
	got := sel.Chain(TierReasoning, Constraints{ApproxTokens: 100, MaxTokens: 1000, HasTools: true})
	want := []string{"openai/gpt-5", "anthropic/claude-opus-4.1", "deepseek/deepseek-r1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want %v", got, want)
	}

	// Without tools the configured order is untouched.
	got = sel.Chain(TierReasoning, Constraints{ApproxTokens: 100, MaxTokens: 1000})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want %v", got, want)
	}
}

func TestChainToolDemoteReorders(t *testing.T) {
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load() error = %v", err)
	}
	rc := testRoutingConfig()
	rc.Tiers["medium"] = config.TierConfig{
		Primary:  "deepseek/deepseek-r1",
		Fallback: []string{"openai/gpt-5-mini", "google/gemini-2.5-flash"},
	}
	sel, err := NewSelector(cat, rc, 3)
	if err != nil {
		t.Fatalf("NewSelector() error = %v", err)
	}

	got := sel.Chain(TierMedium, Constraints{ApproxTokens: 100, MaxTokens: 1000, HasTools: true})
	want := []string{"openai/gpt-5-mini", "google/gemini-2.5-flash", "deepseek/deepseek-r1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want tool-capable models promoted", got)
	}
}

func TestChainAgenticPreference(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierSimple, Constraints{ApproxTokens: 100, MaxTokens: 1000, PreferAgentic: true})
	want := []string{"mistral/codestral", "google/gemini-2.5-flash-lite", "meta/llama-3.3-70b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want agentic-capable model promoted", got)
	}
}

func TestChainLastResort(t *testing.T) {
	sel := newTestSelector(t, 3)
	// Nothing can hold ten million tokens; the chain still must not be
	// empty.
	got := sel.Chain(TierSimple, Constraints{ApproxTokens: 10000000, MaxTokens: 4096})
	want := []string{"openai/gpt-5-mini"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain = %v, want the last resort alone", got)
	}
}

func TestChainInvalidTierFallsBackToMedium(t *testing.T) {
	sel := newTestSelector(t, 3)
	got := sel.Chain(TierNone, Constraints{ApproxTokens: 100, MaxTokens: 1000})
	want := sel.Chain(TierMedium, Constraints{ApproxTokens: 100, MaxTokens: 1000})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chain(TierNone) = %v, want the MEDIUM chain %v", got, want)
	}
}

func TestChainDeterminism(t *testing.T) {
	sel := newTestSelector(t, 3)
	c := Constraints{ApproxTokens: 5000, MaxTokens: 4096, HasTools: true, PreferAgentic: true}
	a := sel.Chain(TierComplex, c)
	b := sel.Chain(TierComplex, c)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Chain is not deterministic: %v then %v", a, b)
	}
}
