package routing

import (
	"reflect"
	"strings"
	"testing"

	"github.com/blockrun/blockrun/internal/config"
)

func newTestScorer() *Scorer {
	return NewScorer(config.Default().Routing)
}

func TestScoreEmptyPrompt(t *testing.T) {
	s := newTestScorer()
	for _, prompt := range []string{"", "   ", "\n\t"} {
		res := s.Score(prompt, "", 0)
		if res.Tier != TierSimple {
			t.Errorf("Score(%q) tier = %s, want SIMPLE", prompt, res.Tier)
		}
		if res.Confidence != 1.0 {
			t.Errorf("Score(%q) confidence = %v, want 1.0", prompt, res.Confidence)
		}
	}
}

func TestScoreTiers(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name         string
		prompt       string
		system       string
		approxTokens int
		wantTier     Tier
	}{
		{
			name:         "trivial question",
			prompt:       "What is 2+2?",
			approxTokens: 6,
			wantTier:     TierSimple,
		},
		{
			name:         "proof prompt hits reasoning",
			prompt:       "Prove that sqrt(2) is irrational, step by step.",
			approxTokens: 14,
			wantTier:     TierReasoning,
		},
		{
			name:         "moderate technical ask",
			prompt:       "Debug the latency on the server",
			approxTokens: 100,
			wantTier:     TierMedium,
		},
		{
			name:         "heavy infra ask",
			prompt:       "Implement a distributed cache with encryption and replication for the database",
			approxTokens: 100,
			wantTier:     TierComplex,
		},
		{
			name:         "creative short ask stays simple",
			prompt:       "Tell me a joke about a cat",
			approxTokens: 10,
			wantTier:     TierSimple,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(tt.prompt, tt.system, tt.approxTokens)
			if res.Tier != tt.wantTier {
				t.Errorf("Score(%q) tier = %s (score %.2f, conf %.2f), want %s",
					tt.prompt, res.Tier, res.Score, res.Confidence, tt.wantTier)
			}
		})
	}
}

func TestScoreReasoningOverride(t *testing.T) {
	s := newTestScorer()
	res := s.Score("Prove that sqrt(2) is irrational, step by step.", "", 14)
	if res.Tier != TierReasoning {
		t.Fatalf("tier = %s, want REASONING", res.Tier)
	}
	if res.Confidence < 0.97 {
		t.Errorf("confidence = %v, want >= 0.97", res.Confidence)
	}
	if res.ReasoningMatches < 2 {
		t.Errorf("ReasoningMatches = %d, want >= 2", res.ReasoningMatches)
	}
}

func TestScoreAmbiguousReturnsNoTier(t *testing.T) {
	s := newTestScorer()
	// Lands mid-range: three code hits plus one technical term.
	res := s.Score("Refactor this function to use a cache and explain the algorithm", "", 100)
	if res.Tier != TierNone {
		t.Fatalf("tier = %s (score %.2f, conf %.2f), want TierNone", res.Tier, res.Score, res.Confidence)
	}
	if res.Confidence >= 0.7 {
		t.Errorf("confidence = %v, want below the 0.7 threshold", res.Confidence)
	}
}

func TestScorePurity(t *testing.T) {
	s := newTestScorer()
	prompt := "First refactor the parser, then deploy it and prove the output schema is valid?"
	a := s.Score(prompt, "system", 120)
	b := s.Score(prompt, "system", 120)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Score is not pure:\nfirst  %+v\nsecond %+v", a, b)
	}
}

func TestScoreMatchCap(t *testing.T) {
	s := newTestScorer()
	res := s.Score(strings.Repeat("? ", 20), "", 100)
	// Five capped question marks at weight 0.05 each.
	if res.Score > 0.26 {
		t.Errorf("score = %v, want question dimension capped at 5 matches", res.Score)
	}
	if res.Tier != TierSimple {
		t.Errorf("tier = %s, want SIMPLE", res.Tier)
	}
}

func TestScoreScanTruncation(t *testing.T) {
	s := newTestScorer()
	padding := strings.Repeat("x ", maxKeywordScanLen/2+100)
	res := s.Score(padding+"prove the theorem step by step", "", 600)
	if res.Tier == TierReasoning {
		t.Errorf("tier = REASONING, want keywords beyond the scan window ignored")
	}
}

func TestScoreSignalsRecorded(t *testing.T) {
	s := newTestScorer()
	res := s.Score("Implement a distributed cache with encryption and replication for the database", "", 100)
	want := map[string]bool{"code": false, "technical": false}
	for _, sig := range res.Signals {
		if _, ok := want[sig]; ok {
			want[sig] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("signals %v missing %q", res.Signals, name)
		}
	}
	if res.Reasoning == "" {
		t.Errorf("Reasoning string is empty")
	}
}

func TestScoreCustomKeywordGroup(t *testing.T) {
	rc := config.Default().Routing
	rc.Scoring.Reasoning = []string{"frobnicate"}
	s := NewScorer(rc)

	res := s.Score("frobnicate the widget, then frobnicate it again", "", 100)
	if res.ReasoningMatches < 2 || res.Tier != TierReasoning {
		t.Errorf("custom group: matches %d tier %s, want 2 matches and REASONING",
			res.ReasoningMatches, res.Tier)
	}

	res = s.Score("Prove the theorem step by step.", "", 10)
	if res.ReasoningMatches != 0 {
		t.Errorf("built-in keywords still active after replacement: %d matches", res.ReasoningMatches)
	}
}

func TestClassifyAmbiguousDefaultsToMedium(t *testing.T) {
	s := newTestScorer()
	cls := s.Classify("Refactor this function to use a cache and explain the algorithm", "", 100)
	if cls.Tier != TierMedium {
		t.Errorf("tier = %s, want MEDIUM default for ambiguous scores", cls.Tier)
	}
	if cls.Method != MethodRules {
		t.Errorf("method = %q, want rules", cls.Method)
	}
}

func TestClassifyLargeContextOverride(t *testing.T) {
	s := newTestScorer()
	cls := s.Classify("What is 2+2?", "", 150000)
	if cls.Tier != TierComplex {
		t.Errorf("tier = %s, want COMPLEX forced by large context", cls.Tier)
	}
	if cls.Method != MethodOverride {
		t.Errorf("method = %q, want override", cls.Method)
	}
}

func TestClassifyStructuredOutputRaise(t *testing.T) {
	s := newTestScorer()
	cls := s.Classify("What is 2+2?", "Respond only with JSON matching the schema.", 6)
	if cls.Tier != TierMedium {
		t.Errorf("tier = %s, want raised to MEDIUM", cls.Tier)
	}
	if cls.Method != MethodOverride {
		t.Errorf("method = %q, want override", cls.Method)
	}
}

func TestClassifyStructuredOutputDisabled(t *testing.T) {
	rc := config.Default().Routing
	off := false
	rc.Overrides.StructuredOutput = &off
	s := NewScorer(rc)

	cls := s.Classify("What is 2+2?", "Respond only with JSON matching the schema.", 6)
	if cls.Tier != TierSimple {
		t.Errorf("tier = %s, want SIMPLE with the raise disabled", cls.Tier)
	}
}

func TestClassifyAgenticPreference(t *testing.T) {
	s := newTestScorer()
	cls := s.Classify("Run the unit test suite, fix the failures, and deploy the service", "", 40)
	if !cls.PreferAgentic {
		t.Errorf("PreferAgentic = false, want true for %d agentic matches", cls.Result.AgenticMatches)
	}
}

func TestCompileGroupEdges(t *testing.T) {
	re := compileGroup("test", []string{"```", "o(n", "prove"})
	if re == nil {
		t.Fatal("compileGroup returned nil for valid keywords")
	}
	tests := []struct {
		text string
		want int
	}{
		{"``` code block ```", 2},
		{"is it O(n log n)?", 1},
		{"prove it", 1},
		{"proven approved", 0}, // word boundary holds
	}
	for _, tt := range tests {
		if got := countMatches(re, tt.text); got != tt.want {
			t.Errorf("countMatches(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}

	if compileGroup("empty", nil) != nil {
		t.Error("compileGroup(nil) should be nil")
	}
	if compileGroup("blank", []string{"  ", ""}) != nil {
		t.Error("compileGroup of blank keywords should be nil")
	}
}
