package routing

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
)

// Dimension weights. The sum of the raising weights bounds how fast a
// prompt can climb toward the COMPLEX/REASONING boundaries.
const (
	weightReasoning  = 0.18
	weightCode       = 0.15
	weightMultiStep  = 0.12
	weightAgentic    = 0.10
	weightTechnical  = 0.10
	weightTokens     = 0.08
	weightCreative   = 0.05
	weightQuestions  = 0.05
	weightConstraint = 0.04
	weightImperative = 0.03
	weightOutput     = 0.03
	weightSimple     = 0.02
	weightDomain     = 0.02
	weightReference  = 0.02
	weightNegation   = 0.01
)

// Logistic calibration: confidence measures how far the calibrated
// score sits from the ambiguous middle.
const (
	logisticK        = 8.0
	logisticMidpoint = 0.5
)

// Score-to-tier boundaries.
const (
	boundarySimple  = 0.30
	boundaryMedium  = 0.60
	boundaryComplex = 0.80
)

// Per-dimension match cap, and the scan window for keyword counting.
// Token estimation always uses the full prompt length.
const (
	matchCap          = 5
	maxKeywordScanLen = 32768
)

// Token-count dimension thresholds.
const (
	shortPromptTokens = 50
	longPromptTokens  = 500
)

// ScoringResult is the raw classifier output. Tier is TierNone when
// the confidence fell below the configured threshold.
type ScoringResult struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Tier       Tier     `json:"tier"`
	Signals    []string `json:"signals"`
	Reasoning  string   `json:"reasoning"`

	// Raw counts consumed by the override rules.
	ReasoningMatches int  `json:"-"`
	AgenticMatches   int  `json:"-"`
	StructuredOutput bool `json:"-"`
}

// Classification is a scoring result with ambiguity resolved and the
// hard overrides applied. Tier is always valid.
type Classification struct {
	Result        ScoringResult
	Tier          Tier
	Method        string
	PreferAgentic bool
}

// Scorer classifies prompts. It is pure: no I/O, no internal state
// mutation after construction, identical inputs produce identical
// results.
type Scorer struct {
	reasoning *regexp.Regexp
	code      *regexp.Regexp
	multiStep *regexp.Regexp
	agentic   *regexp.Regexp
	technical *regexp.Regexp
	creative  *regexp.Regexp
	simple    *regexp.Regexp
	domain    *regexp.Regexp
	output    *regexp.Regexp

	constraint *regexp.Regexp
	imperative *regexp.Regexp
	reference  *regexp.Regexp
	negation   *regexp.Regexp
	enum       *regexp.Regexp
	structured *regexp.Regexp

	confidenceThreshold float64
	reasoningConfidence float64
	largeContextTokens  int
	structuredRaise     bool
}

// NewScorer builds a scorer from the routing config. Empty keyword
// groups fall back to the built-in sets.
func NewScorer(rc config.RoutingConfig) *Scorer {
	s := &Scorer{
		reasoning: compileGroup("reasoning", pick(rc.Scoring.Reasoning, defaultReasoningKeywords)),
		code:      compileGroup("code", pick(rc.Scoring.Code, defaultCodeKeywords)),
		multiStep: compileGroup("multiStep", pick(rc.Scoring.MultiStep, defaultMultiStepKeywords)),
		agentic:   compileGroup("agentic", pick(rc.Scoring.Agentic, defaultAgenticKeywords)),
		technical: compileGroup("technical", pick(rc.Scoring.Technical, defaultTechnicalKeywords)),
		creative:  compileGroup("creative", pick(rc.Scoring.Creative, defaultCreativeKeywords)),
		simple:    compileGroup("simple", pick(rc.Scoring.Simple, defaultSimpleKeywords)),
		domain:    compileGroup("domain", pick(rc.Scoring.Domain, defaultDomainKeywords)),
		output:    compileGroup("output", pick(rc.Scoring.Output, defaultOutputKeywords)),

		constraint: compileGroup("constraint", constraintKeywords),
		imperative: compileGroup("imperative", imperativeKeywords),
		reference:  compileGroup("reference", referenceKeywords),
		negation:   compileGroup("negation", negationKeywords),
		enum:       regexp.MustCompile(`(?m)^\s*\d+[.)]\s`),
		structured: compileGroup("structuredOutput", structuredOutputPhrases),

		confidenceThreshold: rc.Classifier.ConfidenceThreshold,
		reasoningConfidence: rc.Classifier.ReasoningConfidence,
		largeContextTokens:  rc.Overrides.LargeContextTokens,
		structuredRaise:     rc.Overrides.StructuredOutput == nil || *rc.Overrides.StructuredOutput,
	}
	if s.confidenceThreshold <= 0 || s.confidenceThreshold > 1 {
		s.confidenceThreshold = 0.7
	}
	if s.reasoningConfidence <= 0 || s.reasoningConfidence > 1 {
		s.reasoningConfidence = 0.97
	}
	if s.largeContextTokens <= 0 {
		s.largeContextTokens = 100000
	}
	return s
}

// Score classifies one prompt. It never fails: any internal panic is
// converted into MEDIUM at confidence 0.
func (s *Scorer) Score(prompt, systemPrompt string, approxTokens int) (result ScoringResult) {
	defer func() {
		if r := recover(); r != nil {
			L_error("routing: scorer panic, defaulting to MEDIUM", "panic", fmt.Sprint(r))
			result = ScoringResult{
				Tier:      TierMedium,
				Reasoning: "internal scorer error",
			}
		}
	}()

	if strings.TrimSpace(prompt) == "" {
		return ScoringResult{
			Score:      0,
			Confidence: 1.0,
			Tier:       TierSimple,
			Reasoning:  "empty prompt",
		}
	}

	text := prompt + "\n" + systemPrompt
	if len(text) > maxKeywordScanLen {
		text = text[:maxKeywordScanLen]
	}

	type hit struct {
		name  string
		count int
	}
	var hits []hit
	score := 0.0

	add := func(name string, count int, weight float64, lowers bool) int {
		if count > matchCap {
			count = matchCap
		}
		if count == 0 {
			return 0
		}
		contribution := weight * float64(count)
		if lowers {
			contribution = -contribution
		}
		score += contribution
		hits = append(hits, hit{name, count})
		return count
	}

	reasoningCount := add("reasoning", countMatches(s.reasoning, text), weightReasoning, false)
	add("code", countMatches(s.code, text), weightCode, false)
	add("multiStep", countMatches(s.multiStep, text)+countMatches(s.enum, text), weightMultiStep, false)
	agenticCount := add("agentic", countMatches(s.agentic, text), weightAgentic, false)
	add("technical", countMatches(s.technical, text), weightTechnical, false)

	switch {
	case approxTokens > longPromptTokens:
		add("tokens", 1, weightTokens, false)
	case approxTokens < shortPromptTokens:
		add("tokens", 1, weightTokens, true)
	}

	add("creative", countMatches(s.creative, text), weightCreative, true)
	add("questions", strings.Count(text, "?"), weightQuestions, false)
	add("constraint", countMatches(s.constraint, text), weightConstraint, false)
	add("imperative", countMatches(s.imperative, text), weightImperative, false)
	add("output", countMatches(s.output, text), weightOutput, false)
	add("simple", countMatches(s.simple, text), weightSimple, true)
	add("domain", countMatches(s.domain, text), weightDomain, false)
	add("reference", countMatches(s.reference, text), weightReference, false)
	add("negation", countMatches(s.negation, text), weightNegation, false)

	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	// p is the calibrated probability that the prompt is complex;
	// confidence is how decisively p sits away from 0.5, so both very
	// low and very high scores are confident classifications.
	p := 1.0 / (1.0 + math.Exp(-logisticK*(score-logisticMidpoint)))
	confidence := math.Max(p, 1-p)

	signals := make([]string, 0, len(hits))
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		signals = append(signals, h.name)
		parts = append(parts, fmt.Sprintf("%s:%d", h.name, h.count))
	}
	sort.Strings(signals)

	result = ScoringResult{
		Score:            score,
		Confidence:       confidence,
		Signals:          signals,
		ReasoningMatches: reasoningCount,
		AgenticMatches:   agenticCount,
		StructuredOutput: s.structured != nil && s.structured.MatchString(systemPrompt),
	}

	switch {
	case reasoningCount >= 2:
		result.Tier = TierReasoning
		result.Confidence = math.Max(confidence, s.reasoningConfidence)
	case confidence < s.confidenceThreshold:
		result.Tier = TierNone
	case score < boundarySimple:
		result.Tier = TierSimple
	case score < boundaryMedium:
		result.Tier = TierMedium
	case score < boundaryComplex:
		result.Tier = TierComplex
	default:
		result.Tier = TierReasoning
	}

	result.Reasoning = fmt.Sprintf("score %.2f, confidence %.2f [%s]",
		result.Score, result.Confidence, strings.Join(parts, " "))
	return result
}

// Classify runs Score and applies the hard overrides in order:
// ambiguous results default to MEDIUM, oversized contexts force
// COMPLEX, structured-output system prompts raise to at least MEDIUM,
// and two or more agentic signals request an agentic-capable variant.
func (s *Scorer) Classify(prompt, systemPrompt string, approxTokens int) Classification {
	res := s.Score(prompt, systemPrompt, approxTokens)

	cls := Classification{
		Result: res,
		Tier:   res.Tier,
		Method: MethodRules,
	}
	if cls.Tier == TierNone {
		cls.Tier = TierMedium
	}

	if approxTokens > s.largeContextTokens {
		cls.Tier = TierComplex
		cls.Method = MethodOverride
	}
	if s.structuredRaise && res.StructuredOutput && cls.Tier < TierMedium {
		cls.Tier = TierMedium
		cls.Method = MethodOverride
	}
	if res.AgenticMatches >= 2 {
		cls.PreferAgentic = true
	}
	return cls
}

// pick returns override when non-empty, otherwise the built-in set.
func pick(override, builtin []string) []string {
	if len(override) > 0 {
		return override
	}
	return builtin
}

// compileGroup builds one case-insensitive matcher for a keyword
// group. Keywords are quoted literally; word boundaries are applied
// where the keyword edge is a word character, so phrases like "```"
// or "o(n" still match.
func compileGroup(name string, keywords []string) *regexp.Regexp {
	parts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		p := regexp.QuoteMeta(kw)
		if isWordByte(kw[0]) {
			p = `\b` + p
		}
		if isWordByte(kw[len(kw)-1]) {
			p += `\b`
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
	if err != nil {
		L_warn("routing: keyword group failed to compile, disabling", "group", name, "error", err)
		return nil
	}
	return re
}

func countMatches(re *regexp.Regexp, text string) int {
	if re == nil || text == "" {
		return 0
	}
	return len(re.FindAllStringIndex(text, matchCap))
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
