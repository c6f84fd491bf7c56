package routing

import (
	"fmt"

	"github.com/blockrun/blockrun/internal/catalog"
	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
)

// Constraints carry the per-request facts the selector filters on.
type Constraints struct {
	ApproxTokens  int    // estimated input tokens
	MaxTokens     int    // requested completion budget
	HasTools      bool   // request declares a tools array
	PinnedModel   string // session pin, empty when none
	PreferAgentic bool   // scorer saw two or more agentic signals
}

// Selector turns (tier, constraints) into an ordered model chain of
// at most maxAttempts entries. Deterministic: equal inputs and config
// produce equal chains.
type Selector struct {
	catalog     *catalog.Catalog
	tiers       map[Tier]config.TierConfig
	maxAttempts int
	lastResort  string
}

// NewSelector validates that every configured model id exists in the
// catalog, which keeps Chain itself infallible.
func NewSelector(cat *catalog.Catalog, rc config.RoutingConfig, maxAttempts int) (*Selector, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("routing: maxAttempts %d, need at least 1", maxAttempts)
	}

	tiers := make(map[Tier]config.TierConfig, 4)
	for name, tc := range rc.Tiers {
		tier, err := ParseTier(name)
		if err != nil || !tier.Valid() {
			return nil, fmt.Errorf("routing: unknown tier name %q in config", name)
		}
		if !cat.Has(tc.Primary) {
			return nil, fmt.Errorf("routing: tier %s primary %q not in catalog", tier, tc.Primary)
		}
		for _, id := range tc.Fallback {
			if !cat.Has(id) {
				return nil, fmt.Errorf("routing: tier %s fallback %q not in catalog", tier, id)
			}
		}
		tiers[tier] = tc
	}
	for _, tier := range []Tier{TierSimple, TierMedium, TierComplex, TierReasoning} {
		if _, ok := tiers[tier]; !ok {
			return nil, fmt.Errorf("routing: tier %s has no configuration", tier)
		}
	}

	lastResort := rc.LastResort
	if lastResort == "" {
		lastResort = tiers[TierMedium].Primary
	}
	if !cat.Has(lastResort) {
		return nil, fmt.Errorf("routing: last resort %q not in catalog", lastResort)
	}

	return &Selector{
		catalog:     cat,
		tiers:       tiers,
		maxAttempts: maxAttempts,
		lastResort:  lastResort,
	}, nil
}

// Chain builds the ordered fallback chain for a tier. The result is
// never empty: when every candidate is filtered out, the configured
// last-resort model is returned alone.
func (s *Selector) Chain(tier Tier, c Constraints) []string {
	if !tier.Valid() {
		tier = TierMedium
	}
	tc := s.tiers[tier]

	candidates := make([]string, 0, 2+len(tc.Fallback))
	if c.PinnedModel != "" {
		candidates = append(candidates, c.PinnedModel)
	}
	candidates = append(candidates, tc.Primary)
	candidates = append(candidates, tc.Fallback...)
	candidates = dedupe(candidates)

	if c.PreferAgentic {
		candidates = stablePartition(candidates, func(id string) bool {
			m, ok := s.catalog.Get(id)
			return ok && m.Capabilities.Agentic
		})
	}

	// Drop models that predictably cannot fit the conversation.
	total := c.ApproxTokens + c.MaxTokens
	fits := candidates[:0]
	for _, id := range candidates {
		m, ok := s.catalog.Get(id)
		if ok && m.ContextWindow > 0 && m.ContextWindow < total {
			L_debug("routing: dropping model, context too small",
				"model", id, "contextWindow", m.ContextWindow, "needed", total)
			continue
		}
		fits = append(fits, id)
	}
	candidates = fits

	if c.HasTools {
		candidates = stablePartition(candidates, func(id string) bool {
			m, ok := s.catalog.Get(id)
			return ok && m.Capabilities.ToolUse
		})
	}

	known := candidates[:0]
	for _, id := range candidates {
		if !s.catalog.Has(id) {
			L_warn("routing: dropping unknown model from chain", "model", id)
			continue
		}
		known = append(known, id)
	}
	candidates = known

	if len(candidates) > s.maxAttempts {
		candidates = candidates[:s.maxAttempts]
	}
	if len(candidates) == 0 {
		L_warn("routing: chain empty after filtering, using last resort",
			"tier", tier.String(), "lastResort", s.lastResort)
		candidates = append(candidates, s.lastResort)
	}
	return candidates
}

// LastResort returns the configured safety-net model id.
func (s *Selector) LastResort() string { return s.lastResort }

// Primary returns the configured primary model for a tier.
func (s *Selector) Primary(tier Tier) string {
	if !tier.Valid() {
		tier = TierMedium
	}
	return s.tiers[tier].Primary
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// stablePartition moves entries matching pred to the front, keeping
// relative order on both sides.
func stablePartition(ids []string, pred func(string) bool) []string {
	front := make([]string, 0, len(ids))
	back := make([]string, 0, len(ids))
	for _, id := range ids {
		if pred(id) {
			front = append(front, id)
		} else {
			back = append(back, id)
		}
	}
	return append(front, back...)
}
