// Package routing classifies prompts into cost/capability tiers and
// turns a tier plus request constraints into an ordered model
// fallback chain.
package routing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is a cost/capability bucket. The zero value TierNone means the
// scorer declined to commit (confidence below threshold).
type Tier int

const (
	TierNone Tier = iota
	TierSimple
	TierMedium
	TierComplex
	TierReasoning
)

var tierNames = map[Tier]string{
	TierSimple:    "SIMPLE",
	TierMedium:    "MEDIUM",
	TierComplex:   "COMPLEX",
	TierReasoning: "REASONING",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return ""
}

// Valid reports whether t is one of the four routing tiers.
func (t Tier) Valid() bool {
	return t >= TierSimple && t <= TierReasoning
}

// ParseTier accepts the tier name in any case.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SIMPLE":
		return TierSimple, nil
	case "MEDIUM":
		return TierMedium, nil
	case "COMPLEX":
		return TierComplex, nil
	case "REASONING":
		return TierReasoning, nil
	case "":
		return TierNone, nil
	}
	return TierNone, fmt.Errorf("routing: unknown tier %q", s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Routing methods recorded on a Decision.
const (
	MethodRules    = "rules"
	MethodSession  = "session"
	MethodOverride = "override"
	MethodFallback = "fallback"
)

// Decision is the routing outcome for one request. The gateway
// creates it once per request and updates Model/Method when fallback
// lands on a different model than originally selected. Cost fields
// are filled in by the cost estimator.
type Decision struct {
	Model        string  `json:"model"`
	Tier         Tier    `json:"tier"`
	Confidence   float64 `json:"confidence"`
	Method       string  `json:"method"`
	Reasoning    string  `json:"reasoning"`
	CostEstimate float64 `json:"costEstimate"`
	BaselineCost float64 `json:"baselineCost"`
	Savings      float64 `json:"savings"`
}
