package llm

// Pricing is what one million tokens cost in USD.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// PricingFunc resolves pricing for a catalog model id. Providers receive
// one at construction so cost estimation never touches the catalog
// directly.
type PricingFunc func(modelID string) (Pricing, bool)

// EstimateCost projects the USD cost of a call from its token counts.
func EstimateCost(p Pricing, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return p.InputPerM*float64(inputTokens)/1e6 + p.OutputPerM*float64(outputTokens)/1e6
}

// Savings is the fraction of the baseline cost avoided, in [0,1]. Zero when
// the baseline is unknown or the estimate is not cheaper.
func Savings(estimate, baseline float64) float64 {
	if baseline <= 0 || estimate >= baseline {
		return 0
	}
	return (baseline - estimate) / baseline
}

// MicroUSD converts a USD amount to integer micro-dollars for counters.
func MicroUSD(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(usd * 1e6)
}
