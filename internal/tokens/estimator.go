// Package tokens provides approximate token counting using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/blockrun/blockrun/internal/logging"
)

// Estimator counts tokens with a tiktoken encoding, falling back to a
// chars/4 approximation when the encoding is unavailable.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base. It is exact only for OpenAI models;
// routing just needs a magnitude, so one encoding serves all families.
const DefaultEncoding = "cl100k_base"

// MessageOverhead is the per-message structural token cost (role,
// separators) added when summing a conversation.
const MessageOverhead = 4

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the shared estimator. Building the encoding loads the
// BPE table, so it is done once per process.
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using chars/4 fallback", "error", err)
			globalEstimator = &Estimator{}
		}
	})
	return globalEstimator
}

// New creates an estimator with the default encoding.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// CountWithOverhead returns the token count plus a structural
// overhead, for per-message estimates.
func (e *Estimator) CountWithOverhead(text string, overhead int) int {
	return e.Count(text) + overhead
}

// Estimate counts tokens with the shared estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// SafetyMargin pads input estimates to absorb tokenizer variance:
// cl100k_base undercounts for non-OpenAI vocabularies.
const SafetyMargin = 1.2

// CapMaxTokens returns a max_tokens value that fits the model's
// context window given the estimated input, with a floor of 100
// output tokens.
func CapMaxTokens(requestedMax, contextWindow, estimatedInput, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax
	}

	safeInput := int(float64(estimatedInput) * SafetyMargin)
	available := contextWindow - safeInput - buffer
	if available < 100 {
		available = 100
	}

	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}
