package gateway

import (
	"fmt"
	"sync"

	"github.com/blockrun/blockrun/internal/config"
	"github.com/blockrun/blockrun/internal/llm"
	. "github.com/blockrun/blockrun/internal/metrics"
)

// BalancePolicy vets projected spend before an upstream attempt and is
// notified of the estimate once the attempt succeeds. Implementations
// must be safe for concurrent use. A nil policy means no vetting.
type BalancePolicy interface {
	// Authorize returns a non-nil error to veto the request. The error
	// message reaches the client.
	Authorize(model string, estimatedCost float64) error
	// Debit records optimistic spend after a successful upstream call.
	Debit(model string, cost float64)
	// Spent reports cumulative debited spend in USD.
	Spent() float64
}

// spendCapPolicy enforces balance.maxRequestCost and tracks cumulative
// optimistic spend for stats.
type spendCapPolicy struct {
	maxRequestCost float64

	mu    sync.Mutex
	spent float64
}

// NewSpendCapPolicy builds the default policy from config. A zero cap
// authorizes everything and only tracks spend.
func NewSpendCapPolicy(cfg config.BalanceConfig) BalancePolicy {
	return &spendCapPolicy{maxRequestCost: cfg.MaxRequestCost}
}

func (p *spendCapPolicy) Authorize(model string, estimatedCost float64) error {
	if p.maxRequestCost > 0 && estimatedCost > p.maxRequestCost {
		MetricFailWithReason("balance", "authorize", "cap_exceeded")
		return fmt.Errorf("estimated cost $%.4f for %s exceeds per-request cap $%.4f", estimatedCost, model, p.maxRequestCost)
	}
	return nil
}

func (p *spendCapPolicy) Debit(model string, cost float64) {
	p.mu.Lock()
	p.spent += cost
	p.mu.Unlock()
	MetricCost("balance", "spend", llm.MicroUSD(cost))
}

func (p *spendCapPolicy) Spent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spent
}
