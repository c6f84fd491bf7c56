package llm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

// Registry tracks provider instances. Registration happens once at startup;
// afterwards the registry is read-mostly. Cooldown bookkeeping is separate
// state for reporting only and never changes which provider serves a
// request.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	cleaned   bool

	cooldownMu sync.RWMutex
	cooldowns  map[string]*providerCooldown
}

// providerCooldown tracks consecutive failures for reporting.
type providerCooldown struct {
	until      time.Time
	errorCount int
	reason     ErrorKind
}

// ProviderStatus is the reporting view of one provider for /health?full
// and /stats.
type ProviderStatus struct {
	ID         string     `json:"id"`
	Priority   int        `json:"priority"`
	InCooldown bool       `json:"inCooldown"`
	Until      *time.Time `json:"until,omitempty"`
	Reason     ErrorKind  `json:"reason,omitempty"`
	ErrorCount int        `json:"errorCount,omitempty"`
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		cooldowns: make(map[string]*providerCooldown),
	}
}

// Register adds a provider. Ids are unique; a duplicate is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("registry: provider with empty id")
	}
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("registry: duplicate provider id %q", id)
	}
	r.providers[id] = p
	r.order = append(r.order, id)

	L_debug("registry: provider registered", "id", id, "priority", p.Priority())
	return nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// All returns every provider in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// ByPriority returns providers ordered by descending priority. Equal
// priorities keep registration order.
func (r *Registry) ByPriority() []Provider {
	out := r.All()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// ForModel returns the providers claiming a model id, highest priority
// first.
func (r *Registry) ForModel(modelID string) []Provider {
	var out []Provider
	for _, p := range r.ByPriority() {
		if p.IsAvailable(modelID) {
			out = append(out, p)
		}
	}
	return out
}

// Primary returns the highest-priority provider, used for transparent
// /v1/* passthrough. Nil when nothing is registered.
func (r *Registry) Primary() Provider {
	all := r.ByPriority()
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// InitializeAll runs each provider's handshake. Failures are logged and do
// not unregister the provider.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, p := range r.All() {
		if err := p.Initialize(ctx); err != nil {
			L_warn("registry: provider initialization failed", "id", p.ID(), "error", err)
		}
	}
}

// HealthCheckAll fans out to every provider and reports id -> healthy. A
// panicking or hanging provider only affects its own entry; the fan-out
// itself never fails.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	providers := r.All()
	results := make(map[string]bool, len(providers))

	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			healthy := false
			func() {
				defer func() {
					if v := recover(); v != nil {
						L_error("registry: health check panicked", "id", p.ID(), "panic", v)
					}
				}()
				healthy = p.HealthCheck(ctx)
			}()
			resultMu.Lock()
			results[p.ID()] = healthy
			resultMu.Unlock()
		}(p)
	}
	wg.Wait()

	return results
}

// CleanupAll releases provider resources. Safe to call more than once.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	if r.cleaned {
		r.mu.Unlock()
		return
	}
	r.cleaned = true
	r.mu.Unlock()

	for _, p := range r.All() {
		p.Cleanup()
	}
	L_debug("registry: providers cleaned up")
}

// ==================== Cooldown bookkeeping ====================

// calculateCooldownDuration returns the reporting window for a failure
// streak. Non-billing: 1min, 5min, 25min, capped at 1hr. Billing: 5hr,
// 10hr, 20hr, capped at 24hr.
func calculateCooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	if isBilling {
		base := 5 * time.Hour
		maxDur := 24 * time.Hour
		exponent := min(errorCount-1, 2)
		dur := time.Duration(float64(base) * math.Pow(2, float64(exponent)))
		if dur > maxDur {
			return maxDur
		}
		return dur
	}

	base := time.Minute
	maxDur := time.Hour
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(base) * math.Pow(5, float64(exponent)))
	if dur > maxDur {
		return maxDur
	}
	return dur
}

// ReportFailure records an upstream failure for the provider. The window
// grows exponentially with consecutive failures.
func (r *Registry) ReportFailure(id string, kind ErrorKind) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[id]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[id] = cd
	}

	cd.errorCount++
	cd.reason = kind
	cd.until = time.Now().Add(calculateCooldownDuration(cd.errorCount, kind == ErrorKindBilling))

	MetricFailWithReason("registry", "provider", string(kind))
	L_warn("registry: provider failure recorded",
		"id", id,
		"reason", kind,
		"errorCount", cd.errorCount,
		"until", cd.until.Format("15:04:05"))
}

// ReportSuccess clears a provider's failure streak. Returns true when the
// provider was inside a cooldown window, meaning it recovered.
func (r *Registry) ReportSuccess(id string) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[id]
	if cd == nil {
		return false
	}
	recovered := time.Now().Before(cd.until)
	delete(r.cooldowns, id)
	if recovered {
		L_info("registry: provider recovered", "id", id, "wasReason", cd.reason)
	}
	return recovered
}

// Status returns the reporting view of every provider in registration
// order.
func (r *Registry) Status() []ProviderStatus {
	providers := r.All()

	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	now := time.Now()
	statuses := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		status := ProviderStatus{ID: p.ID(), Priority: p.Priority()}
		if cd := r.cooldowns[p.ID()]; cd != nil && now.Before(cd.until) {
			until := cd.until
			status.InCooldown = true
			status.Until = &until
			status.Reason = cd.reason
			status.ErrorCount = cd.errorCount
		}
		statuses = append(statuses, status)
	}
	return statuses
}
