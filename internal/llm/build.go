package llm

import (
	"fmt"
	"strings"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
)

// BuildRegistry constructs the providers declared in config and registers
// them. A provider that fails to construct (missing key, bad base URL) is
// skipped with a warning so one broken entry does not take the whole
// gateway down; zero usable providers is an error.
func BuildRegistry(cfgs []config.ProviderConfig, pricing PricingFunc, known []string) (*Registry, error) {
	reg := NewRegistry()

	for _, pc := range cfgs {
		var (
			p   Provider
			err error
		)
		switch strings.ToLower(pc.Kind) {
		case "openai", "":
			p, err = NewOpenAIProvider(pc, pricing)
		case "anthropic":
			p, err = NewAnthropicProvider(pc, pricing, known)
		case "xai":
			p, err = NewXAIProvider(pc, pricing, known)
		default:
			err = fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
		if err != nil {
			L_warn("llm: skipping provider", "id", pc.ID, "kind", pc.Kind, "error", err)
			continue
		}
		if err := reg.Register(p); err != nil {
			L_warn("llm: cannot register provider", "id", pc.ID, "error", err)
			continue
		}
		L_info("llm: registered provider", "id", p.ID(), "kind", pc.Kind, "priority", p.Priority())
	}

	if reg.Len() == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}
	return reg, nil
}
