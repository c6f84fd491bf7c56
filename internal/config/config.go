// Package config loads and validates the gateway configuration.
//
// Configuration lives in a single JSON file, by default
// ~/.blockrun/config.json. Every field has a usable default so a
// missing file still produces a runnable gateway; the file only needs
// to declare providers and whatever the operator wants to override.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"

	"github.com/blockrun/blockrun/internal/logging"
	"github.com/blockrun/blockrun/internal/paths"
)

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "BLOCKRUN_CONFIG"

// Config is the root of the gateway configuration tree.
type Config struct {
	Proxy     ProxyConfig      `json:"proxy"`
	Routing   RoutingConfig    `json:"routing"`
	Dedup     DedupConfig      `json:"dedup"`
	Session   SessionConfig    `json:"session"`
	Heartbeat HeartbeatConfig  `json:"heartbeat"`
	Fallback  FallbackConfig   `json:"fallback"`
	Usage     UsageConfig      `json:"usage"`
	Balance   BalanceConfig    `json:"balance"`
	Log       LogConfig        `json:"log"`
	Providers []ProviderConfig `json:"providers"`
}

// ProxyConfig controls the HTTP listener.
type ProxyConfig struct {
	Port             int   `json:"port"`
	RequestTimeoutMs int   `json:"requestTimeoutMs"`
	MaxBodyBytes     int64 `json:"maxBodyBytes"`
}

// RoutingConfig controls classification and model selection.
type RoutingConfig struct {
	Tiers      map[string]TierConfig `json:"tiers"`
	Scoring    ScoringConfig         `json:"scoring"`
	Classifier ClassifierConfig      `json:"classifier"`
	Overrides  OverrideConfig        `json:"overrides"`
	LastResort string                `json:"lastResort"`
}

// TierConfig names the primary model and the ordered fallback chain
// for one complexity tier. Keys in RoutingConfig.Tiers are the
// lowercase tier names: simple, medium, complex, reasoning.
type TierConfig struct {
	Primary  string   `json:"primary"`
	Fallback []string `json:"fallback"`
}

// ScoringConfig lets operators replace the classifier keyword groups.
// A nil slice keeps the built-in set for that group.
type ScoringConfig struct {
	Reasoning []string `json:"reasoning"`
	Code      []string `json:"code"`
	Simple    []string `json:"simple"`
	MultiStep []string `json:"multiStep"`
	Technical []string `json:"technical"`
	Creative  []string `json:"creative"`
	Domain    []string `json:"domain"`
	Agentic   []string `json:"agentic"`
	Output    []string `json:"output"`
}

// ClassifierConfig tunes classification thresholds.
type ClassifierConfig struct {
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	ReasoningConfidence float64 `json:"reasoningConfidence"`
}

// OverrideConfig tunes the hard routing overrides that run after
// scoring.
type OverrideConfig struct {
	LargeContextTokens int   `json:"largeContextTokens"`
	StructuredOutput   *bool `json:"structuredOutput"`
}

// DedupConfig controls request deduplication.
type DedupConfig struct {
	TTLMs          int   `json:"ttlMs"`
	MaxReplayBytes int64 `json:"maxReplayBytes"`
}

// SessionConfig controls the session-to-model affinity store.
type SessionConfig struct {
	TTLMs           int      `json:"ttlMs"`
	SweepIntervalMs int      `json:"sweepIntervalMs"`
	MaxEntries      int      `json:"maxEntries"`
	HeaderNames     []string `json:"headerNames"`
}

// HeartbeatConfig controls SSE keep-alive comments while an upstream
// response is pending.
type HeartbeatConfig struct {
	IntervalMs int `json:"intervalMs"`
}

// FallbackConfig controls provider failover.
type FallbackConfig struct {
	MaxAttempts int `json:"maxAttempts"`
}

// UsageConfig controls the usage event sink.
type UsageConfig struct {
	Enabled *bool  `json:"enabled"`
	Dir     string `json:"dir"`
}

// BalanceConfig caps spend per request. MaxRequestCost is in USD;
// zero disables the cap.
type BalanceConfig struct {
	MaxRequestCost float64 `json:"maxRequestCost"`
}

// LogConfig controls log output. DumpUpstream traces raw upstream request
// and response bodies; it is loud and leaks prompts into logs, off by
// default.
type LogConfig struct {
	Level        string `json:"level"`
	ShowCaller   *bool  `json:"showCaller"`
	DumpUpstream bool   `json:"dumpUpstream"`
}

// ProviderConfig declares one upstream provider. Models lists the catalog
// ids the provider claims; empty means kind-dependent defaults (the openai
// kind claims everything, native kinds claim their own family).
// FullModelNames forwards catalog ids unchanged instead of stripping the
// family prefix, for aggregators like OpenRouter.
type ProviderConfig struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Priority       int        `json:"priority"`
	BaseURL        string     `json:"baseUrl"`
	Auth           AuthConfig `json:"auth"`
	Models         []string   `json:"models"`
	FullModelNames bool       `json:"fullModelNames"`
}

// AuthConfig declares how a provider authenticates. Kind is one of
// "apiKey", "payment" or "none". APIKeyEnv names an environment
// variable consulted when APIKey is empty.
type AuthConfig struct {
	Kind         string            `json:"kind"`
	APIKey       string            `json:"apiKey"`
	APIKeyEnv    string            `json:"apiKeyEnv"`
	HeaderPrefix string            `json:"headerPrefix"`
	ExtraHeaders map[string]string `json:"extraHeaders"`
}

// Default returns the built-in configuration. File and environment
// values are merged on top of this.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Port:             8402,
			RequestTimeoutMs: 180000,
			MaxBodyBytes:     4 * 1024 * 1024,
		},
		Routing: RoutingConfig{
			Tiers: map[string]TierConfig{
				"simple": {
					Primary:  "google/gemini-2.5-flash-lite",
					Fallback: []string{"openai/gpt-5-nano", "meta/llama-3.3-70b"},
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
			Classifier: ClassifierConfig{
				ConfidenceThreshold: 0.7,
				ReasoningConfidence: 0.97,
			},
			Overrides: OverrideConfig{
				LargeContextTokens: 100000,
				StructuredOutput:   boolPtr(true),
			},
			LastResort: "openai/gpt-5-mini",
		},
		Dedup: DedupConfig{
			TTLMs:          30000,
			MaxReplayBytes: 8 * 1024 * 1024,
		},
		Session: SessionConfig{
			TTLMs:           3600000,
			SweepIntervalMs: 300000,
			MaxEntries:      10000,
			HeaderNames:     []string{"x-session-id", "x-conversation-id"},
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs: 2000,
		},
		Fallback: FallbackConfig{
			MaxAttempts: 3,
		},
		Usage: UsageConfig{
			Enabled: boolPtr(true),
			Dir:     "~/.blockrun/usage",
		},
		Balance: BalanceConfig{
			MaxRequestCost: 0,
		},
		Log: LogConfig{
			Level:      "info",
			ShowCaller: boolPtr(false),
		},
	}
}

// Load reads the config file at path, or the default location when
// path is empty, and merges it over Default. A missing file is not an
// error; a malformed one is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		logging.L_debug("config: loaded %s", path)
	case os.IsNotExist(err):
		logging.L_info("config: %s not found, using defaults", path)
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	defaults := Default()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("config: merge defaults: %w", err)
	}

	applyEnv(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns ~/.blockrun/config.json, falling back to the
// working directory when the home dir cannot be resolved.
func DefaultPath() string {
	p, err := paths.DefaultConfigPath()
	if err != nil {
		return "config.json"
	}
	return p
}

// applyEnv overlays the few operational knobs that make sense as
// environment variables on top of the merged config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BLOCKRUN_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Proxy.Port = port
		} else {
			logging.L_warn("config: ignoring BLOCKRUN_PORT=%q", v)
		}
	}
	if v := os.Getenv("BLOCKRUN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BLOCKRUN_USAGE_DIR"); v != "" {
		cfg.Usage.Dir = v
	}
}

// normalize canonicalizes fields so downstream code never has to.
func (c *Config) normalize() {
	for name, tier := range c.Routing.Tiers {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower != name {
			delete(c.Routing.Tiers, name)
			c.Routing.Tiers[lower] = tier
		}
	}
	for i := range c.Session.HeaderNames {
		c.Session.HeaderNames[i] = strings.ToLower(strings.TrimSpace(c.Session.HeaderNames[i]))
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.Auth.Kind == "" {
			p.Auth.Kind = "apiKey"
		}
	}
	c.Usage.Dir = ExpandHome(c.Usage.Dir)
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("config: proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Proxy.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: proxy.requestTimeoutMs must be positive")
	}
	if c.Fallback.MaxAttempts < 1 {
		return fmt.Errorf("config: fallback.maxAttempts must be at least 1")
	}
	if c.Routing.Classifier.ConfidenceThreshold < 0 || c.Routing.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: routing.classifier.confidenceThreshold must be in [0,1]")
	}
	for _, name := range []string{"simple", "medium", "complex", "reasoning"} {
		tier, ok := c.Routing.Tiers[name]
		if !ok || tier.Primary == "" {
			return fmt.Errorf("config: routing.tiers.%s.primary is required", name)
		}
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "openai", "anthropic", "xai":
		default:
			return fmt.Errorf("config: provider %s: unknown kind %q", p.ID, p.Kind)
		}
		switch p.Auth.Kind {
		case "apiKey", "payment", "none":
		default:
			return fmt.Errorf("config: provider %s: unknown auth kind %q", p.ID, p.Auth.Kind)
		}
	}
	return nil
}

// ResolveAPIKey returns the literal key if set, otherwise the value of
// the configured environment variable.
func (a AuthConfig) ResolveAPIKey() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	if a.APIKeyEnv != "" {
		return os.Getenv(a.APIKeyEnv)
	}
	return ""
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	expanded, err := paths.ExpandTilde(path)
	if err != nil {
		return path
	}
	return expanded
}

func boolPtr(b bool) *bool { return &b }
