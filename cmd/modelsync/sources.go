package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	catwalkBaseURL   = "https://raw.githubusercontent.com/charmbracelet/catwalk/main/internal/providers/configs/"
	modelsDevBaseURL = "https://raw.githubusercontent.com/anomalyco/models.dev/dev/providers/"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// catwalkSource maps a catalog family to the Catwalk config that prices
// it. Families without a Catwalk config (mistral) rely on models.dev
// alone.
var catwalkSource = map[string]string{
	"openai":    "openai",
	"anthropic": "anthropic",
	"xai":       "xai",
	"deepseek":  "deepseek",
	"google":    "gemini",
	"meta":      "groq",
}

// modelsDevSource maps a catalog family to its models.dev provider
// directory. Empty means no lookup.
var modelsDevSource = map[string]string{
	"openai":    "openai",
	"anthropic": "anthropic",
	"xai":       "xai",
	"deepseek":  "deepseek",
	"google":    "google",
	"mistral":   "mistral",
}

// upstreamIDOverrides resolves catalog ids whose upstream spelling
// differs: dotted Claude versions and Groq's verbose Llama names.
var upstreamIDOverrides = map[string]string{
	"anthropic/claude-opus-4.1":   "claude-opus-4-1",
	"anthropic/claude-sonnet-4.5": "claude-sonnet-4-5",
	"anthropic/claude-haiku-4.5":  "claude-haiku-4-5",
	"meta/llama-3.3-70b":          "llama-3.3-70b-versatile",
	"meta/llama-3.1-8b":           "llama-3.1-8b-instant",
	"meta/llama-4-maverick":       "meta-llama/llama-4-maverick-17b-128e-instruct",
	"meta/llama-4-scout":          "meta-llama/llama-4-scout-17b-16e-instruct",
}

// upstreamID returns the id a catalog entry carries in upstream sources.
func upstreamID(catalogID string) string {
	if override, ok := upstreamIDOverrides[catalogID]; ok {
		return override
	}
	return shortID(catalogID)
}

// catwalkProvider is the subset of a Catwalk config the sync consumes.
type catwalkProvider struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Models []catwalkModel `json:"models"`
}

type catwalkModel struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	CostPer1MIn      float64 `json:"cost_per_1m_in"`
	CostPer1MOut     float64 `json:"cost_per_1m_out"`
	ContextWindow    int64   `json:"context_window"`
	DefaultMaxTokens int64   `json:"default_max_tokens"`
	CanReason        *bool   `json:"can_reason,omitempty"`
}

// modelsDevModel is the subset of a models.dev TOML record the sync
// consumes.
type modelsDevModel struct {
	Reasoning  bool  `toml:"reasoning"`
	Attachment bool  `toml:"attachment"`
	ToolCall   *bool `toml:"tool_call,omitempty"`
	Cost       struct {
		Input  float64 `toml:"input"`
		Output float64 `toml:"output"`
	} `toml:"cost"`
	Limit struct {
		Context int64 `toml:"context"`
		Output  int64 `toml:"output"`
	} `toml:"limit"`
	Modalities struct {
		Input []string `toml:"input"`
	} `toml:"modalities"`
}

// neededCatwalkProviders collects the distinct Catwalk configs the
// catalog's families draw from.
func neededCatwalkProviders(cat *catalogFile) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range cat.Models {
		cw, ok := catwalkSource[m.Family]
		if !ok || seen[cw] {
			continue
		}
		seen[cw] = true
		out = append(out, cw)
	}
	return out
}

// fetchCatwalkSources fetches Catwalk configs and indexes their models
// by "config/model-id". Fetch failures skip the config with a warning.
func fetchCatwalkSources(configs []string, cacheDir string, refresh, offline bool) map[string]catwalkModel {
	index := make(map[string]catwalkModel)
	for _, name := range configs {
		url := catwalkBaseURL + name + ".json"
		cachePath := filepath.Join(cacheDir, "catwalk", name+".json")

		data, err := fetchCached(url, cachePath, refresh, offline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: catwalk %s: %v\n", name, err)
			continue
		}
		if data == nil {
			fmt.Fprintf(os.Stderr, "WARN: catwalk %s.json returned 404, skipping\n", name)
			continue
		}

		var cw catwalkProvider
		if err := json.Unmarshal(data, &cw); err != nil {
			fmt.Fprintf(os.Stderr, "WARN: catwalk %s: parse: %v\n", name, err)
			continue
		}
		for _, m := range cw.Models {
			index[name+"/"+m.ID] = m
		}
		fmt.Fprintf(os.Stderr, "  catwalk: %s, %d models\n", name, len(cw.Models))
	}
	return index
}

// fetchSupplements fetches models.dev records for every catalog entry
// with a mapped provider directory, ten at a time. Misses are normal;
// models.dev lags new releases.
func fetchSupplements(cat *catalogFile, cacheDir string, refresh, offline bool) map[string]*modelsDevModel {
	type lookup struct{ id, dir, model string }
	var lookups []lookup
	for _, m := range cat.Models {
		dir, ok := modelsDevSource[m.Family]
		if !ok || dir == "" {
			continue
		}
		lookups = append(lookups, lookup{id: m.ID, dir: dir, model: upstreamID(m.ID)})
	}
	fmt.Fprintf(os.Stderr, "  models.dev: %d lookups\n", len(lookups))

	results := make(map[string]*modelsDevModel)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)

	for _, l := range lookups {
		wg.Add(1)
		go func(l lookup) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			url := modelsDevBaseURL + l.dir + "/models/" + l.model + ".toml"
			cachePath := filepath.Join(cacheDir, "models.dev", l.dir, l.model+".toml")
			data, err := fetchCached(url, cachePath, refresh, offline)
			if err != nil || data == nil {
				return
			}
			var md modelsDevModel
			if err := toml.Unmarshal(data, &md); err != nil {
				fmt.Fprintf(os.Stderr, "WARN: models.dev %s/%s: parse: %v\n", l.dir, l.model, err)
				return
			}
			mu.Lock()
			results[l.id] = &md
			mu.Unlock()
		}(l)
	}
	wg.Wait()
	return results
}

// fetchCached retrieves url, caching the body at cachePath. A 404
// returns (nil, nil). Network and HTTP failures fall back to the cache
// when one exists.
func fetchCached(url, cachePath string, refresh, offline bool) ([]byte, error) {
	if offline {
		data, err := os.ReadFile(cachePath)
		if err != nil {
			return nil, fmt.Errorf("offline mode: cache miss for %s: %w", cachePath, err)
		}
		return data, nil
	}

	if !refresh {
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	resp, err := httpClient.Get(url)
	if err != nil {
		if data, err2 := os.ReadFile(cachePath); err2 == nil {
			fmt.Fprintf(os.Stderr, "WARN: fetch failed for %s, using cache: %v\n", url, err)
			return data, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		if data, err2 := os.ReadFile(cachePath); err2 == nil {
			fmt.Fprintf(os.Stderr, "WARN: HTTP %d for %s, using cache\n", resp.StatusCode, url)
			return data, nil
		}
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	if err := writeCache(cachePath, data); err != nil {
		fmt.Fprintf(os.Stderr, "WARN: failed to cache %s: %v\n", cachePath, err)
	}
	return data, nil
}

func writeCache(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
