// modelsync refreshes internal/catalog/models.json from upstream
// metadata: Catwalk provider configs for pricing and context windows,
// models.dev for capability flags. The catalog's structure is
// hand-curated; the tool updates numbers in place and reports drift,
// it never invents or removes entries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

func main() {
	catalogPath := flag.String("catalog", "internal/catalog/models.json", "catalog file to refresh")
	cacheDir := flag.String("cache-dir", "internal/catalog/.cache", "cache directory for downloaded sources")
	refresh := flag.Bool("refresh", false, "force re-fetch from remotes, ignore cache")
	offline := flag.Bool("offline", false, "use cache only, fail if missing")
	dryRun := flag.Bool("dry-run", false, "report changes without writing")
	flag.Parse()

	cat, err := loadCatalogFile(*catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "modelsync: %d catalog entries loaded\n", len(cat.Models))

	fmt.Fprintln(os.Stderr, "modelsync: fetching catwalk providers...")
	catwalk := fetchCatwalkSources(neededCatwalkProviders(cat), *cacheDir, *refresh, *offline)

	fmt.Fprintln(os.Stderr, "modelsync: fetching models.dev supplements...")
	supplements := fetchSupplements(cat, *cacheDir, *refresh, *offline)

	changed := applySources(cat, catwalk, supplements)
	reportDrift(cat, catwalk)

	if changed == 0 {
		fmt.Fprintln(os.Stderr, "modelsync: catalog already current")
		return
	}
	if *dryRun {
		fmt.Fprintf(os.Stderr, "modelsync: %d entries would change (dry run)\n", changed)
		return
	}

	if err := writeCatalogFile(*catalogPath, cat); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "modelsync: wrote %s (%d entries updated)\n", *catalogPath, changed)
}

// catalogFile mirrors the schema internal/catalog loads. Field order is
// kept stable so diffs stay reviewable.
type catalogFile struct {
	Models  []catalogEntry    `json:"models"`
	Aliases map[string]string `json:"aliases"`
}

type catalogEntry struct {
	ID                    string       `json:"id"`
	DisplayName           string       `json:"displayName"`
	Family                string       `json:"family"`
	InputPricePerMillion  float64      `json:"inputPricePerMillion"`
	OutputPricePerMillion float64      `json:"outputPricePerMillion"`
	ContextWindow         int          `json:"contextWindow"`
	MaxOutput             int          `json:"maxOutput"`
	Capabilities          capabilities `json:"capabilities"`
}

type capabilities struct {
	Reasoning bool `json:"reasoning,omitempty"`
	Vision    bool `json:"vision,omitempty"`
	ToolUse   bool `json:"toolUse,omitempty"`
	Agentic   bool `json:"agentic,omitempty"`
}

func loadCatalogFile(path string) (*catalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("%s has no models", path)
	}
	return &cat, nil
}

func writeCatalogFile(path string, cat *catalogFile) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// shortID strips the family prefix from a catalog id:
// "openai/gpt-5" -> "gpt-5".
func shortID(catalogID string) string {
	if i := strings.IndexByte(catalogID, '/'); i >= 0 {
		return catalogID[i+1:]
	}
	return catalogID
}
