// Package catalog holds the static model table the gateway routes
// against: per-model pricing, context windows, capability flags, and
// the alias table for short human names. The seed data is embedded so
// a fresh install routes without any network fetch; cmd/modelsync
// regenerates models.json from upstream metadata.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	. "github.com/blockrun/blockrun/internal/logging"
)

//go:embed models.json
var embeddedModels []byte

// AutoID is the synthetic catalog entry that means "classify and pick
// a model". It is never forwarded upstream.
const AutoID = "auto"

// Capabilities are the per-model feature flags the selector and the
// scorer overrides consume.
type Capabilities struct {
	Reasoning bool `json:"reasoning,omitempty"`
	Vision    bool `json:"vision,omitempty"`
	ToolUse   bool `json:"toolUse,omitempty"`
	Agentic   bool `json:"agentic,omitempty"`
}

// Model is one immutable catalog record. Prices are USD per million
// tokens.
type Model struct {
	ID                    string       `json:"id"`
	DisplayName           string       `json:"displayName"`
	Family                string       `json:"family"`
	InputPricePerMillion  float64      `json:"inputPricePerMillion"`
	OutputPricePerMillion float64      `json:"outputPricePerMillion"`
	ContextWindow         int          `json:"contextWindow"`
	MaxOutput             int          `json:"maxOutput"`
	Capabilities          Capabilities `json:"capabilities"`
}

// IsAuto reports whether this is the synthetic routing entry.
func (m Model) IsAuto() bool { return m.ID == AutoID }

// catalogData is the root structure of models.json.
type catalogData struct {
	Models  []Model           `json:"models"`
	Aliases map[string]string `json:"aliases"`
}

// Catalog is the in-memory model table. Read-mostly after load; safe
// for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]Model
	order   []string
	aliases map[string]string
}

// New returns an empty catalog. Most callers want Load.
func New() *Catalog {
	return &Catalog{
		models:  make(map[string]Model),
		aliases: make(map[string]string),
	}
}

// Load builds the catalog from the embedded models.json.
func Load() (*Catalog, error) {
	return parse(embeddedModels, "embedded")
}

// LoadFile builds the catalog from an operator-supplied file, for
// installs that maintain their own model table.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (*Catalog, error) {
	var root catalogData
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", source, err)
	}

	c := New()
	for _, m := range root.Models {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	for alias, id := range root.Aliases {
		if err := c.AddAlias(alias, id); err != nil {
			return nil, err
		}
	}
	if _, ok := c.models[AutoID]; !ok {
		return nil, fmt.Errorf("catalog: %s is missing the %q entry", source, AutoID)
	}
	L_debug("catalog: loaded", "source", source, "models", len(c.models), "aliases", len(c.aliases))
	return c, nil
}

// Register adds a model. The id must be unique.
func (c *Catalog) Register(m Model) error {
	id := strings.ToLower(strings.TrimSpace(m.ID))
	if id == "" {
		return fmt.Errorf("catalog: model with empty id")
	}
	m.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.models[id]; exists {
		return fmt.Errorf("catalog: duplicate model id %q", id)
	}
	c.models[id] = m
	c.order = append(c.order, id)
	return nil
}

// AddAlias maps a short name to a model id. The target must exist and
// must not itself be an alias, which keeps resolution idempotent.
func (c *Catalog) AddAlias(alias, id string) error {
	alias = strings.ToLower(strings.TrimSpace(alias))
	id = strings.ToLower(strings.TrimSpace(id))
	if alias == "" || id == "" {
		return fmt.Errorf("catalog: empty alias mapping %q -> %q", alias, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.models[id]; !ok {
		return fmt.Errorf("catalog: alias %q targets unknown model %q", alias, id)
	}
	if _, ok := c.aliases[id]; ok {
		return fmt.Errorf("catalog: alias %q targets another alias %q", alias, id)
	}
	if _, ok := c.models[alias]; ok {
		return fmt.Errorf("catalog: alias %q shadows a model id", alias)
	}
	c.aliases[alias] = id
	return nil
}

// Get returns the model for id (exact, already-resolved form).
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[strings.ToLower(strings.TrimSpace(id))]
	return m, ok
}

// Has reports whether id names a catalog model.
func (c *Catalog) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Resolve normalizes a client-supplied model name: trim, lowercase,
// alias lookup. Names absent from the alias table pass through in
// normalized form, so unknown ids still reach provider dispatch.
func (c *Catalog) Resolve(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.aliases[key]; ok {
		return id
	}
	return key
}

// Models returns every record in seed order, including auto.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// ServableModels returns the records clients may actually address,
// excluding the synthetic auto entry. Used by /v1/models.
func (c *Catalog) ServableModels() []Model {
	all := c.Models()
	out := make([]Model, 0, len(all))
	for _, m := range all {
		if m.IsAuto() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the number of models, auto included.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// userFirstFamilies lists provider families whose API rejects a
// conversation whose first non-system message is not a user message.
var userFirstFamilies = map[string]bool{
	"anthropic": true,
	"deepseek":  true,
}

// RequiresUserFirst reports whether the model's family needs the
// leading-message normalization applied before forwarding.
func (c *Catalog) RequiresUserFirst(id string) bool {
	m, ok := c.Get(id)
	if !ok {
		return false
	}
	return userFirstFamilies[m.Family]
}
