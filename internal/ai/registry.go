package ai

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ProviderKind names a provider adapter family.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
	ProviderOpenAI    ProviderKind = "openai"
)

// ErrUnknownModel is returned when a short name has no catalog entry.
var ErrUnknownModel = errors.New("unknown model")

// ModelRecord describes one catalog entry. Prices are USD per million tokens.
type ModelRecord struct {
	Provider          ProviderKind `yaml:"provider" json:"provider"`
	ModelID           string       `yaml:"modelId" json:"modelId"`
	MaxTokens         int          `yaml:"maxTokens" json:"maxTokens"`
	SupportsTools     bool         `yaml:"supportsTools" json:"supportsTools"`
	SupportsStreaming bool         `yaml:"supportsStreaming" json:"supportsStreaming"`
	SupportsImages    bool         `yaml:"supportsImages" json:"supportsImages"`
	InputPerMTok      float64      `yaml:"inputPerMTok" json:"inputPerMTok"`
	OutputPerMTok     float64      `yaml:"outputPerMTok" json:"outputPerMTok"`
	CachedPerMTok     float64      `yaml:"cachedPerMTok" json:"cachedPerMTok"`
}

// Catalog maps stable short names to model records.
type Catalog struct {
	models map[string]ModelRecord
}

func defaultModels() map[string]ModelRecord {
	return map[string]ModelRecord{
		"claude-sonnet-4-5": {
			Provider: ProviderAnthropic, ModelID: "claude-sonnet-4-5",
			MaxTokens: 64000, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 3, OutputPerMTok: 15, CachedPerMTok: 0.30,
		},
		"claude-haiku-4-5": {
			Provider: ProviderAnthropic, ModelID: "claude-haiku-4-5",
			MaxTokens: 64000, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 1, OutputPerMTok: 5, CachedPerMTok: 0.10,
		},
		"claude-opus-4-1": {
			Provider: ProviderAnthropic, ModelID: "claude-opus-4-1",
			MaxTokens: 32000, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 15, OutputPerMTok: 75, CachedPerMTok: 1.50,
		},
		"gemini-2.5-pro": {
			Provider: ProviderGemini, ModelID: "gemini-2.5-pro",
			MaxTokens: 65536, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 1.25, OutputPerMTok: 10, CachedPerMTok: 0.31,
		},
		"gemini-2.5-flash": {
			Provider: ProviderGemini, ModelID: "gemini-2.5-flash",
			MaxTokens: 65536, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 0.30, OutputPerMTok: 2.50, CachedPerMTok: 0.075,
		},
		"gpt-4o": {
			Provider: ProviderOpenAI, ModelID: "gpt-4o",
			MaxTokens: 16384, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 2.50, OutputPerMTok: 10, CachedPerMTok: 1.25,
		},
		"gpt-4o-mini": {
			Provider: ProviderOpenAI, ModelID: "gpt-4o-mini",
			MaxTokens: 16384, SupportsTools: true, SupportsStreaming: true, SupportsImages: true,
			InputPerMTok: 0.15, OutputPerMTok: 0.60, CachedPerMTok: 0.075,
		},
	}
}

// NewCatalog returns the built-in catalog.
func NewCatalog() *Catalog {
	return &Catalog{models: defaultModels()}
}

// LoadCatalog returns the built-in catalog merged with entries from the given
// YAML file. Overrides win on name collision; an empty path or a missing file
// yields the built-in catalog unchanged. A malformed file is an error: a half
// applied price table is worse than none.
func LoadCatalog(path string) (*Catalog, error) {
	catalog := NewCatalog()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return nil, fmt.Errorf("failed to read model catalog %s: %w", path, err)
	}

	var overrides map[string]ModelRecord
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog %s: %w", path, err)
	}
	for name, rec := range overrides {
		if rec.Provider == "" || rec.ModelID == "" {
			return nil, fmt.Errorf("model catalog %s: entry %q must set provider and modelId", path, name)
		}
		catalog.models[name] = rec
	}
	return catalog, nil
}

// Resolve maps a short name to its record. Unknown names are a hard failure.
func (c *Catalog) Resolve(name string) (ModelRecord, error) {
	rec, ok := c.models[name]
	if !ok {
		return ModelRecord{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return rec, nil
}

// Names lists the catalog's short names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
