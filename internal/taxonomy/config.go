// Package taxonomy loads and validates the calibration config that governs
// tag scoring: category hierarchy, synonym map, per-tag weight/bias, and
// global thresholds. The config is a versioned YAML file loaded once per
// run; swapping the file changes scoring without code changes. Malformed
// configs are rejected at load time, before any activity is processed.
package taxonomy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is a node in the taxonomy's category hierarchy
type Category struct {
	Name     string     `yaml:"name"`
	Children []Category `yaml:"children,omitempty"`
}

// Calibration adjusts a single tag's score: adjusted = raw*weight + bias
type Calibration struct {
	Weight float64 `yaml:"weight"`
	Bias   float64 `yaml:"bias"`
}

// Thresholds are the global scoring knobs
type Thresholds struct {
	// Selection is the minimum adjusted score a tag needs to survive.
	// Tags below it are never persisted.
	Selection float64 `yaml:"selection"`

	// Review marks an activity for review when its best tag scores below this
	Review float64 `yaml:"review"`

	// MaxTagsPerActivity caps how many tags one activity may carry
	MaxTagsPerActivity int `yaml:"max_tags_per_activity"`

	// VocabularyCeiling is the distinct-tags : distinct-activities ratio
	// above which brand-new tag names are suppressed (precision over recall
	// once the tag space sprawls). Default 2.5.
	VocabularyCeiling float64 `yaml:"vocabulary_ceiling"`

	// DegradedCeiling caps confidences when tagging falls back to
	// vocabulary-only matching after provider failures. Default 0.6.
	DegradedCeiling float64 `yaml:"degraded_ceiling"`
}

// Config is the full calibration model
type Config struct {
	Version    int                    `yaml:"version"`
	Categories []Category             `yaml:"categories"`
	Synonyms   map[string]string      `yaml:"synonyms"` // alias -> canonical
	Weights    map[string]Calibration `yaml:"weights"`  // canonical tag -> adjustment
	Thresholds Thresholds             `yaml:"thresholds"`
}

// Load reads and validates a taxonomy config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy config: %w", err)
	}

	cfg.normalizeKeys()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid taxonomy config %s: %w", path, err)
	}
	return &cfg, nil
}

// normalizeKeys lowercases and trims synonym and weight keys so file casing
// never affects canonicalization
func (c *Config) normalizeKeys() {
	syn := make(map[string]string, len(c.Synonyms))
	for alias, canonical := range c.Synonyms {
		syn[normalize(alias)] = normalize(canonical)
	}
	c.Synonyms = syn

	weights := make(map[string]Calibration, len(c.Weights))
	for tag, cal := range c.Weights {
		weights[normalize(tag)] = cal
	}
	c.Weights = weights
}

// Default returns a usable config with conservative thresholds and an empty
// calibration model
func Default() *Config {
	return &Config{
		Version:  1,
		Synonyms: map[string]string{},
		Weights:  map[string]Calibration{},
		Thresholds: Thresholds{
			Selection:          0.5,
			Review:             0.5,
			MaxTagsPerActivity: 10,
			VocabularyCeiling:  2.5,
			DegradedCeiling:    0.6,
		},
	}
}

// Validate rejects malformed configs: missing or out-of-range thresholds and
// cyclic or dangling synonym chains
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.Selection <= 0 || t.Selection > 1 {
		return fmt.Errorf("thresholds.selection must be in (0,1], got %v", t.Selection)
	}
	if t.Review < 0 || t.Review > 1 {
		return fmt.Errorf("thresholds.review must be in [0,1], got %v", t.Review)
	}
	if t.MaxTagsPerActivity <= 0 {
		return fmt.Errorf("thresholds.max_tags_per_activity must be positive, got %d", t.MaxTagsPerActivity)
	}
	if t.VocabularyCeiling < 0 {
		return fmt.Errorf("thresholds.vocabulary_ceiling must not be negative, got %v", t.VocabularyCeiling)
	}
	if t.DegradedCeiling < 0 || t.DegradedCeiling > 1 {
		return fmt.Errorf("thresholds.degraded_ceiling must be in [0,1], got %v", t.DegradedCeiling)
	}

	// Synonym chains must terminate: alias -> ... -> canonical with no cycle
	for alias := range c.Synonyms {
		seen := map[string]bool{}
		cur := normalize(alias)
		for {
			if seen[cur] {
				return fmt.Errorf("synonym cycle involving %q", alias)
			}
			seen[cur] = true
			next, ok := c.Synonyms[cur]
			if !ok {
				break
			}
			next = normalize(next)
			if next == cur {
				return fmt.Errorf("synonym %q maps to itself", cur)
			}
			cur = next
		}
	}

	return nil
}

// Canonicalize resolves a raw tag name to its canonical identity: lowercase,
// trimmed, synonym chains followed to their end.
func (c *Config) Canonicalize(name string) string {
	cur := normalize(name)
	// Bounded by Validate: chains are acyclic
	for {
		next, ok := c.Synonyms[cur]
		if !ok {
			return cur
		}
		cur = normalize(next)
	}
}

// Weight returns the calibration weight for a canonical tag (default 1.0)
func (c *Config) Weight(tag string) float64 {
	if cal, ok := c.Weights[tag]; ok && cal.Weight != 0 {
		return cal.Weight
	}
	return 1.0
}

// Bias returns the calibration bias for a canonical tag (default 0)
func (c *Config) Bias(tag string) float64 {
	if cal, ok := c.Weights[tag]; ok {
		return cal.Bias
	}
	return 0
}

// CategoryNames returns the flattened category hierarchy, parents first
func (c *Config) CategoryNames() []string {
	var names []string
	var walk func(cats []Category)
	walk = func(cats []Category) {
		for _, cat := range cats {
			if cat.Name != "" {
				names = append(names, cat.Name)
			}
			walk(cat.Children)
		}
	}
	walk(c.Categories)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
