package inference

import (
	"fmt"
	"time"
)

// Config tunes the hybrid inferer.
type Config struct {
	// PatternConfidenceThreshold accepts pattern edges outright; weaker
	// pattern edges are handed to the refiner.
	PatternConfidenceThreshold float64 `json:"pattern_confidence_threshold" mapstructure:"pattern_confidence_threshold"`
	// AIConfidenceThreshold is the minimum confidence for an AI-only edge.
	AIConfidenceThreshold float64 `json:"ai_confidence_threshold" mapstructure:"ai_confidence_threshold"`
	// CombinedConfidenceBoost rewards pattern/AI agreement on a pair.
	CombinedConfidenceBoost float64 `json:"combined_confidence_boost" mapstructure:"combined_confidence_boost"`
	// MaxAIPairsPerBatch bounds the ambiguous pairs sent per refiner call.
	MaxAIPairsPerBatch int `json:"max_ai_pairs_per_batch" mapstructure:"max_ai_pairs_per_batch"`
	// MinSharedKeywords is the word overlap that makes an unrelated pair
	// worth asking the refiner about.
	MinSharedKeywords int `json:"min_shared_keywords" mapstructure:"min_shared_keywords"`
	// EnableAIInference is the master switch; off means pattern-only.
	EnableAIInference bool `json:"enable_ai_inference" mapstructure:"enable_ai_inference"`
	// CacheTTL is the lifetime of cached refiner results.
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	// RequireComponentMatch extends the shared-word check to every rule.
	RequireComponentMatch bool `json:"require_component_match" mapstructure:"require_component_match"`
	// MaxDependencyChainLength is the chain length that triggers a
	// validation warning.
	MaxDependencyChainLength int `json:"max_dependency_chain_length" mapstructure:"max_dependency_chain_length"`
}

// DefaultConfig is the balanced configuration.
func DefaultConfig() Config {
	return Config{
		PatternConfidenceThreshold: 0.8,
		AIConfidenceThreshold:      0.7,
		CombinedConfidenceBoost:    0.15,
		MaxAIPairsPerBatch:         20,
		MinSharedKeywords:          2,
		EnableAIInference:          true,
		CacheTTL:                   24 * time.Hour,
		MaxDependencyChainLength:   10,
	}
}

// PresetConfig returns a named tuning preset.
func PresetConfig(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case "balanced":
	case "conservative":
		cfg.PatternConfidenceThreshold = 0.9
		cfg.AIConfidenceThreshold = 0.8
		cfg.CombinedConfidenceBoost = 0.1
		cfg.MaxAIPairsPerBatch = 10
	case "aggressive":
		cfg.PatternConfidenceThreshold = 0.7
		cfg.AIConfidenceThreshold = 0.6
		cfg.CombinedConfidenceBoost = 0.2
		cfg.MaxAIPairsPerBatch = 30
	case "cost_optimized":
		cfg.MaxAIPairsPerBatch = 10
		cfg.MinSharedKeywords = 3
		cfg.CacheTTL = 72 * time.Hour
	case "pattern_only":
		cfg.EnableAIInference = false
	default:
		return Config{}, fmt.Errorf("unknown inference preset %q", name)
	}
	return cfg, nil
}

// Validate rejects out-of-range parameters.
func (c Config) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("validate inference config: %s %v outside [0,1]", name, v)
		}
		return nil
	}
	if err := check("pattern_confidence_threshold", c.PatternConfidenceThreshold); err != nil {
		return err
	}
	if err := check("ai_confidence_threshold", c.AIConfidenceThreshold); err != nil {
		return err
	}
	if err := check("combined_confidence_boost", c.CombinedConfidenceBoost); err != nil {
		return err
	}
	if c.MaxAIPairsPerBatch <= 0 {
		return fmt.Errorf("validate inference config: max_ai_pairs_per_batch must be positive")
	}
	if c.MinSharedKeywords <= 0 {
		return fmt.Errorf("validate inference config: min_shared_keywords must be positive")
	}
	return nil
}
