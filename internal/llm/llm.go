// Package llm implements dependency refiners backed by hosted language
// models. Refiners receive a text prompt and must answer with a strict JSON
// array of pair judgments; prose answers are treated as failure.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskherd/taskherd/internal/inference"
)

// Supported providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config selects and configures a refiner backend.
type Config struct {
	Provider  string        `json:"provider" mapstructure:"provider"`
	Model     string        `json:"model" mapstructure:"model"`
	APIKey    string        `json:"api_key" mapstructure:"api_key"`
	APIKeyEnv string        `json:"api_key_env" mapstructure:"api_key_env"`
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// New constructs the refiner for the configured provider.
func New(cfg Config) (inference.Refiner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		return NewOpenAIRefiner(cfg, nil)
	case ProviderGemini:
		return NewGeminiRefiner(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ParseJudgments decodes a refiner response. The model is asked for a bare
// JSON array, but responses wrapped in prose or code fences are salvaged by
// extracting the first balanced array.
func ParseJudgments(raw string) ([]inference.PairJudgment, error) {
	var judgments []inference.PairJudgment
	if err := json.Unmarshal([]byte(raw), &judgments); err == nil {
		return judgments, nil
	}

	extracted, ok := extractJSONArray(raw)
	if !ok {
		return nil, fmt.Errorf("refiner response is not a JSON array")
	}
	if err := json.Unmarshal([]byte(extracted), &judgments); err != nil {
		return nil, fmt.Errorf("parse refiner response: %w", err)
	}
	return judgments, nil
}

// extractJSONArray returns the first balanced top-level JSON array in raw,
// tracking string literals so brackets inside reasoning text don't count.
func extractJSONArray(raw string) (string, bool) {
	start := strings.IndexByte(raw, '[')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}
