package config

import (
	"testing"

	"github.com/taskherd/taskherd/internal/inference"
)

func TestValidateSettings_AcceptsFullConfig(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"storage": map[string]any{
			"backend": "sqlite",
			"path":    ".taskherd/taskherd.db",
		},
		"kanban": map[string]any{
			"bin_path": "/usr/local/bin/board",
			"dir":      ".",
		},
		"inference": map[string]any{
			"preset":    "cost_optimized",
			"cache_ttl": "72h",
		},
		"llm": map[string]any{
			"provider":    "openai",
			"model":       "gpt-5",
			"api_key_env": "OPENAI_API_KEY",
			"timeout":     "45s",
		},
		"web": map[string]any{
			"addr": "127.0.0.1:8787",
		},
		"retention": map[string]any{
			"keep_days": 30,
		},
	}

	if err := ValidateSettings(settings); err != nil {
		t.Fatalf("ValidateSettings returned error: %v", err)
	}
}

func TestValidateSettings_RejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"storage": map[string]any{"backend": "redis"},
	}
	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestValidateSettings_RejectsOutOfRangeThreshold(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"inference": map[string]any{"pattern_confidence_threshold": 1.5},
	}
	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestValidateSettings_RejectsUnknownKey(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"storge": map[string]any{"backend": "file"},
	}
	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestResolve_PresetReplacesInlineValues(t *testing.T) {
	t.Parallel()

	ic := InferenceConfig{Preset: "conservative", Config: inference.DefaultConfig()}
	resolved, err := ic.Resolve()
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved.PatternConfidenceThreshold != 0.9 {
		t.Fatalf("pattern threshold = %v, want 0.9", resolved.PatternConfidenceThreshold)
	}
}

func TestResolve_ReturnsErrorForUnknownPreset(t *testing.T) {
	t.Parallel()

	ic := InferenceConfig{Preset: "turbo"}
	if _, err := ic.Resolve(); err == nil {
		t.Fatal("Resolve returned nil error, want error")
	}
}

func TestValidate_RequiresBackendSpecificFields(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage = StorageConfig{Backend: StorageSQLite}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate returned nil error, want error for missing sqlite path")
	}

	cfg.Storage = StorageConfig{Backend: StorageFile}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate returned nil error, want error for missing file dir")
	}
}

func TestValidate_RequiresAPIKeyWhenAIEnabled(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error for defaults: %v", err)
	}

	cfg.LLM.APIKeyEnv = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate returned nil error, want error: AI enabled without a key")
	}

	cfg.Inference.Preset = "pattern_only"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error for pattern_only: %v", err)
	}
}
