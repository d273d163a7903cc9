// Package config provides configuration loading and management for taskherd.
package config

import (
	"fmt"

	"github.com/taskherd/taskherd/internal/inference"
	"github.com/taskherd/taskherd/internal/llm"
)

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig   `json:"storage"   mapstructure:"storage"`
	Kanban    KanbanConfig    `json:"kanban"    mapstructure:"kanban"`
	Inference InferenceConfig `json:"inference" mapstructure:"inference"`
	LLM       llm.Config      `json:"llm"       mapstructure:"llm"`
	Web       WebConfig       `json:"web"       mapstructure:"web"`
	Retention RetentionPolicy `json:"retention" mapstructure:"retention"`
}

// Storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// StorageConfig selects where learned state persists.
type StorageConfig struct {
	Backend string `json:"backend"        mapstructure:"backend"`
	// Dir holds the JSON collections of the file backend.
	Dir string `json:"dir,omitempty"  mapstructure:"dir"`
	// Path is the sqlite database file.
	Path string `json:"path,omitempty" mapstructure:"path"`
}

// KanbanConfig points at the board CLI.
type KanbanConfig struct {
	BinPath string `json:"bin_path,omitempty" mapstructure:"bin_path"`
	Dir     string `json:"dir,omitempty"      mapstructure:"dir"`
}

// InferenceConfig is either a named preset or inline tuning. Loading
// overlays the file onto Default(), so unset inline fields keep their
// defaults; a preset, when named, replaces the inline values entirely.
type InferenceConfig struct {
	Preset string `json:"preset,omitempty" mapstructure:"preset"`

	inference.Config `mapstructure:",squash"`
}

// WebConfig configures the status server.
type WebConfig struct {
	Addr string `json:"addr,omitempty" mapstructure:"addr"`
}

// RetentionPolicy defines how long persisted context survives.
type RetentionPolicy struct {
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Storage:   StorageConfig{Backend: StorageFile, Dir: ".taskherd/data"},
		Kanban:    KanbanConfig{BinPath: "board", Dir: "."},
		Inference: InferenceConfig{Config: inference.DefaultConfig()},
		LLM:       llm.Config{Provider: llm.ProviderOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
		Web:       WebConfig{Addr: "127.0.0.1:8787"},
		Retention: RetentionPolicy{KeepDays: 30},
	}
}

// Resolve produces the effective inferer configuration.
func (c InferenceConfig) Resolve() (inference.Config, error) {
	cfg := c.Config
	if c.Preset != "" {
		preset, err := inference.PresetConfig(c.Preset)
		if err != nil {
			return inference.Config{}, err
		}
		cfg = preset
	}
	if err := cfg.Validate(); err != nil {
		return inference.Config{}, err
	}
	return cfg, nil
}

// Validate checks the parts the JSON schema cannot express.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "":
		return fmt.Errorf("storage.backend is required")
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	resolved, err := c.Inference.Resolve()
	if err != nil {
		return err
	}
	if resolved.EnableAIInference && c.LLM.APIKey == "" && c.LLM.APIKeyEnv == "" {
		return fmt.Errorf("llm.api_key or llm.api_key_env is required when AI inference is enabled")
	}
	return nil
}
