package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func initProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new taskherd project",
		Long:  "Initialize a new taskherd project by creating the .taskherd directory and installing a default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}

			herdDir := filepath.Join(repoRoot, ".taskherd")
			log.Info().Str("dir", herdDir).Msg("creating taskherd directory")
			if err := os.MkdirAll(filepath.Join(herdDir, "data"), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			configPath := filepath.Join(herdDir, "config.json")
			if _, err := os.Stat(configPath); err == nil {
				log.Info().Msg("config.json already exists, skipping")
			} else {
				log.Info().Str("path", configPath).Msg("installing default config")
				defaultConfig := map[string]any{
					"storage": map[string]any{
						"backend": "sqlite",
						"path":    filepath.Join(".taskherd", "taskherd.db"),
					},
					"kanban": map[string]any{
						"bin_path": "board",
					},
					"inference": map[string]any{
						"preset": "balanced",
					},
					"llm": map[string]any{
						"provider":    "openai",
						"api_key_env": "OPENAI_API_KEY",
					},
					"web": map[string]any{
						"addr": "127.0.0.1:8787",
					},
					"retention": map[string]any{
						"keep_days": 30,
					},
				}
				data, err := json.MarshalIndent(defaultConfig, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal default config: %w", err)
				}
				if err := os.WriteFile(configPath, data, 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
			}

			fmt.Println("taskherd initialized successfully")
			return nil
		},
	}
}
