package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/contextstore"
	"github.com/taskherd/taskherd/internal/coordinator"
	"github.com/taskherd/taskherd/internal/db"
	"github.com/taskherd/taskherd/internal/inference"
	"github.com/taskherd/taskherd/internal/kanban"
	"github.com/taskherd/taskherd/internal/llm"
	"github.com/taskherd/taskherd/internal/memory"
	"github.com/taskherd/taskherd/internal/storage"
)

func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".taskherd", "config.json")
	}

	cfg := config.Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}

	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := config.ValidateSettings(settings); err != nil {
		return config.Config{}, err
	}

	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore builds the configured persistence backend. The second return is
// a MedianProvider when the backend supports one.
func openStore(cfg config.StorageConfig) (storage.Store, memory.MedianProvider, func(), error) {
	switch cfg.Backend {
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		storeDB, err := db.Open(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		store := storage.NewSQLStore(storeDB)
		return store, store, func() { _ = storeDB.Close() }, nil
	default:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		return storage.NewFileStore(cfg.Dir), nil, func() {}, nil
	}
}

// buildCoordinator assembles the full stack from the configuration.
func buildCoordinator(cfg config.Config) (*coordinator.Coordinator, *bus.Bus, inference.Config, func(), error) {
	store, medians, closeFn, err := openStore(cfg.Storage)
	if err != nil {
		return nil, nil, inference.Config{}, nil, err
	}

	events := bus.New(bus.WithStore(store))
	memOpts := []memory.Option{memory.WithStore(store)}
	if medians != nil {
		memOpts = append(memOpts, memory.WithMedianProvider(medians))
	}
	mem := memory.New(events, memOpts...)
	if err := mem.Load(context.Background()); err != nil {
		closeFn()
		return nil, nil, inference.Config{}, nil, err
	}

	inferenceCfg, err := cfg.Inference.Resolve()
	if err != nil {
		closeFn()
		return nil, nil, inference.Config{}, nil, err
	}
	inferenceOpts := []inference.Option{inference.WithBus(events)}
	if inferenceCfg.EnableAIInference {
		refiner, err := llm.New(cfg.LLM)
		if err != nil {
			closeFn()
			return nil, nil, inference.Config{}, nil, err
		}
		inferenceOpts = append(inferenceOpts, inference.WithRefiner(refiner))
	}
	inferer, err := inference.New(inferenceCfg, inferenceOpts...)
	if err != nil {
		closeFn()
		return nil, nil, inference.Config{}, nil, err
	}

	board := kanban.NewCLIProvider(cfg.Kanban.BinPath, kanban.WithEventBus(events))
	if cfg.Kanban.Dir != "" {
		board.Dir = cfg.Kanban.Dir
	}

	c := coordinator.New(events, contextstore.New(events, store), mem, inferer, board, coordinator.WithStore(store))
	return c, events, inferenceCfg, closeFn, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
