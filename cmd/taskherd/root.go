package main

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskherd/taskherd/internal/logging"
)

var (
	cfgFile string
	debug   bool
	rootCmd = &cobra.Command{
		Use:   "taskherd",
		Short: "taskherd coordinates software tasks across a team of agents",
	}
)

// Execute runs the root command.
func Execute() error {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", filepath.Join(".taskherd", "config.json"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logging.Init(debug)
	}
	rootCmd.AddCommand(initProjectCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(sweepCmd())
	return rootCmd.Execute()
}

func initConfig() {
	path := cfgFile
	if path == "" {
		path = filepath.Join(".taskherd", "config.json")
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
}
