package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var graph bool
	cmd := &cobra.Command{
		Use:          "validate",
		Short:        "Validate the configuration and, optionally, the dependency graph",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			if !graph {
				return nil
			}

			c, _, inferenceCfg, closeFn, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			g, err := c.RefreshGraph(cmd.Context())
			if err != nil {
				return err
			}
			report := g.Validate(inferenceCfg.MaxDependencyChainLength)
			if err := printJSON(report); err != nil {
				return err
			}
			if len(report.Issues) > 0 {
				return fmt.Errorf("dependency graph has %d issue(s)", len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&graph, "graph", false, "also validate the board's dependency graph")
	return cmd
}
