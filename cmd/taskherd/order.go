package main

import (
	"github.com/spf13/cobra"
)

func orderCmd() *cobra.Command {
	var critical bool
	cmd := &cobra.Command{
		Use:          "order",
		Short:        "Print the inferred execution order for the board",
		Long:         "Fetch every board task, infer the dependency graph, and print a topological execution order. With --critical, print the critical path instead.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, _, _, closeFn, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			graph, err := c.RefreshGraph(cmd.Context())
			if err != nil {
				return err
			}

			if critical {
				path, hours := graph.CriticalPath()
				return printJSON(map[string]any{
					"critical_path": path,
					"total_hours":   hours,
				})
			}

			order, ok := graph.TopologicalOrder()
			return printJSON(map[string]any{
				"order":   order,
				"acyclic": ok,
				"edges":   graph.Edges,
			})
		},
	}
	cmd.Flags().BoolVar(&critical, "critical", false, "print the critical path")
	return cmd
}
