package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskherd/taskherd/internal/model"
)

func nextCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:          "next <agent-id>",
		Short:        "Request the next ready task for an agent",
		Long:         "Request the next ready task for an agent and print the assignment bundle: the task, accumulated context, and outcome predictions.",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
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

			agentID := args[0]
			c.RegisterAgent(cmd.Context(), model.Agent{ID: agentID, Name: name, Role: role})

			bundle, err := c.RequestNextTask(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if bundle == nil {
				fmt.Println("no task available")
				return nil
			}
			return printJSON(bundle)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent display name")
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	return cmd
}
