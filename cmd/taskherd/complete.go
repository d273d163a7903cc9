package main

import (
	"github.com/spf13/cobra"
)

func completeCmd() *cobra.Command {
	var (
		failed      bool
		actualHours float64
		blockers    []string
	)
	cmd := &cobra.Command{
		Use:          "complete <agent-id> <task-id>",
		Short:        "Report a task outcome",
		Long:         "Report a task outcome for the agent's active task. The outcome feeds agent profiles and task patterns, and closes or blocks the board issue.",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(2),
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

			outcome, err := c.CompleteTask(cmd.Context(), args[0], args[1], !failed, actualHours, blockers, nil)
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "report the task as failed")
	cmd.Flags().Float64Var(&actualHours, "hours", 0, "actual hours spent")
	cmd.Flags().StringArrayVar(&blockers, "blocker", nil, "blocker encountered (repeatable)")
	return cmd
}
