package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:          "sweep",
		Short:        "Clear persisted context older than the retention window",
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

			if days <= 0 {
				days = cfg.Retention.KeepDays
			}
			c.Sweep(cmd.Context(), days)
			fmt.Printf("cleared context older than %d day(s)\n", days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (defaults to retention.keep_days)")
	return cmd
}
