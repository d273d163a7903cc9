package main

import (
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskherd/taskherd/internal/web"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the coordinator status API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, events, inferenceCfg, closeFn, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if addr == "" {
				addr = cfg.Web.Addr
			}
			server := web.NewServer(c, events, inferenceCfg.MaxDependencyChainLength)
			log.Info().Str("addr", addr).Msg("serving status API")
			return http.ListenAndServe(addr, server.Routes())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides web.addr)")
	return cmd
}
