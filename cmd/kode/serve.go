package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/kode/pkg/agent"
	"github.com/gm-agent-org/kode/pkg/api"
	"github.com/gm-agent-org/kode/pkg/api/service"
	"github.com/gm-agent-org/kode/pkg/llm/factory"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}

			sinks, closeSinks, err := a.openSinks(ctx)
			if err != nil {
				return err
			}
			defer closeSinks()

			model, err := factory.NewGateway(ctx, a.cfg)
			if err != nil {
				return fmt.Errorf("create model: %w", err)
			}
			engine, err := agent.NewEngine(a.cfg, model, a.log, sinks...)
			if err != nil {
				return err
			}

			svc := service.NewConversationService(service.EngineFactory(ctx, engine), a.log)
			srv := api.NewServer(a.cfg.HTTP, svc, a.log)
			a.log.Info("starting http server", "addr", srv.Addr(), "provider", model.ProviderID())
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	return cmd
}
