package main

import (
	"github.com/spf13/cobra"

	"github.com/gm-agent-org/kode/pkg/agent"
	"github.com/gm-agent-org/kode/pkg/api/handler"
	"github.com/gm-agent-org/kode/pkg/mcpserver"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the file and script tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sinks, closeSinks, err := a.openSinks(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSinks()

			// No model: the MCP client drives the tools.
			engine, err := agent.NewEngine(a.cfg, nil, a.log, sinks...)
			if err != nil {
				return err
			}
			reg, events, err := engine.Toolset("mcp")
			if err != nil {
				return err
			}
			defer events.Close()

			srv, err := mcpserver.New("kode", handler.Version, reg, a.log)
			if err != nil {
				return err
			}
			return srv.ServeStdio()
		},
	}
}
