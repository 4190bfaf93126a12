package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/kode/pkg/client"
	"github.com/gm-agent-org/kode/pkg/types"
)

func newRemoteCmd(a *app) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "remote [task]",
		Short: "Run one conversation on a kode server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := a.v.GetString("api-key")
			if apiKey == "" {
				apiKey = a.cfg.HTTP.APIKey
			}
			c, err := client.New(a.v.GetString("server"), apiKey, a.v.GetDuration("timeout"))
			if err != nil {
				return err
			}
			return a.remoteTask(cmd.Context(), c, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout(), plain)
		},
	}
	cmd.Flags().StringP("server", "s", "http://localhost:8080", "Server base URL")
	cmd.Flags().String("api-key", "", "API key for server authentication")
	cmd.Flags().Duration("timeout", 10*time.Second, "HTTP request timeout")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print the answer without markdown rendering")
	for _, name := range []string{"server", "api-key", "timeout"} {
		_ = a.v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func (a *app) remoteTask(ctx context.Context, c *client.Client, task string, in io.Reader, out io.Writer, plain bool) error {
	conv, err := c.CreateConversation(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, styleTitle.Render("kode")+" "+styleMuted.Render(conv.ID))

	stream, err := c.StreamEvents(ctx, conv.ID, 0)
	if err != nil {
		return fmt.Errorf("stream events: %w", err)
	}

	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	lines := readLines(inputCtx, in)
	for evt := range stream {
		if evt.Seq == 0 {
			continue
		}
		decoded, err := evt.Decode()
		if err != nil {
			a.log.Warn("undecodable event", "seq", evt.Seq, "type", evt.Type, "error", err)
			continue
		}
		if line := renderEvent(decoded); line != "" {
			fmt.Fprintln(out, line)
		}
		req, ok := decoded.(*types.WaitingForInputEvent)
		if !ok {
			continue
		}
		fmt.Fprint(out, styleWarning.Render("> "))
		text, ok := nextLine(ctx, lines)
		if !ok {
			a.log.Warn("no input available", "request_id", req.RequestID)
			continue
		}
		if err := c.SupplyInput(ctx, conv.ID, req.RequestID, text); err != nil {
			a.log.Warn("supply input", "request_id", req.RequestID, "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		_ = c.Cancel(context.WithoutCancel(ctx), conv.ID)
		return nil
	}

	final, err := c.GetConversation(ctx, conv.ID, false)
	if err != nil {
		return err
	}
	if final.Answer != "" {
		fmt.Fprintln(out)
		if plain {
			fmt.Fprintln(out, final.Answer)
		} else {
			fmt.Fprintln(out, renderMarkdown(final.Answer, 100))
		}
	}
	if final.Error != "" {
		return fmt.Errorf("conversation %s: %s", final.Status, final.Error)
	}
	return nil
}
