package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gm-agent-org/kode/pkg/agent"
	"github.com/gm-agent-org/kode/pkg/llm/factory"
	"github.com/gm-agent-org/kode/pkg/types"
)

func newRunCmd(a *app) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run one conversation in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTask(cmd.Context(), strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout(), plain)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Print the answer without markdown rendering")
	return cmd
}

func (a *app) runTask(ctx context.Context, task string, in io.Reader, out io.Writer, plain bool) error {
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
	conv, err := engine.NewConversation("")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, styleTitle.Render("kode")+" "+styleMuted.Render(conv.ID+" "+model.ProviderID()))

	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		a.follow(ctx, conv, readLines(inputCtx, in), out)
	}()

	state, runErr := conv.Loop.Run(ctx, task)
	_ = conv.Events.Close()
	<-rendered

	if state != nil && state.Answer != "" {
		fmt.Fprintln(out)
		if plain {
			fmt.Fprintln(out, state.Answer)
		} else {
			fmt.Fprintln(out, renderMarkdown(state.Answer, 100))
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// follow prints the event log as it grows and answers input requests from
// lines. It returns once the log is closed and drained, or ctx ends.
func (a *app) follow(ctx context.Context, conv *agent.Conversation, lines <-chan string, out io.Writer) {
	for entry := range conv.Events.Subscribe(ctx, 0) {
		if line := renderEvent(entry.Event); line != "" {
			fmt.Fprintln(out, line)
		}

		req, ok := entry.Event.(*types.WaitingForInputEvent)
		if !ok {
			continue
		}
		fmt.Fprint(out, styleWarning.Render("> "))
		text, ok := nextLine(ctx, lines)
		if !ok {
			a.log.Warn("no input available", "request_id", req.RequestID)
			continue
		}
		if err := conv.Broker.Supply(ctx, req.RequestID, text); err != nil {
			a.log.Warn("supply input", "request_id", req.RequestID, "error", err)
		}
	}
}

// readLines delivers the lines of in, without their line endings, until in
// is exhausted or ctx ends. Nothing waits on the reading goroutine, which
// may stay blocked in Read after ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		r := bufio.NewReader(in)
		for {
			text, err := r.ReadString('\n')
			if text != "" {
				select {
				case out <- strings.TrimRight(text, "\r\n"):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// nextLine waits for one line. ok is false when input is exhausted or ctx
// ended first.
func nextLine(ctx context.Context, lines <-chan string) (string, bool) {
	select {
	case text, ok := <-lines:
		return text, ok
	case <-ctx.Done():
		return "", false
	}
}
