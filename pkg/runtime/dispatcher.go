package runtime

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gm-agent-org/kode/pkg/types"
)

// execute runs the tool calls of one turn and returns their results in
// issue order, whichever order they complete in.
func (l *Loop) execute(ctx context.Context, calls []types.ToolCall) []*types.ToolResult {
	results := make([]*types.ToolResult, len(calls))

	if !l.config.Parallel || len(calls) == 1 {
		for i, call := range calls {
			results[i] = l.executeCall(ctx, call)
		}
		return results
	}

	// Handlers report failures as results, so the group never short-circuits.
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.executeCall(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *Loop) executeCall(ctx context.Context, call types.ToolCall) *types.ToolResult {
	if l.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	res := l.tools.Dispatch(ctx, call)
	if res == nil {
		res = types.ErrorResult(call, types.KindHandlerFailure, "tool returned no result")
	}
	elapsed := time.Since(start)

	if res.IsError {
		l.log.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "kind", res.ErrorKind, "error", res.Content)
	} else {
		l.log.Debug("tool completed", "tool", call.Name, "call_id", call.ID, "duration", elapsed)
	}

	l.emit(context.WithoutCancel(ctx), &types.ToolCompletedEvent{
		BaseEvent:  types.NewBaseEvent(types.EventToolCompleted, "tool", l.state.ID),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Success:    !res.IsError,
		Output:     res.Content,
		ErrorKind:  res.ErrorKind,
		Duration:   elapsed.Milliseconds(),
	})
	return res
}
