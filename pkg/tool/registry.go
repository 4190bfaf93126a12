package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gm-agent-org/kode/pkg/types"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("invalid tool registration")
)

// Handler implements a tool. args is the raw JSON object sent by the model.
type Handler func(ctx context.Context, args string) (string, error)

type entry struct {
	tool    types.Tool
	handler Handler
}

// Registry is the table of declared tools. Tools are registered once at
// startup; Dispatch is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	order  []string
	policy *Policy
	log    *slog.Logger
}

// NewRegistry creates an empty registry. policy may be nil to allow all
// tools.
func NewRegistry(policy *Policy, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]entry),
		policy: policy,
		log:    log,
	}
}

// Register declares a tool. Duplicate names fail.
func (r *Registry) Register(tool types.Tool, handler Handler) error {
	if tool.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = entry{tool: tool, handler: handler}
	r.order = append(r.order, tool.Name)
	return nil
}

func (r *Registry) Get(name string) (types.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// List returns the declarations in registration order.
func (r *Registry) List() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name].tool)
	}
	return result
}

// Dispatch runs call and always returns a result. Unknown tools, policy
// denials, malformed arguments, handler errors and panics all become error
// results. Events emitted while the handler runs are attached to the result.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) *types.ToolResult {
	ctx, rec := types.WithEventRecorder(ctx)
	start := time.Now()

	res := r.dispatch(ctx, call)
	res.Events = rec.Events()

	r.log.Debug("tool dispatched",
		"tool", call.Name,
		"call_id", call.ID,
		"is_error", res.IsError,
		"error_kind", res.ErrorKind,
		"duration", time.Since(start),
	)
	return res
}

func (r *Registry) dispatch(ctx context.Context, call types.ToolCall) *types.ToolResult {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return types.ErrorResult(call, types.KindUnknownTool, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if r.policy != nil {
		if action, err := r.policy.Check(ctx, call.Name, call.Arguments); action == PolicyDeny {
			return types.ErrorResult(call, types.KindPolicyDenied, err.Error())
		}
	}

	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return types.ErrorResult(call, types.KindInvalidArguments, "arguments are not valid JSON")
	}

	if err := ctx.Err(); err != nil {
		return types.ErrorResult(call, types.KindCancelled, err.Error())
	}

	output, err := r.safeCall(ctx, e.handler, call, args)
	if err != nil {
		kind := types.KindOf(err)
		if kind == types.KindHandlerFailure && errors.Is(err, context.Canceled) {
			kind = types.KindCancelled
		}
		return types.ErrorResult(call, kind, err.Error())
	}
	return types.ValueResult(call, output)
}

// safeCall runs the handler, converting a panic into an error.
func (r *Registry) safeCall(ctx context.Context, h Handler, call types.ToolCall, args string) (output string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tool handler panic", "tool", call.Name, "call_id", call.ID, "panic", p, "stack", string(debug.Stack()))
			output = ""
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()
	return h(ctx, args)
}
