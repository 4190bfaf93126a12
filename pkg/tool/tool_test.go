package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/types"
)

func echo(_ context.Context, args string) (string, error) { return args, nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry(nil, nil)
	sample := types.Tool{Name: "read", Description: "d"}
	require.NoError(t, reg.Register(sample, echo))

	err := reg.Register(sample, echo)
	assert.ErrorIs(t, err, ErrDuplicateTool)

	assert.ErrorIs(t, reg.Register(types.Tool{}, echo), ErrInvalidTool)
	assert.ErrorIs(t, reg.Register(types.Tool{Name: "x"}, nil), ErrInvalidTool)

	require.NoError(t, reg.Register(types.Tool{Name: "write"}, echo))
	got, ok := reg.Get("read")
	require.True(t, ok)
	assert.Equal(t, "read", got.Name)

	names := []string{}
	for _, tl := range reg.List() {
		names = append(names, tl.Name)
	}
	assert.Equal(t, []string{"read", "write"}, names)
}

func TestDispatch(t *testing.T) {
	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(types.Tool{Name: "echo"}, echo))
	require.NoError(t, reg.Register(types.Tool{Name: "fail"}, func(context.Context, string) (string, error) {
		return "", errors.New("disk on fire")
	}))
	require.NoError(t, reg.Register(types.Tool{Name: "kinded"}, func(context.Context, string) (string, error) {
		return "", types.NewToolError(types.KindNoMatch, "no occurrences found")
	}))
	require.NoError(t, reg.Register(types.Tool{Name: "panic"}, func(context.Context, string) (string, error) {
		panic("boom")
	}))
	require.NoError(t, reg.Register(types.Tool{Name: "cancelled"}, func(ctx context.Context, _ string) (string, error) {
		return "", context.Canceled
	}))

	tests := []struct {
		name     string
		call     types.ToolCall
		wantErr  bool
		wantKind types.ErrorKind
		wantText string
	}{
		{"value", types.ToolCall{ID: "1", Name: "echo", Arguments: `{"a":1}`}, false, "", `{"a":1}`},
		{"empty args become object", types.ToolCall{ID: "2", Name: "echo"}, false, "", "{}"},
		{"unknown tool", types.ToolCall{ID: "3", Name: "nope", Arguments: "{}"}, true, types.KindUnknownTool, "unknown tool: nope"},
		{"malformed json", types.ToolCall{ID: "4", Name: "echo", Arguments: "{oops"}, true, types.KindInvalidArguments, ""},
		{"handler error", types.ToolCall{ID: "5", Name: "fail", Arguments: "{}"}, true, types.KindHandlerFailure, "disk on fire"},
		{"handler kind", types.ToolCall{ID: "6", Name: "kinded", Arguments: "{}"}, true, types.KindNoMatch, "no occurrences found"},
		{"panic", types.ToolCall{ID: "7", Name: "panic", Arguments: "{}"}, true, types.KindHandlerFailure, ""},
		{"cancelled", types.ToolCall{ID: "8", Name: "cancelled", Arguments: "{}"}, true, types.KindCancelled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res *types.ToolResult
			require.NotPanics(t, func() { res = reg.Dispatch(context.Background(), tt.call) })
			require.NotNil(t, res)
			assert.Equal(t, tt.call.ID, res.ToolCallID)
			assert.Equal(t, tt.call.Name, res.ToolName)
			assert.Equal(t, tt.wantErr, res.IsError)
			assert.Equal(t, tt.wantKind, res.ErrorKind)
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, res.Content)
			}
		})
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	reg := NewRegistry(nil, nil)
	called := false
	require.NoError(t, reg.Register(types.Tool{Name: "echo"}, func(context.Context, string) (string, error) {
		called = true
		return "", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := reg.Dispatch(ctx, types.ToolCall{ID: "1", Name: "echo"})

	assert.False(t, called)
	assert.Equal(t, types.KindCancelled, res.ErrorKind)
}

type emitterFunc func(context.Context, types.Event)

func (f emitterFunc) Emit(ctx context.Context, e types.Event) { f(ctx, e) }

func TestDispatchCollectsEvents(t *testing.T) {
	// Stand-in for the event log: records into the dispatch recorder.
	log := emitterFunc(func(ctx context.Context, e types.Event) { types.RecorderFrom(ctx).Record(e) })

	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(types.Tool{Name: "say"}, func(ctx context.Context, args string) (string, error) {
		log.Emit(ctx, &types.MessageToUserEvent{
			BaseEvent: types.NewBaseEvent(types.EventMessageToUser, "assistant", ""),
			Text:      "hi",
		})
		return "ok", nil
	}))

	res := reg.Dispatch(context.Background(), types.ToolCall{ID: "1", Name: "say"})
	require.Len(t, res.Events, 1)
	assert.Equal(t, types.EventMessageToUser, res.Events[0].EventType())
}

func TestPolicyCheck(t *testing.T) {
	policy := NewPolicy(config.SecurityConfig{AllowedTools: []string{"safe", "blocked"}, DeniedTools: []string{"blocked"}})

	action, err := policy.Check(context.Background(), "safe", "{}")
	assert.NoError(t, err)
	assert.Equal(t, PolicyAllow, action)

	action, err = policy.Check(context.Background(), "other", "{}")
	assert.Error(t, err)
	assert.Equal(t, PolicyDeny, action)

	action, _ = policy.Check(context.Background(), "blocked", "{}")
	assert.Equal(t, PolicyDeny, action)

	open := NewPolicy(config.SecurityConfig{})
	action, err = open.Check(context.Background(), "anything", "{}")
	assert.NoError(t, err)
	assert.Equal(t, PolicyAllow, action)
}

func TestDispatchPolicyDenied(t *testing.T) {
	reg := NewRegistry(NewPolicy(config.SecurityConfig{AllowedTools: []string{"read"}}), nil)
	require.NoError(t, reg.Register(types.Tool{Name: "read"}, echo))
	require.NoError(t, reg.Register(types.Tool{Name: "write"}, echo))

	assert.False(t, reg.Dispatch(context.Background(), types.ToolCall{ID: "1", Name: "read"}).IsError)

	res := reg.Dispatch(context.Background(), types.ToolCall{ID: "2", Name: "write"})
	assert.True(t, res.IsError)
	assert.Equal(t, types.KindPolicyDenied, res.ErrorKind)
}

type sampleArgs struct {
	Path string `json:"path" validate:"required"`
	Mode string `json:"mode" validate:"omitempty,oneof=console return"`
}

func TestDecodeArgs(t *testing.T) {
	got, err := DecodeArgs[sampleArgs](`{"path":"a.go","mode":"console"}`)
	require.NoError(t, err)
	assert.Equal(t, "a.go", got.Path)

	_, err = DecodeArgs[sampleArgs](`{"mode":"console"}`)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidArguments, types.KindOf(err))
	assert.Contains(t, err.Error(), "path is required")

	_, err = DecodeArgs[sampleArgs](`{"path":"a","mode":"loud"}`)
	assert.Contains(t, err.Error(), "mode must be one of [console return]")

	_, err = DecodeArgs[sampleArgs](`{"path": 3}`)
	assert.Equal(t, types.KindInvalidArguments, types.KindOf(err))

	_, err = DecodeArgs[sampleArgs](`{"path":"a","pth":"b"}`)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidArguments, types.KindOf(err))
	assert.Contains(t, err.Error(), `unknown field "pth"`)

	_, err = DecodeArgs[sampleArgs](`{"path":"a"} {"path":"b"}`)
	assert.Equal(t, types.KindInvalidArguments, types.KindOf(err))

	got, err = DecodeArgs[sampleArgs]("{\"path\":\"a\"}\n")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Path)
}
