package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/eventlog"
	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/llm/mock"
	"github.com/gm-agent-org/kode/pkg/types"
)

func call(name, args string) types.ToolCall {
	return types.ToolCall{Name: name, Arguments: args}
}

func TestConversationEditsWorkspace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("foo bar foo\n"), 0o644))

	cfg := config.Default()
	cfg.Files.WorkspaceRoot = root

	provider := mock.NewScripted(
		llm.ProviderResponse{ToolCalls: []types.ToolCall{call("read_file", `{"path":"main.go"}`)}},
		llm.ProviderResponse{ToolCalls: []types.ToolCall{
			call("patch_file", `{"path":"main.go","original_content":"foo","edited_content":"baz","replace_all":true}`),
			call("run_script", `{"code":"1 + 1","output_mode":"return"}`),
		}},
		llm.ProviderResponse{Content: "done"},
	)

	sinkPath := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := eventlog.NewFileSink(sinkPath)
	require.NoError(t, err)
	defer sink.Close()

	engine, err := NewEngine(cfg, llm.NewGateway(provider, config.ProviderOptions{}), nil, sink)
	require.NoError(t, err)

	conv, err := engine.NewConversation("")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	defer conv.Events.Close()

	state, err := conv.Loop.Run(context.Background(), "replace foo with baz")
	require.NoError(t, err)
	assert.Equal(t, types.TerminationSuccess, state.Reason)

	data, err := os.ReadFile(filepath.Join(root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "baz bar baz\n", string(data))

	var toolOutputs []string
	for _, m := range state.Messages {
		if m.Role == types.RoleTool {
			toolOutputs = append(toolOutputs, m.Content)
		}
	}
	require.Len(t, toolOutputs, 3)
	assert.Equal(t, "foo bar foo\n", toolOutputs[0])
	assert.Equal(t, "2", toolOutputs[2])

	kinds := map[string]int{}
	for _, e := range conv.Events.Since(0) {
		kinds[e.Event.EventType()]++
		assert.Equal(t, conv.ID, e.Event.EventSubject())
	}
	assert.Equal(t, 1, kinds[types.EventFileRead])
	assert.Equal(t, 1, kinds[types.EventFileWritten])
	assert.Equal(t, 1, kinds[types.EventScriptRun])
	assert.Equal(t, 3, kinds[types.EventToolCompleted])
	assert.Equal(t, 1, kinds[types.EventConversationEnded])

	mirrored, err := eventlog.ReadFile(sinkPath)
	require.NoError(t, err)
	assert.Len(t, mirrored, conv.Events.Len())
}

func TestPolicyDeniesTool(t *testing.T) {
	cfg := config.Default()
	cfg.Files.WorkspaceRoot = t.TempDir()
	cfg.Security.DeniedTools = []string{"run_script"}

	provider := mock.NewScripted(
		llm.ProviderResponse{ToolCalls: []types.ToolCall{call("run_script", `{"code":"1","output_mode":"return"}`)}},
		llm.ProviderResponse{Content: "ok"},
	)
	engine, err := NewEngine(cfg, llm.NewGateway(provider, config.ProviderOptions{}), nil)
	require.NoError(t, err)
	conv, err := engine.NewConversation("cnv_policy")
	require.NoError(t, err)

	state, err := conv.Loop.Run(context.Background(), "run it")
	require.NoError(t, err)
	tool := state.Messages[len(state.Messages)-2]
	assert.Equal(t, types.RoleTool, tool.Role)
	assert.Contains(t, tool.Content, string(types.KindPolicyDenied))
}

func TestToolsetHasNoInteractionTools(t *testing.T) {
	cfg := config.Default()
	cfg.Files.WorkspaceRoot = t.TempDir()
	engine, err := NewEngine(cfg, nil, nil)
	require.NoError(t, err)

	reg, events, err := engine.Toolset("mcp")
	require.NoError(t, err)
	defer events.Close()

	var names []string
	for _, tl := range reg.List() {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"read_file", "patch_file", "run_script"}, names)

	res := reg.Dispatch(context.Background(), call("run_script", `{"code":"6 * 7","output_mode":"return"}`))
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "42", res.Content)
	require.Equal(t, 1, events.Len())
	assert.Equal(t, "mcp", events.Since(0)[0].Event.EventSubject())
}

func TestParallelInputRequestsAreSerialized(t *testing.T) {
	cfg := config.Default()
	cfg.Files.WorkspaceRoot = t.TempDir()
	cfg.Loop.ToolExecution = config.ToolExecutionParallel

	provider := mock.NewScripted(
		llm.ProviderResponse{ToolCalls: []types.ToolCall{
			call("wait_for_user_input", `{"prompt":"first?"}`),
			call("wait_for_user_input", `{"prompt":"second?"}`),
		}},
		llm.ProviderResponse{Content: "done"},
	)
	engine, err := NewEngine(cfg, llm.NewGateway(provider, config.ProviderOptions{}), nil)
	require.NoError(t, err)
	conv, err := engine.NewConversation("cnv_inputs")
	require.NoError(t, err)
	defer conv.Events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		state *types.ConversationState
		err   error
	}
	done := make(chan outcome, 1)
	sub := conv.Events.Subscribe(ctx, 0)
	go func() {
		state, err := conv.Loop.Run(ctx, "ask twice")
		done <- outcome{state, err}
	}()

	var prompts []string
	for entry := range sub {
		w, ok := entry.Event.(*types.WaitingForInputEvent)
		if !ok {
			continue
		}
		pending := conv.Broker.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, w.RequestID, pending[0].ID)

		require.NoError(t, conv.Broker.Supply(ctx, w.RequestID, "answer to "+w.Prompt))
		prompts = append(prompts, w.Prompt)
		if len(prompts) == 2 {
			break
		}
	}
	assert.ElementsMatch(t, []string{"first?", "second?"}, prompts)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("conversation did not finish")
	}
	require.NoError(t, out.err)
	assert.Equal(t, types.TerminationSuccess, out.state.Reason)

	var answers []string
	for _, m := range out.state.Messages {
		if m.Role == types.RoleTool {
			answers = append(answers, m.Content)
		}
	}
	assert.Equal(t, []string{"answer to first?", "answer to second?"}, answers)
	assert.Empty(t, conv.Broker.Pending())
}
