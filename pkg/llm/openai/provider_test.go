package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/types"
)

func TestConvertMessages(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "1", Name: "read_file", Arguments: "{}"}}},
		{Role: types.RoleTool, ToolCallID: "1", ToolName: "read_file", Content: "result"},
	}
	converted, err := convertMessages(msgs)
	require.NoError(t, err)
	require.Len(t, converted, 4)

	assert.Equal(t, "read_file", converted[2].ToolCalls[0].Function.Name)
	assert.Equal(t, sdk.ToolTypeFunction, converted[2].ToolCalls[0].Type)
	assert.Equal(t, " ", converted[2].Content, "empty content is padded")
	assert.Equal(t, "1", converted[3].ToolCallID)
}

func TestConvertMessagesRejectsMalformed(t *testing.T) {
	_, err := convertMessages([]types.Message{{Role: types.RoleTool, Content: "orphan"}})
	assert.ErrorContains(t, err, "no tool_call_id")

	_, err = convertMessages([]types.Message{{Role: "narrator", Content: "x"}})
	assert.ErrorContains(t, err, "unsupported role")
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest(&llm.ProviderRequest{
		Model:       "gpt-test",
		Messages:    []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Tools:       []types.Tool{{Name: "read_file", Parameters: types.JSONSchema{"type": "object"}}},
		ToolChoice:  llm.ToolChoiceRequired,
		Temperature: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "required", req.ToolChoice)
	assert.Equal(t, true, req.ParallelToolCalls)
	assert.Equal(t, float32(0.5), req.Temperature)

	// Without tools, tool_choice must not be sent.
	req, err = buildRequest(&llm.ProviderRequest{
		Model:      "gpt-test",
		Messages:   []types.Message{{Role: types.RoleUser, Content: "hi"}},
		ToolChoice: llm.ToolChoiceRequired,
	})
	require.NoError(t, err)
	assert.Nil(t, req.ToolChoice)
	assert.Nil(t, req.ParallelToolCalls)
	assert.Empty(t, req.Tools)
}

func TestConvertToolCallsAndUsage(t *testing.T) {
	back := convertToolCalls([]sdk.ToolCall{{ID: "1", Function: sdk.FunctionCall{Name: "read_file", Arguments: "{}"}}})
	require.Len(t, back, 1)
	assert.Equal(t, types.ToolCall{ID: "1", Name: "read_file", Arguments: "{}"}, back[0])
	assert.Nil(t, convertToolCalls(nil))

	u := convertUsage(sdk.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	assert.Equal(t, types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, u)
}

func TestCallSendsRequiredToolChoice(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-test",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":       "call_1",
						"type":     "function",
						"function": map[string]any{"name": "say_to_user", "arguments": `{"message":"hi"}`},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	p := New(Config{ID: "deepseek", APIKey: "test", BaseURL: srv.URL})
	assert.Equal(t, "deepseek", p.ID())

	resp, err := p.Call(context.Background(), &llm.ProviderRequest{
		Model:      "gpt-test",
		Messages:   []types.Message{{Role: types.RoleUser, Content: "hello"}},
		Tools:      []types.Tool{{Name: "say_to_user", Parameters: types.JSONSchema{"type": "object"}}},
		ToolChoice: llm.ToolChoiceRequired,
	})
	require.NoError(t, err)
	assert.Equal(t, "required", got["tool_choice"])
	assert.Equal(t, true, got["parallel_tool_calls"])
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "say_to_user", resp.ToolCalls[0].Name)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestCallErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","model":"m","choices":[]}`))
	}))
	defer srv.Close()

	req := &llm.ProviderRequest{Model: "m", Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}

	_, err := New(Config{APIKey: "good", BaseURL: srv.URL}).Call(context.Background(), req)
	assert.ErrorIs(t, err, llm.ErrNoChoices)

	_, err = New(Config{APIKey: "bad", BaseURL: srv.URL}).Call(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai: status 401")
	var apiErr *sdk.APIError
	assert.ErrorAs(t, err, &apiErr)
}
