// Package openai adapts OpenAI-compatible chat completion APIs (OpenAI,
// DeepSeek) to llm.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/types"
)

type Config struct {
	ID      string // defaults to "openai"
	APIKey  string
	BaseURL string
}

type Provider struct {
	id     string
	client *openai.Client
}

func New(cfg Config) *Provider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	id := cfg.ID
	if id == "" {
		id = "openai"
	}
	return &Provider{id: id, client: openai.NewClientWithConfig(clientConfig)}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Call(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
	chatReq, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%s: status %d: %w", p.id, apiErr.HTTPStatusCode, err)
		}
		return nil, fmt.Errorf("%s: %w", p.id, err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrNoChoices
	}

	msg := resp.Choices[0].Message
	return &llm.ProviderResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Content:   msg.Content,
		ToolCalls: convertToolCalls(msg.ToolCalls),
		Usage:     convertUsage(resp.Usage),
	}, nil
}

// buildRequest maps a provider request onto the wire format. The model may
// return several tool calls per turn whenever tools are offered.
func buildRequest(req *llm.ProviderRequest) (openai.ChatCompletionRequest, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("convert messages: %w", err)
	}
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		out.Tools = tools
		out.ParallelToolCalls = true
		if req.ToolChoice != "" {
			out.ToolChoice = string(req.ToolChoice)
		}
	}
	return out, nil
}

func convertMessages(msgs []types.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i, m := range msgs {
		// Content is omitempty in go-openai and DeepSeek rejects messages without it.
		content := m.Content
		if content == "" {
			content = " "
		}
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: content}

		switch m.Role {
		case types.RoleSystem, types.RoleUser:
		case types.RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
		case types.RoleTool:
			if m.ToolCallID == "" {
				return nil, fmt.Errorf("message %d: tool result for %s has no tool_call_id", i, m.ToolName)
			}
			msg.ToolCallID = m.ToolCallID
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
		result = append(result, msg)
	}
	return result, nil
}

func convertTools(tools []types.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return result
}

func convertToolCalls(calls []openai.ToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]types.ToolCall, 0, len(calls))
	for _, c := range calls {
		result = append(result, types.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return result
}

func convertUsage(u openai.Usage) types.Usage {
	return types.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
