package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/types"
)

// Gateway applies provider options to every request and normalizes the
// response. It is the model collaborator used by the orchestration loop.
type Gateway struct {
	provider Provider
	options  config.ProviderOptions
}

func NewGateway(provider Provider, opts config.ProviderOptions) *Gateway {
	if opts.Temperature == 0 {
		opts.Temperature = 0.7 // Default if not set
	}
	return &Gateway{
		provider: provider,
		options:  opts,
	}
}

// ProviderID returns the underlying provider's ID.
func (g *Gateway) ProviderID() string { return g.provider.ID() }

func (g *Gateway) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = g.options.Model
	}
	choice := req.ToolChoice
	if choice == "" {
		choice = ToolChoiceAuto
	}
	if len(req.Tools) == 0 {
		choice = ""
	}

	if g.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.options.Timeout)*time.Millisecond)
		defer cancel()
	}

	provReq := &ProviderRequest{
		Model:       model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  choice,
		MaxTokens:   g.options.MaxTokens,
		Temperature: g.options.Temperature,
	}

	resp, err := g.provider.Call(ctx, provReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.provider.ID(), err)
	}

	// Providers that do not assign call IDs get generated ones, so results
	// can always be matched to their calls.
	calls := make([]types.ToolCall, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = types.GenerateCallID()
		}
		if c.Arguments == "" {
			c.Arguments = "{}"
		}
		calls[i] = c
	}

	return &ChatResponse{
		Model:     resp.Model,
		Content:   resp.Content,
		ToolCalls: calls,
		Usage:     resp.Usage,
	}, nil
}
