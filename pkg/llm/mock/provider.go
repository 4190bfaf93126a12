package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/types"
)

// Provider is a deterministic model used for tests and offline runs.
//
// Scripted responses are consumed in order. Once the script is exhausted the
// provider echoes the last message, answering with a say_to_user call when
// a tool call is required.
type Provider struct {
	ResponseContent string
	Err             error

	mu       sync.Mutex
	script   []llm.ProviderResponse
	requests []llm.ProviderRequest
}

func New(response string) *Provider {
	return &Provider{
		ResponseContent: response,
	}
}

// NewScripted returns a provider that plays back responses in order.
func NewScripted(responses ...llm.ProviderResponse) *Provider {
	return &Provider{script: responses}
}

func (p *Provider) ID() string {
	return "mock"
}

// Requests returns copies of every request received so far.
func (p *Provider) Requests() []llm.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ProviderRequest(nil), p.requests...)
}

func (p *Provider) Call(ctx context.Context, req *llm.ProviderRequest) (*llm.ProviderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]types.Message(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	var next *llm.ProviderResponse
	if len(p.script) > 0 {
		r := p.script[0]
		p.script = p.script[1:]
		next = &r
	}
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if next != nil {
		if next.Model == "" {
			next.Model = "mock-model"
		}
		return next, nil
	}

	// Simple echo or predefined response
	content := p.ResponseContent
	if content == "" {
		var last string
		if len(req.Messages) > 0 {
			last = req.Messages[len(req.Messages)-1].Content
		}
		content = fmt.Sprintf("Mock response to: %s", last)
	}

	resp := &llm.ProviderResponse{
		ID:    fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Model: "mock-model",
	}
	if req.ToolChoice == llm.ToolChoiceRequired && hasTool(req.Tools, "say_to_user") {
		args, err := json.Marshal(map[string]string{"message": content})
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = []types.ToolCall{{Name: "say_to_user", Arguments: string(args)}}
		return resp, nil
	}
	resp.Content = content
	return resp, nil
}

func hasTool(tools []types.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
