package llm

import (
	"context"
	"errors"

	"github.com/gm-agent-org/kode/pkg/types"
)

var ErrNoChoices = errors.New("model returned no choices")

// ToolChoice controls whether the model may answer in text.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required" // at least one tool call
	ToolChoiceNone     ToolChoice = "none"
)

// Provider defines the interface for an LLM provider (e.g., OpenAI, Gemini)
type Provider interface {
	// ID returns the unique identifier of the provider
	ID() string

	// Call executes a synchronous chat request
	Call(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
}

type ChatRequest struct {
	Model      string
	Messages   []types.Message
	Tools      []types.Tool
	ToolChoice ToolChoice
}

type ChatResponse struct {
	Model     string
	Content   string
	ToolCalls []types.ToolCall
	Usage     types.Usage
}

type ProviderRequest struct {
	Model       string
	Messages    []types.Message
	Tools       []types.Tool
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature float64
}

type ProviderResponse struct {
	ID        string
	Model     string
	Content   string
	ToolCalls []types.ToolCall
	Usage     types.Usage
}
