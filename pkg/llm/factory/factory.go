package factory

import (
	"context"
	"fmt"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/llm/gemini"
	"github.com/gm-agent-org/kode/pkg/llm/mock"
	"github.com/gm-agent-org/kode/pkg/llm/openai"
)

// NewProvider creates the active LLM provider from configuration and
// returns it together with its provider ID.
func NewProvider(ctx context.Context, cfg *config.Config) (llm.Provider, string, error) {
	providerID, opts, err := cfg.GetActiveProvider()
	if err != nil {
		return nil, "", err
	}

	switch providerID {
	case "gemini":
		p, err := gemini.New(ctx, gemini.Config{
			APIKey:    opts.APIKey,
			ProjectID: opts.ProjectID,
			Location:  opts.Location,
			Model:     opts.Model,
		})
		if err != nil {
			return nil, "", err
		}
		return p, providerID, nil
	case "openai", "deepseek":
		// DeepSeek speaks the OpenAI wire protocol.
		return openai.New(openai.Config{
			ID:      providerID,
			APIKey:  opts.APIKey,
			BaseURL: opts.BaseURL,
		}), providerID, nil
	case "mock":
		return mock.New(""), providerID, nil
	default:
		return nil, "", fmt.Errorf("unknown provider: %s", providerID)
	}
}

// NewGateway builds the active provider and wraps it with its options.
func NewGateway(ctx context.Context, cfg *config.Config) (*llm.Gateway, error) {
	provider, _, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	_, opts, err := cfg.GetActiveProvider()
	if err != nil {
		return nil, err
	}
	return llm.NewGateway(provider, opts), nil
}
