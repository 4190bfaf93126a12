package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/config"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, vars := range config.ProviderEnvVars {
		for _, name := range vars.APIKey {
			t.Setenv(name, "")
		}
	}
}

func withKey(id string) map[string]config.ProviderConfig {
	return map[string]config.ProviderConfig{id: {Options: config.ProviderOptions{APIKey: "test-key"}}}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *config.Config
		env    map[string]string
		wantID string
	}{
		{"explicit openai", &config.Config{ActiveProvider: "openai", Providers: withKey("openai")}, nil, "openai"},
		{"deepseek over the openai wire", &config.Config{ActiveProvider: "deepseek", Providers: withKey("deepseek")}, nil, "deepseek"},
		{"gemini from env", &config.Config{}, map[string]string{"GEMINI_API_KEY": "test-gemini-key"}, "gemini"},
		{"first configured provider", &config.Config{Providers: withKey("openai")}, nil, "openai"},
		{"mock needs no key", &config.Config{ActiveProvider: "mock"}, nil, "mock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearProviderEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			provider, id, err := NewProvider(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantID, provider.ID())
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	clearProviderEnv(t)

	_, _, err := NewProvider(context.Background(), &config.Config{})
	assert.ErrorContains(t, err, "no provider configured")

	_, _, err = NewProvider(context.Background(), &config.Config{ActiveProvider: "openai"})
	assert.ErrorContains(t, err, `active provider "openai" not configured`)
}

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(context.Background(), &config.Config{ActiveProvider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", gw.ProviderID())
}
