package tool

import (
	"context"
	"fmt"
	"slices"

	"github.com/gm-agent-org/kode/pkg/config"
)

// PolicyAction defines the action to take for a tool execution
type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
)

// Policy decides whether a tool may run at all.
type Policy struct {
	config config.SecurityConfig
}

func NewPolicy(cfg config.SecurityConfig) *Policy {
	return &Policy{config: cfg}
}

func (p *Policy) Check(ctx context.Context, toolName string, args string) (PolicyAction, error) {
	// Deny list wins over the whitelist.
	if slices.Contains(p.config.DeniedTools, toolName) {
		return PolicyDeny, fmt.Errorf("tool %s is denied by security policy", toolName)
	}

	// If AllowedTools is specified, ONLY allow listed tools.
	if len(p.config.AllowedTools) > 0 && !slices.Contains(p.config.AllowedTools, toolName) {
		return PolicyDeny, fmt.Errorf("tool %s is not in allowed_tools whitelist", toolName)
	}

	return PolicyAllow, nil
}
