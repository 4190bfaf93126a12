package dto

import (
	"time"

	"github.com/gm-agent-org/kode/pkg/runtime/broker"
	"github.com/gm-agent-org/kode/pkg/types"
)

// ConversationResponse is the response for a single conversation.
type ConversationResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`

	Phase      types.Phase             `json:"phase,omitempty"`
	Iteration  int                     `json:"iteration,omitempty"`
	Answer     string                  `json:"answer,omitempty"`
	Usage      *types.Usage            `json:"usage,omitempty"`
	Pending    []broker.PendingRequest `json:"pending_input,omitempty"`
	Messages   []types.Message         `json:"messages,omitempty"`
	EventCount int                     `json:"event_count,omitempty"`
}

// ConversationListResponse is the response for listing conversations.
type ConversationListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// InputResponse acknowledges delivered input.
type InputResponse struct {
	RequestID string `json:"request_id"`
	Delivered bool   `json:"delivered"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DeleteResponse is the response for delete operations.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}
