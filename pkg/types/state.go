package types

import "time"

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role    string `json:"role"` // system/user/assistant/tool
	Content string `json:"content"`

	// Assistant: Tool Calls
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool: Result
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"` // Required for Gemini

	Timestamp time.Time `json:"timestamp"`
}

// Clone creates a deep copy of the Message
func (m Message) Clone() Message {
	clone := m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	return clone
}

// Usage statistics for LLM
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Phase is the orchestration loop state.
type Phase string

const (
	PhaseAwaitingModel  Phase = "awaiting_model"
	PhaseForcingToolUse Phase = "forcing_tool_use"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseTerminated     Phase = "terminated"
)

// TerminationReason explains why a conversation ended.
type TerminationReason string

const (
	TerminationSuccess              TerminationReason = "success"
	TerminationIterationCapExceeded TerminationReason = "iteration_cap_exceeded"
	TerminationError                TerminationReason = "error"
	TerminationCancelled            TerminationReason = "cancelled"
)

// ConversationState is owned by the orchestration loop. Tools never see it.
type ConversationState struct {
	ID        string            `json:"id"`
	Messages  []Message         `json:"messages"`
	Iteration int               `json:"iteration"`
	Phase     Phase             `json:"phase"`
	Reason    TerminationReason `json:"reason,omitempty"`
	Answer    string            `json:"answer,omitempty"`
	Error     string            `json:"error,omitempty"`
	Usage     Usage             `json:"usage"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewConversationState creates an empty conversation awaiting its first model turn.
func NewConversationState(id string) *ConversationState {
	return &ConversationState{
		ID:        id,
		Messages:  make([]Message, 0),
		Phase:     PhaseAwaitingModel,
		UpdatedAt: time.Now(),
	}
}

// Terminated reports whether the conversation has ended.
func (s *ConversationState) Terminated() bool {
	return s.Phase == PhaseTerminated
}

// Clone creates a deep copy for readers outside the loop goroutine.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	return &clone
}
