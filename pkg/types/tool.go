package types

import (
	"errors"
	"fmt"
)

// Tool definition
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  JSONSchema        `json:"parameters"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ToolCall represents an invocation request from the model. Immutable once issued.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ErrorKind classifies a failed tool call. The kind travels back to the
// model together with the message.
type ErrorKind string

const (
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindNotFound         ErrorKind = "not_found"
	KindNotAFile         ErrorKind = "not_a_file"
	KindUnreadable       ErrorKind = "unreadable"
	KindTooLarge         ErrorKind = "too_large"
	KindInvalidRange     ErrorKind = "invalid_range"
	KindNoMatch          ErrorKind = "no_match"
	KindAmbiguousMatch   ErrorKind = "ambiguous_match"
	KindFileExists       ErrorKind = "file_exists"
	KindCompileError     ErrorKind = "compile_error"
	KindRuntimeError     ErrorKind = "runtime_error"
	KindHandlerFailure   ErrorKind = "handler_failure"
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindPolicyDenied     ErrorKind = "policy_denied"
	KindCancelled        ErrorKind = "cancelled"
)

// ToolResult is the outcome of one dispatched ToolCall: either a value
// (IsError false, Content holds the text) or an error of ErrorKind.
type ToolResult struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Content    string    `json:"content"`
	IsError    bool      `json:"is_error"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`

	// Events emitted while the call was running, in emission order.
	Events []Event `json:"-"`
}

// ValueResult builds a successful result for call.
func ValueResult(call ToolCall, text string) *ToolResult {
	return &ToolResult{ToolCallID: call.ID, ToolName: call.Name, Content: text}
}

// ErrorResult builds a failed result for call.
func ErrorResult(call ToolCall, kind ErrorKind, msg string) *ToolResult {
	return &ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    msg,
		IsError:    true,
		ErrorKind:  kind,
	}
}

// ModelText renders the result the way it is shown to the model.
func (r *ToolResult) ModelText() string {
	if !r.IsError {
		return r.Content
	}
	return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Content)
}

// ToolError is returned by handlers that want a specific ErrorKind reported
// instead of a generic handler failure.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError formats a ToolError of the given kind.
func NewToolError(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapToolError attaches kind to err, keeping err reachable via errors.Is.
func WrapToolError(kind ErrorKind, err error) *ToolError {
	return &ToolError{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the ErrorKind of err, falling back to KindHandlerFailure.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	return KindHandlerFailure
}
