package types

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is the interface for all system events
type Event interface {
	EventID() string
	EventType() string
	EventTimestamp() time.Time
	EventActor() string
	EventSubject() string
}

// Emitter accepts events produced by tools and the loop.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Event type names.
const (
	EventFileRead          = "file_read"
	EventFileWritten       = "file_written"
	EventScriptRun         = "script_run"
	EventWaitingForInput   = "waiting_for_input"
	EventMessageToUser     = "message_to_user"
	EventUserInput         = "user_input"
	EventToolCompleted     = "tool_completed"
	EventModelTurn         = "model_turn"
	EventConversationEnded = "conversation_ended"
)

// BaseEvent is embedded in all specific event types
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject"`
}

func (e *BaseEvent) EventID() string           { return e.ID }
func (e *BaseEvent) EventType() string         { return e.Type }
func (e *BaseEvent) EventTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) EventActor() string        { return e.Actor }
func (e *BaseEvent) EventSubject() string      { return e.Subject }

// SetSubject fills in the subject, typically the conversation ID.
func (e *BaseEvent) SetSubject(subject string) { e.Subject = subject }

func NewBaseEvent(eventType, actor, subject string) BaseEvent {
	return BaseEvent{
		ID:        GenerateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Actor:     actor,
		Subject:   subject,
	}
}

// FileReadEvent
type FileReadEvent struct {
	BaseEvent
	Path      string    `json:"path"`
	FromLine  int       `json:"from_line,omitempty"`
	ToLine    int       `json:"to_line,omitempty"`
	Size      int       `json:"size"`
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// FileWrittenEvent is emitted for every patch attempt, successful or not.
type FileWrittenEvent struct {
	BaseEvent
	Path         string    `json:"path"`
	Success      bool      `json:"success"`
	Created      bool      `json:"created,omitempty"`
	Replacements int       `json:"replacements,omitempty"`
	LinesAdded   int       `json:"lines_added,omitempty"`
	LinesRemoved int       `json:"lines_removed,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Message      string    `json:"message"`
}

// ScriptRunEvent
type ScriptRunEvent struct {
	BaseEvent
	JobID    string `json:"job_id"`
	Mode     string `json:"mode"`
	Outcome  string `json:"outcome"` // success/compile_error/runtime_error/cancelled
	Output   string `json:"output"`
	Duration int64  `json:"duration_ms"`
}

// WaitingForInputEvent
type WaitingForInputEvent struct {
	BaseEvent
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt,omitempty"`
}

// MessageToUserEvent
type MessageToUserEvent struct {
	BaseEvent
	Text string `json:"text"`
}

// UserInputEvent
type UserInputEvent struct {
	BaseEvent
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// ToolCompletedEvent
type ToolCompletedEvent struct {
	BaseEvent
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"`
	Success    bool      `json:"success"`
	Output     string    `json:"output"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Duration   int64     `json:"duration_ms"`
}

// ModelTurnEvent records one model response.
type ModelTurnEvent struct {
	BaseEvent
	Iteration int        `json:"iteration"`
	Forced    bool       `json:"forced"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ConversationEndedEvent
type ConversationEndedEvent struct {
	BaseEvent
	Reason     string `json:"reason"`
	Answer     string `json:"answer,omitempty"`
	Error      string `json:"error,omitempty"`
	Iterations int    `json:"iterations"`
}

// DecodeEvent restores a concrete event from its JSON form, dispatching on
// the "type" field.
func DecodeEvent(data []byte) (Event, error) {
	var base BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var evt Event
	switch base.Type {
	case EventFileRead:
		evt = &FileReadEvent{}
	case EventFileWritten:
		evt = &FileWrittenEvent{}
	case EventScriptRun:
		evt = &ScriptRunEvent{}
	case EventWaitingForInput:
		evt = &WaitingForInputEvent{}
	case EventMessageToUser:
		evt = &MessageToUserEvent{}
	case EventUserInput:
		evt = &UserInputEvent{}
	case EventToolCompleted:
		evt = &ToolCompletedEvent{}
	case EventModelTurn:
		evt = &ModelTurnEvent{}
	case EventConversationEnded:
		evt = &ConversationEndedEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", base.Type)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", base.Type, err)
	}
	return evt, nil
}

// EventRecorder collects the events emitted within one tool call.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

type recorderKey struct{}

// WithEventRecorder returns a child context carrying a fresh recorder.
func WithEventRecorder(ctx context.Context) (context.Context, *EventRecorder) {
	rec := &EventRecorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

// RecorderFrom returns the recorder attached to ctx, or nil.
func RecorderFrom(ctx context.Context) *EventRecorder {
	rec, _ := ctx.Value(recorderKey{}).(*EventRecorder)
	return rec
}

func (r *EventRecorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *EventRecorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
