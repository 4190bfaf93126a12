package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/llm"
	"github.com/gm-agent-org/kode/pkg/types"
)

// ErrEmptyTurn is returned when the model answers with neither text nor tool calls.
var ErrEmptyTurn = errors.New("model returned neither text nor tool calls")

type Config struct {
	MaxIterations   int           `yaml:"max_iterations"`
	Parallel        bool          `yaml:"parallel"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
	Model           string        `yaml:"model"` // empty uses the provider default
}

var DefaultConfig = Config{
	MaxIterations:   100,
	Parallel:        true,
	DecisionTimeout: 120 * time.Second,
	SystemPrompt:    DefaultSystemPrompt,
}

// ConfigFrom maps the loop section of the application config.
func ConfigFrom(c config.LoopConfig) Config {
	cfg := DefaultConfig
	if c.MaxIterations > 0 {
		cfg.MaxIterations = c.MaxIterations
	}
	cfg.Parallel = c.ToolExecution != config.ToolExecutionSequential
	if c.DecisionTimeout > 0 {
		cfg.DecisionTimeout = c.DecisionTimeout
	}
	cfg.ToolTimeout = c.ToolTimeout
	if c.SystemPrompt != "" {
		cfg.SystemPrompt = c.SystemPrompt
	}
	return cfg
}

// Model is the model collaborator.
type Model interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// ToolDispatcher executes tool calls. Dispatch never fails; errors come back
// as error results.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call types.ToolCall) *types.ToolResult
	List() []types.Tool
}

// Loop drives one conversation: it asks the model for the next turn,
// executes the requested tools and feeds their results back until the model
// answers in text, the iteration cap is hit, or the conversation fails.
type Loop struct {
	config Config
	model  Model
	tools  ToolDispatcher
	events types.Emitter
	log    *slog.Logger

	mu    sync.Mutex
	state *types.ConversationState
}

func New(id string, cfg Config, model Model, tools ToolDispatcher, events types.Emitter, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = types.GenerateConversationID()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig.MaxIterations
	}
	return &Loop{
		config: cfg,
		model:  model,
		tools:  tools,
		events: events,
		log:    logger.With("conversation", id),
		state:  types.NewConversationState(id),
	}
}

// ID returns the conversation ID.
func (l *Loop) ID() string { return l.state.ID }

// Snapshot returns a copy of the conversation state, safe to read while Run
// is in progress.
func (l *Loop) Snapshot() *types.ConversationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Run executes the conversation for task until it terminates. The returned
// error is non-nil only for Error and Cancelled terminations; tool failures
// are reported to the model instead.
func (l *Loop) Run(ctx context.Context, task string) (*types.ConversationState, error) {
	l.mu.Lock()
	if l.state.Iteration > 0 || l.state.Terminated() {
		l.mu.Unlock()
		return nil, fmt.Errorf("conversation %s already started", l.state.ID)
	}
	if l.config.SystemPrompt != "" {
		l.appendLocked(types.Message{Role: types.RoleSystem, Content: l.config.SystemPrompt})
	}
	l.appendLocked(types.Message{Role: types.RoleUser, Content: task})
	l.mu.Unlock()

	l.log.Info("conversation started", "max_iterations", l.config.MaxIterations, "parallel", l.config.Parallel)

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, types.TerminationCancelled, "", err)
		}

		// The first turn may only act through tools.
		forced := iteration == 1
		phase := types.PhaseAwaitingModel
		choice := llm.ToolChoiceAuto
		if forced {
			phase = types.PhaseForcingToolUse
			choice = llm.ToolChoiceRequired
		}
		messages := l.beginTurn(iteration, phase)

		l.log.Info("step started", "iteration", iteration, "forced", forced)

		resp, err := l.decide(ctx, messages, choice)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ctx, types.TerminationCancelled, "", ctx.Err())
			}
			l.log.Error("decision failed", "iteration", iteration, "error", err)
			return l.finish(ctx, types.TerminationError, "", fmt.Errorf("model call: %w", err))
		}
		l.recordTurn(ctx, iteration, forced, resp)

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return l.finish(ctx, types.TerminationError, "", ErrEmptyTurn)
			}
			return l.finish(ctx, types.TerminationSuccess, resp.Content, nil)
		}

		l.setPhase(types.PhaseExecutingTools)
		results := l.execute(ctx, resp.ToolCalls)

		l.mu.Lock()
		for _, res := range results {
			l.appendLocked(types.Message{
				Role:       types.RoleTool,
				Content:    res.ModelText(),
				ToolCallID: res.ToolCallID,
				ToolName:   res.ToolName,
			})
		}
		l.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return l.finish(ctx, types.TerminationCancelled, "", err)
		}
	}

	notice := fmt.Sprintf("Stopped after %d iterations without a final answer; the task may be incomplete.", l.config.MaxIterations)
	l.mu.Lock()
	l.appendLocked(types.Message{Role: types.RoleAssistant, Content: notice})
	l.mu.Unlock()
	l.log.Warn("iteration cap exceeded", "max_iterations", l.config.MaxIterations)
	return l.finish(ctx, types.TerminationIterationCapExceeded, notice, nil)
}

func (l *Loop) decide(ctx context.Context, messages []types.Message, choice llm.ToolChoice) (*llm.ChatResponse, error) {
	if l.config.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.DecisionTimeout)
		defer cancel()
	}
	return l.model.Chat(ctx, &llm.ChatRequest{
		Model:      l.config.Model,
		Messages:   messages,
		Tools:      l.tools.List(),
		ToolChoice: choice,
	})
}

// beginTurn moves to phase and returns a copy of the transcript for the model.
func (l *Loop) beginTurn(iteration int, phase types.Phase) []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Iteration = iteration
	l.state.Phase = phase
	l.state.UpdatedAt = time.Now()
	messages := make([]types.Message, len(l.state.Messages))
	for i, m := range l.state.Messages {
		messages[i] = m.Clone()
	}
	return messages
}

func (l *Loop) recordTurn(ctx context.Context, iteration int, forced bool, resp *llm.ChatResponse) {
	l.mu.Lock()
	l.appendLocked(types.Message{
		Role:      types.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	l.state.Usage.PromptTokens += resp.Usage.PromptTokens
	l.state.Usage.CompletionTokens += resp.Usage.CompletionTokens
	l.state.Usage.TotalTokens += resp.Usage.TotalTokens
	l.mu.Unlock()

	l.log.Info("llm response", "iteration", iteration, "content_len", len(resp.Content), "tool_calls", len(resp.ToolCalls))
	l.emit(ctx, &types.ModelTurnEvent{
		BaseEvent: types.NewBaseEvent(types.EventModelTurn, "assistant", l.state.ID),
		Iteration: iteration,
		Forced:    forced,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Usage:     resp.Usage,
	})
}

func (l *Loop) setPhase(phase types.Phase) {
	l.mu.Lock()
	l.state.Phase = phase
	l.state.UpdatedAt = time.Now()
	l.mu.Unlock()
}

func (l *Loop) appendLocked(m types.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	l.state.Messages = append(l.state.Messages, m)
	l.state.UpdatedAt = m.Timestamp
}

func (l *Loop) finish(ctx context.Context, reason types.TerminationReason, answer string, err error) (*types.ConversationState, error) {
	l.mu.Lock()
	l.state.Phase = types.PhaseTerminated
	l.state.Reason = reason
	l.state.Answer = answer
	if err != nil {
		l.state.Error = err.Error()
	}
	l.state.UpdatedAt = time.Now()
	snapshot := l.state.Clone()
	l.mu.Unlock()

	l.log.Info("conversation ended", "reason", reason, "iterations", snapshot.Iteration)
	l.emit(context.WithoutCancel(ctx), &types.ConversationEndedEvent{
		BaseEvent:  types.NewBaseEvent(types.EventConversationEnded, "runtime", snapshot.ID),
		Reason:     string(reason),
		Answer:     answer,
		Error:      snapshot.Error,
		Iterations: snapshot.Iteration,
	})
	return snapshot, err
}

func (l *Loop) emit(ctx context.Context, e types.Event) {
	if l.events != nil {
		l.events.Emit(ctx, e)
	}
}
