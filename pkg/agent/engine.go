// Package agent assembles the per-conversation object graph: event log,
// input broker, tool registry and orchestration loop, on top of the
// collaborators shared by every conversation.
package agent

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gm-agent-org/kode/pkg/agent/tools"
	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/eventlog"
	"github.com/gm-agent-org/kode/pkg/patch"
	"github.com/gm-agent-org/kode/pkg/runtime"
	"github.com/gm-agent-org/kode/pkg/runtime/broker"
	"github.com/gm-agent-org/kode/pkg/sandbox"
	"github.com/gm-agent-org/kode/pkg/tool"
	"github.com/gm-agent-org/kode/pkg/types"
)

// Engine holds what conversations share: the workspace patcher (and its
// per-path locks), the sandbox concurrency limit, the model and the sinks.
type Engine struct {
	Patcher        *patch.Patcher
	Sandbox        *sandbox.Sandbox
	Model          runtime.Model
	Policy         *tool.Policy
	Loop           runtime.Config
	InputTimeout   time.Duration
	LargeFileLines int
	Sinks          []eventlog.Sink
	Log            *slog.Logger
}

// NewEngine builds an Engine from configuration.
func NewEngine(cfg *config.Config, model runtime.Model, logger *slog.Logger, sinks ...eventlog.Sink) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	patcher, err := patch.New(patch.Config{
		WorkDir:        cfg.Files.WorkspaceRoot,
		MaxReadBytes:   cfg.Files.MaxReadBytes,
		AllowOverwrite: cfg.Files.AllowOverwrite,
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create patcher: %w", err)
	}

	var echo io.Writer
	if cfg.Sandbox.Echo {
		echo = os.Stderr
	}
	sb := sandbox.New(sandbox.Config{
		Timeout:       cfg.Sandbox.Timeout,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Echo:          echo,
	}, nil, logger)

	return &Engine{
		Patcher:        patcher,
		Sandbox:        sb,
		Model:          model,
		Policy:         tool.NewPolicy(cfg.Security),
		Loop:           runtime.ConfigFrom(cfg.Loop),
		InputTimeout:   cfg.Input.Timeout,
		LargeFileLines: cfg.Files.LargeFileLines,
		Sinks:          sinks,
		Log:            logger,
	}, nil
}

// Conversation is the object graph of one conversation.
type Conversation struct {
	ID     string
	Events *eventlog.Log
	Broker *broker.Broker
	Tools  *tool.Registry
	Loop   *runtime.Loop
}

// NewConversation wires a fresh conversation. An empty id gets a generated one.
func (e *Engine) NewConversation(id string) (*Conversation, error) {
	if id == "" {
		id = types.GenerateConversationID()
	}
	log := e.logger().With("conversation", id)

	events := eventlog.New(id, log, e.Sinks...)
	b := broker.New(events, e.InputTimeout, log)

	reg, err := e.registry(events, b, log)
	if err != nil {
		_ = events.Close()
		return nil, err
	}

	return &Conversation{
		ID:     id,
		Events: events,
		Broker: b,
		Tools:  reg,
		Loop:   runtime.New(id, e.Loop, e.Model, reg, events, e.Log),
	}, nil
}

// Toolset builds a registry without the interaction tools, for callers that
// drive the tools directly. Events are recorded under subject.
func (e *Engine) Toolset(subject string) (*tool.Registry, *eventlog.Log, error) {
	log := e.logger().With("subject", subject)
	events := eventlog.New(subject, log, e.Sinks...)
	reg, err := e.registry(events, nil, log)
	if err != nil {
		_ = events.Close()
		return nil, nil, err
	}
	return reg, events, nil
}

func (e *Engine) registry(events *eventlog.Log, b *broker.Broker, log *slog.Logger) (*tool.Registry, error) {
	reg := tool.NewRegistry(e.Policy, log)
	err := tools.Register(reg, tools.Toolbox{
		Patcher:        e.Patcher.WithEmitter(events),
		Sandbox:        e.Sandbox.WithEmitter(events),
		Broker:         b,
		LargeFileLines: e.LargeFileLines,
	})
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return reg, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}
