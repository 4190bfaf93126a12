package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gm-agent-org/kode/pkg/agent"
	"github.com/gm-agent-org/kode/pkg/eventlog"
	"github.com/gm-agent-org/kode/pkg/runtime/broker"
	"github.com/gm-agent-org/kode/pkg/types"
)

var (
	// ErrConversationNotFound is returned when a conversation is not found.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyTask            = errors.New("task is required")
)

// Conversation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusTruncated = "truncated"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Runner is the minimal loop contract the service relies on.
type Runner interface {
	Run(ctx context.Context, task string) (*types.ConversationState, error)
	Snapshot() *types.ConversationState
}

// InputBroker delivers human input to a suspended tool call.
type InputBroker interface {
	Supply(ctx context.Context, requestID, text string) error
	Pending() []broker.PendingRequest
}

// ConversationResources contains the runtime dependencies of a conversation.
type ConversationResources struct {
	Runner Runner
	Broker InputBroker
	Events *eventlog.Log
	Ctx    context.Context
	Cancel context.CancelFunc
}

// Factory creates per-conversation resources.
type Factory func(id string) (*ConversationResources, error)

// EngineFactory adapts an agent.Engine. Conversations live until cancelled
// or until parent ends.
func EngineFactory(parent context.Context, engine *agent.Engine) Factory {
	return func(id string) (*ConversationResources, error) {
		conv, err := engine.NewConversation(id)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(parent)
		return &ConversationResources{
			Runner: conv.Loop,
			Broker: conv.Broker,
			Events: conv.Events,
			Ctx:    ctx,
			Cancel: cancel,
		}, nil
	}
}

// Conversation represents a started conversation.
type Conversation struct {
	ID        string
	Task      string
	CreatedAt time.Time
	Resources *ConversationResources

	mu        sync.Mutex
	status    string
	lastError string
	done      chan struct{}
}

// GetStatus returns the status of a conversation (thread-safe).
func (c *Conversation) GetStatus() (status string, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.lastError
}

// Done is closed once the loop has returned and the event log is closed.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// ConversationService manages conversations.
type ConversationService struct {
	factory       Factory
	conversations sync.Map // map[string]*Conversation
	log           *slog.Logger
}

// NewConversationService creates a new ConversationService.
func NewConversationService(factory Factory, log *slog.Logger) *ConversationService {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationService{
		factory: factory,
		log:     log,
	}
}

// Create starts a conversation for task in the background.
func (s *ConversationService) Create(ctx context.Context, task string) (*Conversation, error) {
	if task == "" {
		return nil, ErrEmptyTask
	}
	id := types.GenerateConversationID()
	resources, err := s.factory(id)
	if err != nil {
		s.log.Error("failed to create conversation resources", "error", err)
		return nil, err
	}

	conv := &Conversation{
		ID:        id,
		Task:      task,
		CreatedAt: time.Now(),
		Resources: resources,
		status:    StatusRunning,
		done:      make(chan struct{}),
	}
	s.conversations.Store(id, conv)

	go s.run(conv)

	return conv, nil
}

// Get returns a conversation by ID.
func (s *ConversationService) Get(id string) (*Conversation, error) {
	val, ok := s.conversations.Load(id)
	if !ok {
		return nil, ErrConversationNotFound
	}
	return val.(*Conversation), nil
}

// List returns all conversations, oldest first.
func (s *ConversationService) List() []*Conversation {
	var result []*Conversation
	s.conversations.Range(func(_, v any) bool {
		result = append(result, v.(*Conversation))
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Cancel cancels a running conversation. Scripts are interrupted and the
// pending input request is discarded.
func (s *ConversationService) Cancel(id string) error {
	conv, err := s.Get(id)
	if err != nil {
		return err
	}
	conv.Resources.Cancel()
	return nil
}

// Delete cancels a conversation and forgets it.
func (s *ConversationService) Delete(id string) error {
	conv, err := s.Get(id)
	if err != nil {
		return err
	}
	conv.Resources.Cancel()
	s.conversations.Delete(id)
	return nil
}

// SupplyInput answers the input request requestID. Stale or unknown
// requests report broker.ErrNotWaiting.
func (s *ConversationService) SupplyInput(ctx context.Context, id, requestID, text string) error {
	conv, err := s.Get(id)
	if err != nil {
		return err
	}
	return conv.Resources.Broker.Supply(ctx, requestID, text)
}

// run drives the loop and records its outcome.
func (s *ConversationService) run(conv *Conversation) {
	defer close(conv.done)
	defer conv.Resources.Cancel()

	state, err := conv.Resources.Runner.Run(conv.Resources.Ctx, conv.Task)

	status := statusOf(state, err)
	conv.mu.Lock()
	conv.status = status
	if err != nil && status != StatusCancelled {
		conv.lastError = err.Error()
	}
	conv.mu.Unlock()

	// Closing the log ends every event stream once drained.
	if conv.Resources.Events != nil {
		if err := conv.Resources.Events.Close(); err != nil {
			s.log.Warn("close event log failed", "conversation", conv.ID, "error", err)
		}
	}
	s.log.Info("conversation finished", "conversation", conv.ID, "status", status)
}

func statusOf(state *types.ConversationState, err error) string {
	if state != nil {
		switch state.Reason {
		case types.TerminationSuccess:
			return StatusCompleted
		case types.TerminationIterationCapExceeded:
			return StatusTruncated
		case types.TerminationCancelled:
			return StatusCancelled
		}
	}
	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	return StatusError
}
