// Package broker suspends a tool call until a human supplies input.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gm-agent-org/kode/pkg/types"
)

var (
	ErrNotWaiting       = errors.New("not waiting for input")
	ErrAlreadyFulfilled = errors.New("input request already fulfilled")
	ErrTimeout          = errors.New("input request timed out")
)

// MessageAck is returned to the model after SayToUser.
const MessageAck = "Message sent to user successfully."

// PendingRequest describes an outstanding input request.
type PendingRequest struct {
	ID     string    `json:"request_id"`
	Prompt string    `json:"prompt,omitempty"`
	Since  time.Time `json:"since"`
}

type pendingInput struct {
	PendingRequest
	slot      chan string // single write, buffered
	fulfilled bool
}

// Broker owns the pending input requests of one conversation. Only the
// goroutine calling RequestInput blocks.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingInput

	timeout time.Duration
	events  types.Emitter
	log     *slog.Logger
}

// New creates a Broker. timeout 0 waits until the context ends.
func New(events types.Emitter, timeout time.Duration, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		pending: make(map[string]*pendingInput),
		timeout: timeout,
		events:  events,
		log:     log,
	}
}

// RequestInput publishes WaitingForInput and blocks until a matching Supply,
// the timeout, or ctx cancellation. The request is discarded on return. A
// Supply that was accepted is never lost, even if ctx ends at the same time.
func (b *Broker) RequestInput(ctx context.Context, prompt string) (string, error) {
	p := &pendingInput{
		PendingRequest: PendingRequest{
			ID:     types.GenerateRequestID(),
			Prompt: prompt,
			Since:  time.Now(),
		},
		slot: make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[p.ID] = p
	b.mu.Unlock()
	defer b.discard(p.ID)

	b.log.Info("waiting for user input", "request_id", p.ID)
	b.emit(ctx, &types.WaitingForInputEvent{
		BaseEvent: types.NewBaseEvent(types.EventWaitingForInput, "assistant", ""),
		RequestID: p.ID,
		Prompt:    prompt,
	})

	var timeout <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case text := <-p.slot:
		return text, nil
	case <-timeout:
		err = fmt.Errorf("%w: %s", ErrTimeout, p.ID)
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Once discarded no Supply can land. One that landed first was already
	// acknowledged to its caller, so its text wins.
	b.discard(p.ID)
	select {
	case text := <-p.slot:
		return text, nil
	default:
		return "", err
	}
}

// Supply fulfils the request with the given id. Unknown, stale and
// cancelled ids return ErrNotWaiting and change nothing.
func (b *Broker) Supply(ctx context.Context, requestID, text string) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWaiting, requestID)
	}
	if p.fulfilled {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyFulfilled, requestID)
	}
	p.fulfilled = true
	p.slot <- text
	b.mu.Unlock()

	b.emit(ctx, &types.UserInputEvent{
		BaseEvent: types.NewBaseEvent(types.EventUserInput, "user", ""),
		RequestID: requestID,
		Text:      text,
	})
	return nil
}

// SayToUser publishes a message for the human and returns MessageAck.
func (b *Broker) SayToUser(ctx context.Context, message string) string {
	b.emit(ctx, &types.MessageToUserEvent{
		BaseEvent: types.NewBaseEvent(types.EventMessageToUser, "assistant", ""),
		Text:      message,
	})
	return MessageAck
}

// Pending lists unresolved requests, oldest first.
func (b *Broker) Pending() []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		if !p.fulfilled {
			out = append(out, p.PendingRequest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (b *Broker) discard(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Broker) emit(ctx context.Context, e types.Event) {
	if b.events != nil {
		b.events.Emit(ctx, e)
	}
}
