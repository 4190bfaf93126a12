package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/types"
)

// chanEmitter forwards events so tests can react to WaitingForInput.
type chanEmitter chan types.Event

func (c chanEmitter) Emit(_ context.Context, e types.Event) { c <- e }

func waitingID(t *testing.T, events chanEmitter) string {
	t.Helper()
	for {
		select {
		case e := <-events:
			if w, ok := e.(*types.WaitingForInputEvent); ok {
				return w.RequestID
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no WaitingForInput event")
		}
	}
}

// supplyingEmitter answers every WaitingForInput from inside Emit, before
// RequestInput starts waiting.
type supplyingEmitter struct {
	b    *Broker
	text string
}

func (s *supplyingEmitter) Emit(_ context.Context, e types.Event) {
	if w, ok := e.(*types.WaitingForInputEvent); ok {
		_ = s.b.Supply(context.Background(), w.RequestID, s.text)
	}
}

type reply struct {
	text string
	err  error
}

func request(b *Broker, ctx context.Context, prompt string) <-chan reply {
	out := make(chan reply, 1)
	go func() {
		text, err := b.RequestInput(ctx, prompt)
		out <- reply{text, err}
	}()
	return out
}

func TestRequestInputReturnsSuppliedText(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	got := request(b, context.Background(), "continue?")
	id := waitingID(t, events)

	require.Len(t, b.Pending(), 1)
	assert.Equal(t, "continue?", b.Pending()[0].Prompt)

	require.NoError(t, b.Supply(context.Background(), id, "yes"))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "yes", r.text)

	evt := <-events
	in, ok := evt.(*types.UserInputEvent)
	require.True(t, ok)
	assert.Equal(t, id, in.RequestID)
	assert.Equal(t, "yes", in.Text)

	assert.Eventually(t, func() bool { return len(b.Pending()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestRequestInputBlocksUntilSupply(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	got := request(b, context.Background(), "")
	id := waitingID(t, events)

	select {
	case r := <-got:
		t.Fatalf("returned before Supply: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Supply(context.Background(), id, "done"))
	assert.Equal(t, "done", (<-got).text)
}

func TestSupplyUnknownID(t *testing.T) {
	b := New(nil, 0, nil)

	err := b.Supply(context.Background(), "inp_missing", "hello")
	assert.True(t, errors.Is(err, ErrNotWaiting))
}

func TestSupplyStaleIDHasNoEffect(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	first := request(b, context.Background(), "")
	staleID := waitingID(t, events)
	require.NoError(t, b.Supply(context.Background(), staleID, "one"))
	assert.Equal(t, "one", (<-first).text)

	second := request(b, context.Background(), "")
	freshID := waitingID(t, events)

	err := b.Supply(context.Background(), staleID, "late")
	assert.True(t, errors.Is(err, ErrNotWaiting))

	require.NoError(t, b.Supply(context.Background(), freshID, "two"))
	assert.Equal(t, "two", (<-second).text)
}

func TestSupplyTwiceIsRejected(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	got := request(b, context.Background(), "")
	id := waitingID(t, events)

	require.NoError(t, b.Supply(context.Background(), id, "first"))
	// The waiter may already have discarded the request.
	err := b.Supply(context.Background(), id, "second")
	assert.True(t, errors.Is(err, ErrAlreadyFulfilled) || errors.Is(err, ErrNotWaiting))

	assert.Equal(t, "first", (<-got).text)
}

func TestCancelDiscardsPendingInput(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	got := request(b, ctx, "")
	id := waitingID(t, events)

	cancel()
	r := <-got
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Empty(t, b.Pending())

	err := b.Supply(context.Background(), id, "too late")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestRequestInputTimeout(t *testing.T) {
	b := New(nil, 30*time.Millisecond, nil)

	_, err := b.RequestInput(context.Background(), "")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, b.Pending())
}

func TestSeveralRequestsOutstanding(t *testing.T) {
	events := make(chanEmitter, 16)
	b := New(events, 0, nil)

	a := request(b, context.Background(), "a")
	idA := waitingID(t, events)
	c := request(b, context.Background(), "b")
	idB := waitingID(t, events)

	require.Len(t, b.Pending(), 2)

	require.NoError(t, b.Supply(context.Background(), idB, "for b"))
	require.NoError(t, b.Supply(context.Background(), idA, "for a"))
	assert.Equal(t, "for a", (<-a).text)
	assert.Equal(t, "for b", (<-c).text)
}

func TestSayToUser(t *testing.T) {
	events := make(chanEmitter, 1)
	b := New(events, 0, nil)

	ack := b.SayToUser(context.Background(), "hello there")

	assert.Equal(t, MessageAck, ack)
	msg, ok := (<-events).(*types.MessageToUserEvent)
	require.True(t, ok)
	assert.Equal(t, "hello there", msg.Text)
}

func TestSupplyRacingCancellationIsKept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Both the slot and ctx.Done are ready when RequestInput selects; the
	// accepted answer must win whichever case runs.
	for i := 0; i < 50; i++ {
		em := &supplyingEmitter{text: "late"}
		b := New(em, 0, nil)
		em.b = b

		text, err := b.RequestInput(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "late", text)
		assert.Empty(t, b.Pending())
	}
}
