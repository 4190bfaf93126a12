package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/types"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestEvaluateReturnValue(t *testing.T) {
	sb := New(Config{}, nil, nil)

	out := sb.Evaluate(context.Background(), Job{Source: "1 + 1", Mode: ModeReturn})

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "2", out.Value)
	assert.Equal(t, "2", out.Text(ModeReturn))
	assert.NotEmpty(t, out.JobID)
}

func TestEvaluateConsoleCapture(t *testing.T) {
	sb := New(Config{}, nil, nil)

	out := sb.Evaluate(context.Background(), Job{
		Source: `console.log("hello", 42); print("second"); 7`,
		Mode:   ModeConsole,
	})

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "hello 42\nsecond\n", out.Stdout)
	assert.Equal(t, "7", out.Value, "return value is computed in console mode too")
	assert.Equal(t, "hello 42\nsecond\n", out.Text(ModeConsole))
}

func TestEvaluateRendersObjects(t *testing.T) {
	sb := New(Config{}, nil, nil)

	assert.Equal(t, `{"a":1}`, sb.Evaluate(context.Background(), Job{Source: "({a: 1})"}).Value)
	assert.Equal(t, "[1,2]", sb.Evaluate(context.Background(), Job{Source: "[1, 2]"}).Value)
	assert.Equal(t, "undefined", sb.Evaluate(context.Background(), Job{Source: "var x = 1;"}).Value)
}

func TestEvaluateCompileError(t *testing.T) {
	sb := New(Config{}, nil, nil)

	out := sb.Evaluate(context.Background(), Job{Source: "function (", Mode: ModeReturn})

	assert.Equal(t, StatusCompileError, out.Status)
	assert.NotEmpty(t, out.Diagnostics)
	assert.Contains(t, out.Text(ModeReturn), "Compilation failed:")
}

func TestEvaluateRuntimeError(t *testing.T) {
	sb := New(Config{}, nil, nil)

	out := sb.Evaluate(context.Background(), Job{
		Source: `console.log("before"); throw new Error("boom")`,
		Mode:   ModeConsole,
	})

	assert.Equal(t, StatusRuntimeError, out.Status)
	assert.Contains(t, out.Trace, "boom")
	assert.Equal(t, "before\n", out.Stdout)
	assert.Contains(t, out.Text(ModeConsole), "Execution failed:")
}

func TestEvaluateCancelled(t *testing.T) {
	sb := New(Config{MaxConcurrent: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out := sb.Evaluate(ctx, Job{Source: "while (true) {}"})
	assert.Equal(t, StatusCancelled, out.Status)

	// The slot is released and a later job runs normally.
	next := sb.Evaluate(context.Background(), Job{Source: `console.log("ok"); 3`, Mode: ModeConsole})
	require.Equal(t, StatusSuccess, next.Status)
	assert.Equal(t, "ok\n", next.Stdout)
	assert.Equal(t, "3", next.Value)
}

func TestEvaluateTimeout(t *testing.T) {
	sb := New(Config{Timeout: 50 * time.Millisecond}, nil, nil)

	out := sb.Evaluate(context.Background(), Job{Source: "while (true) {}"})

	assert.Equal(t, StatusRuntimeError, out.Status)
	assert.Contains(t, out.Trace, "timed out")
}

func TestEvaluateConcurrentIsolation(t *testing.T) {
	sb := New(Config{MaxConcurrent: 4}, nil, nil)

	const n = 16
	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf(`for (var k = 0; k < 50; k++) { console.log("job %d"); } %d`, i, i)
			outs[i] = sb.Evaluate(context.Background(), Job{Source: src, Mode: ModeConsole})
		}(i)
	}
	wg.Wait()

	for i, out := range outs {
		require.Equal(t, StatusSuccess, out.Status)
		assert.Equal(t, fmt.Sprint(i), out.Value)
		assert.Equal(t, 50, bytes.Count([]byte(out.Stdout), []byte("\n")))
		assert.NotContains(t, out.Stdout, fmt.Sprintf("job %d\n", (i+1)%n))
	}
}

func TestEvaluateEmitsEvent(t *testing.T) {
	rec := &recordingEmitter{}
	echo := &bytes.Buffer{}
	sb := New(Config{Echo: echo}, nil, nil).WithEmitter(rec)

	out := sb.Evaluate(context.Background(), Job{ID: "job_1", Source: `console.log("hi")`, Mode: ModeConsole})
	require.Equal(t, StatusSuccess, out.Status)

	require.Len(t, rec.events, 1)
	evt, ok := rec.events[0].(*types.ScriptRunEvent)
	require.True(t, ok)
	assert.Equal(t, "job_1", evt.JobID)
	assert.Equal(t, "console", evt.Mode)
	assert.Equal(t, "success", evt.Outcome)
	assert.Equal(t, "hi\n", evt.Output)
	assert.Contains(t, echo.String(), "hi")
}

func TestWithEmitterSharesLimit(t *testing.T) {
	sb := New(Config{MaxConcurrent: 2}, nil, nil)
	view := sb.WithEmitter(&recordingEmitter{})
	assert.Same(t, sb.sem, view.sem)
}
