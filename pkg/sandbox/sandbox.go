// Package sandbox evaluates JavaScript snippets, one fresh interpreter per
// job, with console output captured per job.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/sync/semaphore"

	"github.com/gm-agent-org/kode/pkg/types"
)

// OutputMode selects which part of a successful run is returned.
type OutputMode string

const (
	ModeConsole OutputMode = "console"
	ModeReturn  OutputMode = "return"
)

// Status of a finished job.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusCompileError Status = "compile_error"
	StatusRuntimeError Status = "runtime_error"
	StatusCancelled    Status = "cancelled"
)

// Job is one script evaluation request.
type Job struct {
	ID     string
	Source string
	Mode   OutputMode
}

// Outcome is always returned by Evaluate; failures are values, not errors.
// Both Value and Stdout are populated whenever the script ran.
type Outcome struct {
	JobID       string        `json:"job_id"`
	Status      Status        `json:"status"`
	Value       string        `json:"value,omitempty"`
	Stdout      string        `json:"stdout,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Trace       string        `json:"trace,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Text renders the outcome for the model according to mode.
func (o Outcome) Text(mode OutputMode) string {
	switch o.Status {
	case StatusCompileError:
		return "Compilation failed:\n" + o.Diagnostics
	case StatusRuntimeError:
		return "Execution failed:\n" + o.Trace
	case StatusCancelled:
		return "Execution cancelled"
	}
	if mode == ModeConsole {
		return o.Stdout
	}
	return o.Value
}

// Config for the sandbox
type Config struct {
	// Timeout bounds a single job; 0 disables it.
	Timeout time.Duration
	// MaxConcurrent caps jobs running at once; 0 means 1.
	MaxConcurrent int64
	// Echo, if set, receives each job's console output after it finishes.
	Echo io.Writer
}

// Sandbox runs Jobs. It is safe for concurrent use.
type Sandbox struct {
	cfg    Config
	sem    *semaphore.Weighted
	echoMu *sync.Mutex
	events types.Emitter
	log    *slog.Logger
}

func New(cfg Config, events types.Emitter, log *slog.Logger) *Sandbox {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sandbox{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		echoMu: &sync.Mutex{},
		events: events,
		log:    log,
	}
}

// WithEmitter returns a Sandbox reporting to events that shares the
// receiver's concurrency limit.
func (s *Sandbox) WithEmitter(events types.Emitter) *Sandbox {
	clone := *s
	clone.events = events
	return &clone
}

type runResult struct {
	value goja.Value
	err   error
	panic string
}

// Evaluate compiles and runs job on its own goroutine. Cancelling ctx
// interrupts the interpreter; Evaluate returns only after the job's
// goroutine has exited.
func (s *Sandbox) Evaluate(ctx context.Context, job Job) (out Outcome) {
	start := time.Now()
	if job.ID == "" {
		job.ID = types.GenerateJobID()
	}
	if job.Mode == "" {
		job.Mode = ModeReturn
	}
	out.JobID = job.ID
	defer func() {
		out.Duration = time.Since(start)
		s.emit(ctx, job, out)
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		out.Status = StatusCancelled
		return out
	}
	defer s.sem.Release(1)

	prog, err := goja.Compile(job.ID, job.Source, false)
	if err != nil {
		out.Status = StatusCompileError
		out.Diagnostics = err.Error()
		return out
	}

	runCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	vm := goja.New()
	console := &strings.Builder{}
	if err := installConsole(vm, console); err != nil {
		out.Status = StatusRuntimeError
		out.Trace = err.Error()
		return out
	}

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runResult{panic: fmt.Sprintf("%v\n%s", p, debug.Stack())}
			}
		}()
		v, err := vm.RunProgram(prog)
		done <- runResult{value: v, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		vm.Interrupt(runCtx.Err())
		res = <-done
	}

	// The goroutine has exited; the console buffer is no longer shared.
	out.Stdout = console.String()
	s.echo(job.ID, out.Stdout)

	switch {
	case res.panic != "":
		out.Status = StatusRuntimeError
		out.Trace = "panic: " + res.panic
	case res.err != nil:
		var interrupted *goja.InterruptedError
		if errors.As(res.err, &interrupted) {
			if ctx.Err() != nil {
				out.Status = StatusCancelled
				return out
			}
			out.Status = StatusRuntimeError
			out.Trace = fmt.Sprintf("execution timed out after %s", s.cfg.Timeout)
			return out
		}
		out.Status = StatusRuntimeError
		var exc *goja.Exception
		if errors.As(res.err, &exc) {
			out.Trace = exc.String()
		} else {
			out.Trace = res.err.Error()
		}
	default:
		out.Status = StatusSuccess
		out.Value = render(res.value)
	}
	return out
}

// installConsole binds console.* and print to buf. Every job gets its own
// buffer, so concurrent jobs never see each other's output.
func installConsole(vm *goja.Runtime, buf *strings.Builder) error {
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		buf.WriteString(strings.Join(parts, " "))
		buf.WriteByte('\n')
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, write); err != nil {
			return fmt.Errorf("bind console.%s: %w", name, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("bind console: %w", err)
	}
	return vm.Set("print", write)
}

// render turns the script's completion value into text.
func render(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		switch obj.ClassName() {
		case "Object", "Array":
			if data, err := obj.MarshalJSON(); err == nil {
				return string(data)
			}
		}
	}
	return v.String()
}

func (s *Sandbox) echo(jobID, stdout string) {
	if s.cfg.Echo == nil || stdout == "" {
		return
	}
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	fmt.Fprintf(s.cfg.Echo, "--- %s ---\n%s", jobID, stdout)
}

func (s *Sandbox) emit(ctx context.Context, job Job, out Outcome) {
	s.log.Debug("script finished", "job_id", job.ID, "status", out.Status, "duration", out.Duration)
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, &types.ScriptRunEvent{
		BaseEvent: types.NewBaseEvent(types.EventScriptRun, "tool", ""),
		JobID:     job.ID,
		Mode:      string(job.Mode),
		Outcome:   string(out.Status),
		Output:    out.Text(job.Mode),
		Duration:  out.Duration.Milliseconds(),
	})
}
