// Package eventlog is the append-only, ordered record of everything a
// conversation's tools and loop report. Consumers read it lazily and can
// restart from any position.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gm-agent-org/kode/pkg/types"
)

var ErrClosed = errors.New("event log closed")

// Entry is an event with its position in the log. Seq starts at 1.
type Entry struct {
	Seq   uint64      `json:"seq"`
	Event types.Event `json:"event"`
}

// UnmarshalJSON restores the concrete event type.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq   uint64          `json:"seq"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	evt, err := types.DecodeEvent(raw.Event)
	if err != nil {
		return fmt.Errorf("entry %d: %w", raw.Seq, err)
	}
	e.Seq, e.Event = raw.Seq, evt
	return nil
}

// Sink mirrors entries somewhere else. Sink failures are logged and never
// affect the in-memory log.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

type subjectSetter interface {
	SetSubject(string)
}

// Log is safe for concurrent use. It implements types.Emitter.
type Log struct {
	subject string
	sinks   []Sink
	log     *slog.Logger

	writeMu sync.Mutex // orders sink writes without blocking readers

	mu      sync.Mutex
	entries []Entry
	notify  chan struct{} // closed and replaced on every append
	closed  bool
}

// New creates a log whose events default to subject (usually the
// conversation ID).
func New(subject string, log *slog.Logger, sinks ...Sink) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		subject: subject,
		sinks:   sinks,
		log:     log,
		notify:  make(chan struct{}),
	}
}

// Emit appends e, ignoring the assigned sequence number.
func (l *Log) Emit(ctx context.Context, e types.Event) {
	l.Append(ctx, e)
}

// Append adds e to the log and returns its sequence number, or 0 if the
// log is closed. If ctx carries an event recorder, e is recorded there too.
func (l *Log) Append(ctx context.Context, e types.Event) uint64 {
	if e == nil {
		return 0
	}
	if s, ok := e.(subjectSetter); ok && e.EventSubject() == "" {
		s.SetSubject(l.subject)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Debug("event dropped after close", "type", e.EventType())
		return 0
	}
	entry := Entry{Seq: uint64(len(l.entries)) + 1, Event: e}
	l.entries = append(l.entries, entry)
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()

	types.RecorderFrom(ctx).Record(e)

	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			l.log.Warn("event sink write failed", "seq", entry.Seq, "type", e.EventType(), "error", err)
		}
	}
	return entry.Seq
}

// Since returns a copy of the entries after position after.
func (l *Log) Since(after uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(after)
}

func (l *Log) sinceLocked(after uint64) []Entry {
	if after >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(after))
	copy(out, l.entries[after:])
	return out
}

// Next blocks until entries after position after exist and returns them.
// It returns ErrClosed once the log is closed and fully consumed.
func (l *Log) Next(ctx context.Context, after uint64) ([]Entry, error) {
	for {
		l.mu.Lock()
		if out := l.sinceLocked(after); len(out) > 0 {
			l.mu.Unlock()
			return out, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe streams entries after position after, in order. The channel
// closes when ctx ends or the log is closed and drained.
func (l *Log) Subscribe(ctx context.Context, after uint64) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		pos := after
		for {
			batch, err := l.Next(ctx, pos)
			if err != nil {
				return
			}
			for _, entry := range batch {
				select {
				case out <- entry:
					pos = entry.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops further appends and wakes blocked readers. Sinks are owned
// by the caller and are not closed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notify)
	return nil
}
