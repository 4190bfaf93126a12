// Package natsink mirrors event log entries to a NATS JetStream stream.
package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gm-agent-org/kode/pkg/eventlog"
)

const DefaultStream = "KODE_EVENTS"

// Sink publishes each entry to <prefix>.<conversation>.<event type>.
type Sink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	ns     *server.Server // embedded server, if we started one
	prefix string
	log    *slog.Logger
}

// SubjectFor returns the subject an event of eventType is published on.
func SubjectFor(prefix, conversation, eventType string) string {
	if conversation == "" {
		conversation = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, token(conversation), token(eventType))
}

// token strips characters NATS treats as subject separators or wildcards.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Connect dials url and ensures the stream exists.
func Connect(ctx context.Context, url, prefix string, log *slog.Logger) (*Sink, error) {
	nc, err := nats.Connect(url, nats.Name("kode"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s, err := New(ctx, nc, prefix, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// Embedded starts an in-process JetStream server storing under dataDir and
// returns a Sink connected to it.
func Embedded(ctx context.Context, dataDir, prefix string, log *slog.Logger) (*Sink, error) {
	ns, err := StartServer(dataDir)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect in-process: %w", err)
	}
	s, err := New(ctx, nc, prefix, log)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, err
	}
	s.ns = ns
	return s, nil
}

// StartServer runs an embedded NATS server with JetStream and no network
// listener.
func StartServer(dataDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		JetStream:  true,
		StoreDir:   dataDir,
		DontListen: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}
	return ns, nil
}

// New wraps an existing connection. The stream covering prefix.> is
// created or updated.
func New(ctx context.Context, nc *nats.Conn, prefix string, log *slog.Logger) (*Sink, error) {
	if prefix == "" {
		prefix = "kode.events"
	}
	if log == nil {
		log = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     DefaultStream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("setup stream: %w", err)
	}
	return &Sink{nc: nc, js: js, prefix: prefix, log: log}, nil
}

func (s *Sink) Write(ctx context.Context, entry eventlog.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := SubjectFor(s.prefix, entry.Event.EventSubject(), entry.Event.EventType())
	// Publish even if the conversation context is already cancelled.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.js.Publish(pubCtx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Replay reads every mirrored entry of a conversation in publish order.
func (s *Sink) Replay(ctx context.Context, conversation string) ([]eventlog.Entry, error) {
	stream, err := s.js.Stream(ctx, DefaultStream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream: %w", err)
	}
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.%s.>", s.prefix, token(conversation))},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	var entries []eventlog.Entry
	for {
		batch, err := consumer.FetchNoWait(256)
		if err != nil {
			return entries, fmt.Errorf("fetch: %w", err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			var entry eventlog.Entry
			if err := json.Unmarshal(msg.Data(), &entry); err != nil {
				s.log.Warn("skipping malformed event", "subject", msg.Subject(), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		if n == 0 {
			return entries, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return entries, fmt.Errorf("fetch: %w", err)
		}
	}
}

// Close drains the connection and stops the embedded server, if any.
func (s *Sink) Close() error {
	var err error
	if s.nc != nil {
		if derr := s.nc.Drain(); derr != nil {
			s.nc.Close()
			err = derr
		}
	}
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
	}
	return err
}
