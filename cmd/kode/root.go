package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gm-agent-org/kode/pkg/config"
	"github.com/gm-agent-org/kode/pkg/eventlog"
	"github.com/gm-agent-org/kode/pkg/eventlog/natsink"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "kode",
		Short:         "Tool-execution engine for coding agents",
		Long:          "kode runs a model-driven coding agent against a workspace: exact-match file edits, sandboxed scripts and human input.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (default ./kode.yaml or ~/.kode/config.yaml)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.StringP("workspace", "w", "", "Workspace root (default current directory)")
	flags.String("provider", "", "Active LLM provider: gemini, openai, deepseek, mock")

	for _, name := range []string{"config", "log-level", "workspace", "provider"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newMCPCmd(a))
	cmd.AddCommand(newRemoteCmd(a))
	cmd.AddCommand(newToolsCmd())
	return cmd
}

// load reads the config file and applies flag overrides on top of it.
func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if ws := a.v.GetString("workspace"); ws != "" {
		cfg.Files.WorkspaceRoot = ws
	}
	if p := a.v.GetString("provider"); p != "" {
		cfg.ActiveProvider = p
	}

	a.cfg = cfg
	a.log = newLogger(logOut, parseLogLevel(cfg.LogLevel))
	slog.SetDefault(a.log)
	return nil
}

func newLogger(output io.Writer, level slog.Level) *slog.Logger {
	_, isFile := output.(*os.File)
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isFile,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "VERBOSE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openSinks opens the event mirrors named in the config. The returned func
// closes them.
func (a *app) openSinks(ctx context.Context) ([]eventlog.Sink, func(), error) {
	var (
		sinks   []eventlog.Sink
		closers []io.Closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				a.log.Warn("close event sink", "error", err)
			}
		}
	}

	ev := a.cfg.Events
	if ev.JSONLPath != "" {
		fs, err := eventlog.NewFileSink(ev.JSONLPath)
		if err != nil {
			return nil, nil, err
		}
		sinks, closers = append(sinks, fs), append(closers, fs)
	}

	var (
		ns  *natsink.Sink
		err error
	)
	switch {
	case ev.NATSURL != "":
		ns, err = natsink.Connect(ctx, ev.NATSURL, ev.NATSSubject, a.log)
	case ev.NATSEmbedded:
		ns, err = natsink.Embedded(ctx, ev.NATSDataDir, ev.NATSSubject, a.log)
	}
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open nats sink: %w", err)
	}
	if ns != nil {
		sinks, closers = append(sinks, ns), append(closers, ns)
	}
	return sinks, closeAll, nil
}
