// Package patch implements exact-match file editing and bounded file reads
// inside a workspace root.
package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gm-agent-org/kode/pkg/types"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrNotAFile         = errors.New("path is not a file")
	ErrUnreadable       = errors.New("file is not readable")
	ErrTooLarge         = errors.New("file is too large")
	ErrInvalidRange     = errors.New("invalid line range")
	ErrNoMatch          = errors.New("no occurrences found")
	ErrAmbiguousMatch   = errors.New("multiple occurrences found but replace_all is false")
	ErrFileExists       = errors.New("file already exists and is not empty")
	ErrOutsideWorkspace = errors.New("path is outside the workspace")
)

// kinds maps sentinel errors to the ErrorKind reported to the model.
var kinds = map[error]types.ErrorKind{
	ErrNotFound:         types.KindNotFound,
	ErrNotAFile:         types.KindNotAFile,
	ErrUnreadable:       types.KindUnreadable,
	ErrTooLarge:         types.KindTooLarge,
	ErrInvalidRange:     types.KindInvalidRange,
	ErrNoMatch:          types.KindNoMatch,
	ErrAmbiguousMatch:   types.KindAmbiguousMatch,
	ErrFileExists:       types.KindFileExists,
	ErrOutsideWorkspace: types.KindInvalidArguments,
}

// Kind returns the ErrorKind for an error produced by this package.
func Kind(err error) types.ErrorKind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return types.KindHandlerFailure
}

// Config for the patcher
type Config struct {
	// WorkDir is the root directory for all file operations
	WorkDir string
	// MaxReadBytes caps Read (default 1 MB)
	MaxReadBytes int64
	// AllowOverwrite lets an empty original replace a non-empty file without the per-request flag
	AllowOverwrite bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		WorkDir:      ".",
		MaxReadBytes: 1_000_000,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work directory cannot be empty")
	}
	if c.MaxReadBytes < 0 {
		return fmt.Errorf("max read bytes cannot be negative")
	}
	return nil
}

// Patcher applies exact-match edits and serves bounded reads. Writes to the
// same path are serialized; writes to different paths proceed concurrently.
type Patcher struct {
	cfg    Config
	events types.Emitter
	log    *slog.Logger

	locks *sync.Map // abs path -> *sync.Mutex, shared by WithEmitter copies
}

// New creates a Patcher rooted at cfg.WorkDir. events may be nil.
func New(cfg Config, events types.Emitter, log *slog.Logger) (*Patcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.MaxReadBytes == 0 {
		cfg.MaxReadBytes = DefaultConfig().MaxReadBytes
	}
	root, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}
	cfg.WorkDir = root
	if log == nil {
		log = slog.Default()
	}
	return &Patcher{cfg: cfg, events: events, log: log, locks: &sync.Map{}}, nil
}

// WithEmitter returns a Patcher that reports to events and shares the
// receiver's per-path locks.
func (p *Patcher) WithEmitter(events types.Emitter) *Patcher {
	clone := *p
	clone.events = events
	return &clone
}

// Root returns the absolute workspace root.
func (p *Patcher) Root() string { return p.cfg.WorkDir }

// resolve maps a request path to an absolute path inside the workspace.
// Symlinks are followed for the check, so a link inside the workspace that
// points outside it is rejected.
func (p *Patcher) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideWorkspace)
	}
	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.cfg.WorkDir, abs)
	}
	if !within(p.cfg.WorkDir, abs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}

	root, err := realPath(p.cfg.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolve work directory: %w", err)
	}
	target, err := realPath(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s (links to %s)", ErrOutsideWorkspace, path, target)
	}
	return abs, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath evaluates symlinks in the longest existing prefix of path and
// appends the components that do not exist yet.
func realPath(path string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(append([]string{path}, missing...)...), nil
		}
		missing = append([]string{filepath.Base(path)}, missing...)
		path = parent
	}
}

func (p *Patcher) lock(abs string) func() {
	v, _ := p.locks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
