package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gm-agent-org/kode/pkg/types"
)

// Request describes one exact-match edit.
type Request struct {
	Path            string `json:"path" validate:"required"`
	OriginalContent string `json:"original_content"`
	EditedContent   string `json:"edited_content"`
	ReplaceAll      bool   `json:"replace_all"`
	// Overwrite allows an empty OriginalContent to replace a non-empty file.
	Overwrite bool `json:"overwrite"`
}

// Result contains the result of a successful edit
type Result struct {
	Path         string `json:"path"`
	Created      bool   `json:"created"`
	Replacements int    `json:"replacements"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
	Message      string `json:"message"`
}

// Apply performs req. On any error the target file is left byte-for-byte
// unchanged. A FileWritten event is emitted for every outcome.
func (p *Patcher) Apply(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { p.emitWritten(ctx, req.Path, res, err) }()

	abs, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	unlock := p.lock(abs)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, statErr := os.Stat(abs)
	missing := errors.Is(statErr, fs.ErrNotExist)
	if statErr != nil && !missing {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, statErr)
	}
	if !missing && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, req.Path)
	}

	if req.OriginalContent == "" {
		return p.applyWhole(ctx, abs, req, missing)
	}
	if missing {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Path)
	}

	current, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, err)
	}
	source := string(current)

	n := strings.Count(source, req.OriginalContent)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w in %s", ErrNoMatch, req.Path)
	case n > 1 && !req.ReplaceAll:
		return nil, fmt.Errorf("%w: %d occurrences in %s", ErrAmbiguousMatch, n, req.Path)
	}

	updated := strings.Replace(source, req.OriginalContent, req.EditedContent, -1)
	if err := writeAtomic(ctx, abs, updated, info.Mode().Perm()); err != nil {
		return nil, err
	}

	added, removed := lineStats(source, updated)
	return &Result{
		Path:         req.Path,
		Replacements: n,
		LinesAdded:   added,
		LinesRemoved: removed,
		Message:      "File written successfully",
	}, nil
}

// applyWhole handles an empty OriginalContent: create, fill an empty file,
// or overwrite when explicitly allowed.
func (p *Patcher) applyWhole(ctx context.Context, abs string, req Request, missing bool) (*Result, error) {
	var source string
	perm := fs.FileMode(0o644)
	if !missing {
		current, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, err)
		}
		source = string(current)
		if source != "" && !req.Overwrite && !p.cfg.AllowOverwrite {
			return nil, fmt.Errorf("%w: %s (pass overwrite to replace it)", ErrFileExists, req.Path)
		}
		if info, err := os.Stat(abs); err == nil {
			perm = info.Mode().Perm()
		}
	} else if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(ctx, abs, req.EditedContent, perm); err != nil {
		return nil, err
	}

	added, removed := lineStats(source, req.EditedContent)
	msg := "File written successfully"
	if missing {
		msg = "File created successfully"
	}
	return &Result{
		Path:         req.Path,
		Created:      missing,
		Replacements: 1,
		LinesAdded:   added,
		LinesRemoved: removed,
		Message:      msg,
	}, nil
}

// writeAtomic writes content next to path and renames it into place, so
// readers see either the old or the new content. A cancelled ctx aborts
// before the rename.
func writeAtomic(ctx context.Context, path, content string, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (p *Patcher) emitWritten(ctx context.Context, path string, res *Result, err error) {
	evt := &types.FileWrittenEvent{
		BaseEvent: types.NewBaseEvent(types.EventFileWritten, "tool", ""),
		Path:      path,
		Success:   err == nil,
	}
	if err != nil {
		evt.ErrorKind = Kind(err)
		evt.Message = err.Error()
		p.log.Debug("patch rejected", "path", path, "error", err)
	} else {
		evt.Created = res.Created
		evt.Replacements = res.Replacements
		evt.LinesAdded = res.LinesAdded
		evt.LinesRemoved = res.LinesRemoved
		evt.Message = res.Message
		p.log.Debug("patch applied", "path", path, "replacements", res.Replacements)
	}
	if p.events != nil {
		p.events.Emit(ctx, evt)
	}
}
