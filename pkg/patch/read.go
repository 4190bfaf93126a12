package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gm-agent-org/kode/pkg/types"
)

// ReadRequest selects a file and an optional line range. Lines are
// 1-indexed and both ends are inclusive; nil means "from the first line" or
// "to the last line".
type ReadRequest struct {
	Path     string `json:"path" validate:"required"`
	FromLine *int   `json:"from_line,omitempty" validate:"omitempty,min=1"`
	ToLine   *int   `json:"to_line,omitempty" validate:"omitempty,min=1"`
}

// ReadResult is the text returned by Read together with its coordinates.
type ReadResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Size       int64  `json:"size"`
	FromLine   int    `json:"from_line"`
	ToLine     int    `json:"to_line"`
	TotalLines int    `json:"total_lines"`
	Ranged     bool   `json:"ranged"`
}

// Read returns the requested slice of a file. A FileRead event is emitted
// for every outcome.
func (p *Patcher) Read(ctx context.Context, req ReadRequest) (res *ReadResult, err error) {
	defer func() { p.emitRead(ctx, req, res, err) }()

	abs, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, req.Path)
	}
	if info.Size() > p.cfg.MaxReadBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrTooLarge, req.Path, info.Size(), p.cfg.MaxReadBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, err)
	}

	lines := splitLines(string(data))
	res = &ReadResult{
		Path:       req.Path,
		Size:       info.Size(),
		TotalLines: len(lines),
		FromLine:   1,
		ToLine:     len(lines),
	}

	if req.FromLine == nil && req.ToLine == nil {
		res.Content = string(data)
		return res, nil
	}

	from, to := 1, len(lines)
	if req.FromLine != nil {
		from = *req.FromLine
	}
	if req.ToLine != nil {
		to = min(*req.ToLine, len(lines))
	}
	if from < 1 || from > len(lines) || to < from {
		return nil, fmt.Errorf("%w: lines %d-%d of %s (%d lines)", ErrInvalidRange, from, to, req.Path, len(lines))
	}

	res.Ranged = true
	res.FromLine, res.ToLine = from, to
	res.Content = strings.Join(lines[from-1:to], "\n")
	return res, nil
}

// splitLines splits text into lines without counting a trailing newline as
// an extra empty line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func (p *Patcher) emitRead(ctx context.Context, req ReadRequest, res *ReadResult, err error) {
	evt := &types.FileReadEvent{
		BaseEvent: types.NewBaseEvent(types.EventFileRead, "tool", ""),
		Path:      req.Path,
		Success:   err == nil,
	}
	if err != nil {
		evt.ErrorKind = Kind(err)
		evt.Error = err.Error()
	} else {
		evt.Size = len(res.Content)
		if res.Ranged {
			evt.FromLine, evt.ToLine = res.FromLine, res.ToLine
		}
	}
	if p.events != nil {
		p.events.Emit(ctx, evt)
	}
}
