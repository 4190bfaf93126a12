// Package tools declares the tools exposed to the model and binds them to
// the patcher, the script sandbox and the input broker.
package tools

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/gm-agent-org/kode/pkg/patch"
	"github.com/gm-agent-org/kode/pkg/runtime/broker"
	"github.com/gm-agent-org/kode/pkg/sandbox"
	"github.com/gm-agent-org/kode/pkg/tool"
	"github.com/gm-agent-org/kode/pkg/types"
)

// Tool names
const (
	ReadFile         = "read_file"
	PatchFile        = "patch_file"
	RunScript        = "run_script"
	WaitForUserInput = "wait_for_user_input"
	SayToUser        = "say_to_user"
)

// DefaultLargeFileLines is the line count above which an unranged read
// returns a warning instead of content.
const DefaultLargeFileLines = 1000

// Definitions

var ReadFileTool = types.Tool{
	Name:        ReadFile,
	Description: "Read the content of a file. If from_line and to_line are not provided, read the entire file.",
	Parameters: types.JSONSchema{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file, relative to the workspace root",
			},
			"from_line": map[string]any{
				"type":        "integer",
				"description": "The first line to read (1-based, inclusive). Optional.",
			},
			"to_line": map[string]any{
				"type":        "integer",
				"description": "The last line to read (1-based, inclusive). Optional.",
			},
		},
		"required": []string{"path"},
	},
	Metadata: map[string]string{"category": "filesystem"},
}

var PatchFileTool = types.Tool{
	Name: PatchFile,
	Description: "Write or edit a file. original_content must occur exactly once unless replace_all is true. " +
		"An empty original_content creates the file; set overwrite to replace a non-empty file entirely.",
	Parameters: types.JSONSchema{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"original_content": map[string]any{
				"type":        "string",
				"description": "The exact text to replace (empty string for new files)",
			},
			"edited_content": map[string]any{
				"type":        "string",
				"description": "The new text",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring exactly one",
			},
			"overwrite": map[string]any{
				"type":        "boolean",
				"description": "With an empty original_content, replace an existing non-empty file",
			},
		},
		"required": []string{"path", "original_content", "edited_content"},
	},
	Metadata: map[string]string{"category": "filesystem"},
}

var RunScriptTool = types.Tool{
	Name: RunScript,
	Description: "Run a JavaScript snippet in a fresh interpreter. console.log output is captured. " +
		"The value of the last expression is the return value.",
	Parameters: types.JSONSchema{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "The script to execute",
			},
			"output_mode": map[string]any{
				"type":        "string",
				"enum":        []string{string(sandbox.ModeConsole), string(sandbox.ModeReturn)},
				"description": "'console' to get console output, 'return' to get the value of the last expression",
			},
		},
		"required": []string{"code", "output_mode"},
	},
	Metadata: map[string]string{"category": "script"},
}

var WaitForUserInputTool = types.Tool{
	Name:        WaitForUserInput,
	Description: "Wait for user input. This suspends execution until the user provides input.",
	Parameters: types.JSONSchema{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Optional prompt or reason for waiting",
			},
		},
	},
	Metadata: map[string]string{"category": "interaction"},
}

var SayToUserTool = types.Tool{
	Name:        SayToUser,
	Description: "Say something to the user. Use this to communicate with the user.",
	Parameters: types.JSONSchema{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to say to the user",
			},
		},
		"required": []string{"message"},
	},
	Metadata: map[string]string{"category": "interaction"},
}

// Definitions returns every built-in declaration in registration order.
func Definitions() []types.Tool {
	return []types.Tool{ReadFileTool, PatchFileTool, RunScriptTool, WaitForUserInputTool, SayToUserTool}
}

// Toolbox holds the collaborators the built-in tools run against. Broker
// may be nil, in which case the interaction tools are not registered.
type Toolbox struct {
	Patcher        *patch.Patcher
	Sandbox        *sandbox.Sandbox
	Broker         *broker.Broker
	LargeFileLines int

	// inputTurn admits one wait_for_user_input at a time, so a conversation
	// never has more than one unresolved request. Later calls queue in order.
	inputTurn *semaphore.Weighted
}

type binding struct {
	def     types.Tool
	handler tool.Handler
}

// Register adds the built-in tools to reg.
func Register(reg *tool.Registry, tb Toolbox) error {
	if tb.Patcher == nil || tb.Sandbox == nil {
		return errors.New("toolbox needs a patcher and a sandbox")
	}
	if tb.LargeFileLines <= 0 {
		tb.LargeFileLines = DefaultLargeFileLines
	}
	tb.inputTurn = semaphore.NewWeighted(1)

	bindings := []binding{
		{ReadFileTool, tb.handleReadFile},
		{PatchFileTool, tb.handlePatchFile},
		{RunScriptTool, tb.handleRunScript},
	}
	if tb.Broker != nil {
		bindings = append(bindings,
			binding{WaitForUserInputTool, tb.handleWaitForUserInput},
			binding{SayToUserTool, tb.handleSayToUser},
		)
	}

	for _, b := range bindings {
		if err := reg.Register(b.def, b.handler); err != nil {
			return fmt.Errorf("register %s: %w", b.def.Name, err)
		}
	}
	return nil
}

// Implementations

func (tb Toolbox) handleReadFile(ctx context.Context, argsJSON string) (string, error) {
	args, err := tool.DecodeArgs[patch.ReadRequest](argsJSON)
	if err != nil {
		return "", err
	}

	res, err := tb.Patcher.Read(ctx, args)
	if err != nil {
		return "", types.WrapToolError(patch.Kind(err), err)
	}

	if !res.Ranged && res.TotalLines > tb.LargeFileLines {
		return fmt.Sprintf("Warning: The content of the file is too big (%d lines). Please use from_line and to_line to limit the size.", res.TotalLines), nil
	}
	return res.Content, nil
}

// PatchFileArgs mirrors the patch_file schema. The content fields are
// pointers so that an absent field is told apart from an empty one.
type PatchFileArgs struct {
	Path            string  `json:"path" validate:"required"`
	OriginalContent *string `json:"original_content" validate:"required"`
	EditedContent   *string `json:"edited_content" validate:"required"`
	ReplaceAll      bool    `json:"replace_all"`
	Overwrite       bool    `json:"overwrite"`
}

func (tb Toolbox) handlePatchFile(ctx context.Context, argsJSON string) (string, error) {
	args, err := tool.DecodeArgs[PatchFileArgs](argsJSON)
	if err != nil {
		return "", err
	}

	res, err := tb.Patcher.Apply(ctx, patch.Request{
		Path:            args.Path,
		OriginalContent: *args.OriginalContent,
		EditedContent:   *args.EditedContent,
		ReplaceAll:      args.ReplaceAll,
		Overwrite:       args.Overwrite,
	})
	if err != nil {
		return "", types.WrapToolError(patch.Kind(err), err)
	}
	return fmt.Sprintf("%s: %s (+%d -%d lines)", res.Message, res.Path, res.LinesAdded, res.LinesRemoved), nil
}

type RunScriptArgs struct {
	Code       string `json:"code" validate:"required"`
	OutputMode string `json:"output_mode" validate:"required,oneof=console return"`
}

func (tb Toolbox) handleRunScript(ctx context.Context, argsJSON string) (string, error) {
	args, err := tool.DecodeArgs[RunScriptArgs](argsJSON)
	if err != nil {
		return "", err
	}
	mode := sandbox.OutputMode(args.OutputMode)

	out := tb.Sandbox.Evaluate(ctx, sandbox.Job{Source: args.Code, Mode: mode})
	switch out.Status {
	case sandbox.StatusCompileError:
		return "", types.NewToolError(types.KindCompileError, "%s", out.Text(mode))
	case sandbox.StatusRuntimeError:
		return "", types.NewToolError(types.KindRuntimeError, "%s", out.Text(mode))
	case sandbox.StatusCancelled:
		return "", types.WrapToolError(types.KindCancelled, context.Canceled)
	}
	return out.Text(mode), nil
}

type WaitForUserInputArgs struct {
	Prompt string `json:"prompt"`
}

func (tb Toolbox) handleWaitForUserInput(ctx context.Context, argsJSON string) (string, error) {
	args, err := tool.DecodeArgs[WaitForUserInputArgs](argsJSON)
	if err != nil {
		return "", err
	}

	if err := tb.inputTurn.Acquire(ctx, 1); err != nil {
		return "", types.WrapToolError(types.KindCancelled, err)
	}
	defer tb.inputTurn.Release(1)

	text, err := tb.Broker.RequestInput(ctx, args.Prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", types.WrapToolError(types.KindCancelled, err)
		}
		return "", err
	}
	return text, nil
}

type SayToUserArgs struct {
	Message string `json:"message" validate:"required"`
}

func (tb Toolbox) handleSayToUser(ctx context.Context, argsJSON string) (string, error) {
	args, err := tool.DecodeArgs[SayToUserArgs](argsJSON)
	if err != nil {
		return "", err
	}
	return tb.Broker.SayToUser(ctx, args.Message), nil
}
