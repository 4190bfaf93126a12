package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/gm-agent-org/kode/pkg/types"
)

var (
	colorPrimary   = lipgloss.Color("#FF6B35")
	colorSecondary = lipgloss.Color("#7C3AED")
	colorSuccess   = lipgloss.Color("#10B981")
	colorWarning   = lipgloss.Color("#F59E0B")
	colorError     = lipgloss.Color("#EF4444")
	colorMuted     = lipgloss.Color("#6B7280")

	styleTitle     = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleMuted     = lipgloss.NewStyle().Foreground(colorMuted)
	styleToolName  = lipgloss.NewStyle().Bold(true).Foreground(colorSecondary)
	styleSuccess   = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning   = lipgloss.NewStyle().Foreground(colorWarning)
	styleError     = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	styleAssistant = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)

	stylePromptBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorWarning).
			Padding(0, 1)
)

// renderEvent formats one event as a console line. Events with nothing to
// show return "".
func renderEvent(e types.Event) string {
	switch ev := e.(type) {
	case *types.ModelTurnEvent:
		if len(ev.ToolCalls) == 0 {
			return ""
		}
		names := make([]string, len(ev.ToolCalls))
		for i, c := range ev.ToolCalls {
			names[i] = c.Name
		}
		return styleMuted.Render(fmt.Sprintf("turn %d: %s", ev.Iteration, strings.Join(names, ", ")))
	case *types.ToolCompletedEvent:
		mark := styleSuccess.Render("✓")
		if !ev.Success {
			mark = styleError.Render("✗")
		}
		line := fmt.Sprintf("%s %s %s", mark, styleToolName.Render(ev.ToolName), styleMuted.Render(fmt.Sprintf("(%dms)", ev.Duration)))
		if !ev.Success {
			line += " " + styleWarning.Render(truncate(ev.Output, 120))
		}
		return line
	case *types.FileWrittenEvent:
		if !ev.Success {
			return ""
		}
		return styleMuted.Render(fmt.Sprintf("  %s +%d -%d", ev.Path, ev.LinesAdded, ev.LinesRemoved))
	case *types.MessageToUserEvent:
		return styleAssistant.Render("kode: ") + ev.Text
	case *types.WaitingForInputEvent:
		prompt := ev.Prompt
		if prompt == "" {
			prompt = "Input requested"
		}
		return stylePromptBox.Render(prompt)
	case *types.ConversationEndedEvent:
		switch types.TerminationReason(ev.Reason) {
		case types.TerminationSuccess:
			return styleSuccess.Render(fmt.Sprintf("done after %d iterations", ev.Iterations))
		case types.TerminationError:
			return styleError.Render("failed: " + ev.Error)
		default:
			return styleWarning.Render(fmt.Sprintf("%s after %d iterations", ev.Reason, ev.Iterations))
		}
	}
	return ""
}

// renderMarkdown renders the final answer, falling back to the raw text.
func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSuffix(out, "\n")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
