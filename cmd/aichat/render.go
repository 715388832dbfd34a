package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
)

const wrapWidth = 100

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(12)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
)

// renderMarkdown renders an answer for the terminal, or returns it as is
// when colors are off or glamour fails.
func renderMarkdown(content string) string {
	if noColor || strings.TrimSpace(content) == "" {
		return content
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

// printDecision writes a routing decision as labelled lines.
func printDecision(w io.Writer, d router.Decision) {
	field(w, "route", titleStyle.Render(string(d.Route)))
	field(w, "decided by", string(d.DecidedBy))
	field(w, "confidence", fmt.Sprintf("%.2f", d.Confidence))
	for _, t := range d.Targets {
		line := t.CapabilityID
		if len(t.Params) > 0 {
			line += fmt.Sprintf(" %v", map[string]any(t.Params))
		}
		if t.DependsOn != "" {
			line += " after " + t.DependsOn
		}
		field(w, "target", line)
	}
	if d.Reasoning != "" {
		field(w, "reasoning", d.Reasoning)
	}
}

// printSynthesis lists what each capability call produced.
func printSynthesis(w io.Writer, s *orchestrator.SynthesisContext) {
	if s == nil {
		return
	}
	for _, r := range s.Tools {
		field(w, "tool", okStyle.Render(r.CapabilityID)+fmt.Sprintf(" (%s)", r.Duration.Round(1e6)))
	}
	for _, r := range s.Search {
		field(w, "search", okStyle.Render(r.CapabilityID)+fmt.Sprintf(" score %.1f (%s)", r.Score, r.Duration.Round(1e6)))
	}
	for _, r := range s.Failures {
		field(w, "failed", errStyle.Render(r.CapabilityID)+": "+r.Error())
	}
	for _, id := range s.Omitted {
		field(w, "omitted", warnStyle.Render(id))
	}
	for _, reason := range s.Reasons {
		field(w, "note", warnStyle.Render(reason))
	}
}
