package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/woxQAQ/wasm-loader/pkg/protocol"
)

// styles renders for one writer, so colors appear only on a terminal.
type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	name    lipgloss.Style
	kind    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1),
		label:   r.NewStyle().Bold(true),
		name:    r.NewStyle().Foreground(lipgloss.Color("#98FB98")),
		kind:    r.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		success: r.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		failure: r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

// renderReport prints what a compile found.
func renderReport(w io.Writer, report *protocol.CompileReport) {
	s := newStyles(w)

	fmt.Fprintf(w, "%s %s (%d bytes)\n\n", s.title.Render("Module"), report.Name, report.SizeBytes)

	if report.Error != "" {
		fmt.Fprintln(w, s.failure.Render("Compile failed: "+report.Error))
		return
	}

	fmt.Fprintln(w, s.label.Render("Exports:"))
	if len(report.Exports) == 0 {
		fmt.Fprintln(w, s.muted.Render("  (none)"))
	}
	for _, e := range report.Exports {
		marker := "  "
		if e.Kind == protocol.ExportKindFunction && e.Name == report.SelectedExport {
			marker = "> "
		}
		fmt.Fprintf(w, "%s%s %s\n", marker, s.name.Render(e.Name), s.kind.Render(e.Kind.String()))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.label.Render("Imports:"))
	if len(report.Imports) == 0 {
		fmt.Fprintln(w, s.muted.Render("  (none)"))
	}
	for _, i := range report.Imports {
		fmt.Fprintf(w, "  %s.%s %s\n", i.Module, s.name.Render(i.Name), s.kind.Render(i.Kind.String()))
	}

	fmt.Fprintln(w)
	mode := protocol.RunModeDirectCall
	if report.SystemInterface {
		mode = protocol.RunModeSystemInterface
	}
	fmt.Fprintf(w, "%s %s\n", s.label.Render("Mode:"), mode)

	if report.Runnable {
		fmt.Fprintln(w, s.success.Render(report.Status))
	} else {
		fmt.Fprintln(w, s.failure.Render(report.Status))
	}
}

// renderResult prints a run's captured output and its status line.
// Direct-call output was already shown live, so only system-interface
// stdout is printed here.
func renderResult(w io.Writer, result *protocol.ExecutionResult) {
	s := newStyles(w)

	if result.Mode == protocol.RunModeSystemInterface && result.Stdout != "" {
		fmt.Fprint(w, result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			fmt.Fprintln(w)
		}
	}
	if result.Stderr != "" {
		fmt.Fprint(w, s.muted.Render(result.Stderr))
		fmt.Fprintln(w)
	}

	if result.Error != "" {
		fmt.Fprintln(w, s.failure.Render("Program failed: "+result.Error))
	}

	if line := statusLine(result); line != "" {
		if result.Code() == 0 {
			fmt.Fprintln(w, s.success.Render(line))
		} else {
			fmt.Fprintln(w, s.failure.Render(line))
		}
	} else {
		fmt.Fprintln(w, s.muted.Render("exit code unknown"))
	}
}

// statusLine reports an exit code: 0 is success, other known codes are
// failures, and the unknown code yields no line.
func statusLine(result *protocol.ExecutionResult) string {
	if !result.ExitCodeKnown() {
		return ""
	}
	code := result.Code()
	if code == 0 {
		return fmt.Sprintf("exit code: %d, Success", code)
	}
	return fmt.Sprintf("exit code: %d, Failure", code)
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
