package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var errPickCancelled = errors.New("export selection cancelled")

var (
	pickerTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4")).
				Padding(0, 1)

	pickerSelectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4"))

	pickerHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// pickerModel lets the user choose one of the module's function exports,
// narrowing the list by typing.
type pickerModel struct {
	module   string
	funcs    []string
	filter   textinput.Model
	visible  []string
	selected int

	choice    string
	cancelled bool
}

func newPickerModel(module string, funcs []string, current string) *pickerModel {
	ti := textinput.New()
	ti.Placeholder = "filter"
	ti.Prompt = "/ "
	ti.Width = 30
	ti.Focus()

	m := &pickerModel{
		module: module,
		funcs:  funcs,
		filter: ti,
	}
	m.applyFilter()
	for i, name := range m.visible {
		if name == current {
			m.selected = i
		}
	}
	return m
}

func (m *pickerModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit

		case "up":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil

		case "down":
			if m.selected < len(m.visible)-1 {
				m.selected++
			}
			return m, nil

		case "enter":
			if len(m.visible) == 0 {
				return m, nil
			}
			m.choice = m.visible[m.selected]
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *pickerModel) applyFilter() {
	query := strings.ToLower(m.filter.Value())
	m.visible = m.visible[:0]
	for _, name := range m.funcs {
		if strings.Contains(strings.ToLower(name), query) {
			m.visible = append(m.visible, name)
		}
	}
	if m.selected >= len(m.visible) {
		m.selected = max(0, len(m.visible)-1)
	}
}

func (m *pickerModel) View() string {
	var b strings.Builder

	b.WriteString(pickerTitleStyle.Render("Select export"))
	b.WriteString(" ")
	b.WriteString(m.module)
	b.WriteString("\n\n")
	b.WriteString(m.filter.View())
	b.WriteString("\n\n")

	if len(m.visible) == 0 {
		b.WriteString(pickerHelpStyle.Render("  no matching function"))
		b.WriteString("\n")
	}
	for i, name := range m.visible {
		if i == m.selected {
			b.WriteString(pickerSelectedStyle.Render("> " + name))
		} else {
			b.WriteString("  " + name)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(pickerHelpStyle.Render("type to filter • ↑/↓ select • enter run • esc cancel"))
	return b.String()
}

// pickExport runs the picker on in/out and returns the chosen export.
func pickExport(in io.Reader, out io.Writer, module string, funcs []string, current string) (string, error) {
	m := newPickerModel(module, funcs, current)

	final, err := tea.NewProgram(m, tea.WithInput(in), tea.WithOutput(out)).Run()
	if err != nil {
		return "", fmt.Errorf("export picker failed: %w", err)
	}

	pm := final.(*pickerModel)
	if pm.cancelled || pm.choice == "" {
		return "", errPickCancelled
	}
	return pm.choice, nil
}
