package prompt

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/isca/internal/config"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

// model asks for a single key.
type model struct {
	key     config.Key
	input   textinput.Model
	done    bool
	aborted bool
	err     string
}

func newModel(key config.Key) model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 1024
	if key.Secret {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
	}
	ti.Focus()
	return model{key: key, input: ti}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			m.aborted = true
			return m, tea.Quit
		case "enter":
			if m.key.Required && strings.TrimSpace(m.input.Value()) == "" {
				m.err = "a value is required"
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		}
	}

	m.err = ""
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.done || m.aborted {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(m.key.Description), hintStyle.Render("("+m.key.Name+")"))
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.err != "" {
		b.WriteString(errStyle.Render(m.err) + "\n")
	}
	b.WriteString(hintStyle.Render("enter to confirm, ctrl+c to abort") + "\n")
	return b.String()
}

func (m model) value() string {
	return strings.TrimSpace(m.input.Value())
}
