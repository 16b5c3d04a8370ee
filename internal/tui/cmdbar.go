package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input       textinput.Model
	focused     bool
	suggestions *Suggestions
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "add <description> | claim [@id] | followup <description> | open @id"
	ti.CharLimit = 512
	return &CmdBarModel{
		input:       ti,
		suggestions: NewSuggestions(),
	}
}

// Focused reports whether the bar takes key input.
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
	m.suggestions.Update("", nil)
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// SetWidth sets the input width.
func (m *CmdBarModel) SetWidth(w int) {
	m.input.Width = max(w-6, 10)
}

// Update handles key input while focused. submitted is the entered command
// when enter was pressed without an open suggestion.
func (m *CmdBarModel) Update(msg tea.Msg, tasks []TaskItem) (submitted string, cmd tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "esc":
			m.Blur()
			return "", nil
		case "up":
			m.suggestions.Prev()
			return "", nil
		case "down":
			m.suggestions.Next()
			return "", nil
		case "tab":
			m.acceptSuggestion()
			return "", nil
		case "enter":
			if m.suggestions.IsVisible() {
				m.acceptSuggestion()
				return "", nil
			}
			return m.Submit(), nil
		}
	}

	m.input, cmd = m.input.Update(msg)
	m.suggestions.Update(m.input.Value(), tasks)
	return "", cmd
}

func (m *CmdBarModel) acceptSuggestion() {
	m.input.SetValue(m.suggestions.Accept(m.input.Value()))
	m.input.CursorEnd()
}

// View renders the command bar
func (m *CmdBarModel) View(width int) string {
	if !m.focused {
		return cmdBarStyle.Render("Press : to enter a command (add, claim, followup, open, errors)")
	}
	out := cmdBarStyle.Render(promptStyle.Render(": ") + m.input.View())
	if m.suggestions.IsVisible() {
		out += "\n" + m.suggestions.Render(width)
	}
	return out
}

// Execute runs a dashboard command against the API. selected is the id of
// the highlighted task, if any. A word starting with @ names a task id.
func Execute(client *Client, input, selected string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	var args []string
	target := selected
	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "@") && len(p) > 1 {
			target = strings.TrimPrefix(p, "@")
			continue
		}
		args = append(args, p)
	}
	text := strings.Join(args, " ")

	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()

		switch cmd {
		case "add":
			if text == "" {
				return commandResultMsg{"Usage: add <description>"}
			}
			id, err := client.CreateTask(ctx, text)
			if err != nil {
				return commandResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return commandResultMsg{fmt.Sprintf("Created task %s", id)}

		case "claim":
			if target == "" {
				return commandResultMsg{"No task selected"}
			}
			res, err := client.ClaimTask(ctx, target)
			if err != nil {
				return commandResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			if !res.Claimed {
				return commandResultMsg{fmt.Sprintf("Error: claim refused (%s)", res.Reason)}
			}
			return commandResultMsg{fmt.Sprintf("Claimed %s as %s", target, res.Holder)}

		case "followup":
			if target == "" {
				return commandResultMsg{"No task selected"}
			}
			if text == "" {
				return commandResultMsg{"Usage: followup <description>"}
			}
			id, err := client.Followup(ctx, target, text)
			if err != nil {
				return commandResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return commandResultMsg{fmt.Sprintf("Created follow-up %s", id)}

		case "open":
			if target == "" {
				return commandResultMsg{"Usage: open @<task-id>"}
			}
			return openTaskMsg{target}

		case "errors":
			return toggleErrorsMsg{}

		case "filter":
			return cycleFilterMsg{}

		case "refresh":
			return commandResultMsg{"Refreshed"}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return commandResultMsg{fmt.Sprintf("Unknown command: %s", cmd)}
		}
	}
}

type openTaskMsg struct {
	id string
}

type toggleErrorsMsg struct{}

type cycleFilterMsg struct{}
