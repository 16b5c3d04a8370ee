package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/timeline"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)

	errorEventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// TaskDetailModel manages the task detail screen
type TaskDetailModel struct {
	client     *Client
	taskID     string
	task       *models.Task
	events     []timeline.Event
	errorsOnly bool
	height     int
	loading    bool
	scroll     int
}

// NewTaskDetailModel creates a new task detail model
func NewTaskDetailModel(client *Client) *TaskDetailModel {
	return &TaskDetailModel{
		client: client,
	}
}

// SetTask sets the task ID to display
func (m *TaskDetailModel) SetTask(id string) {
	m.taskID = id
	m.task = nil
	m.events = nil
	m.scroll = 0
}

// TaskID returns the displayed task id.
func (m *TaskDetailModel) TaskID() string {
	return m.taskID
}

// SetSize sets the dimensions
func (m *TaskDetailModel) SetSize(h int) {
	m.height = h
}

// ToggleErrors switches the timeline between all events and errors only.
func (m *TaskDetailModel) ToggleErrors() tea.Cmd {
	m.errorsOnly = !m.errorsOnly
	return m.Refresh()
}

// Refresh fetches task details
func (m *TaskDetailModel) Refresh() tea.Cmd {
	m.loading = true
	id, errorsOnly := m.taskID, m.errorsOnly
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		task, err := m.client.GetTask(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		events, err := m.client.Timeline(ctx, id, errorsOnly)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task, events}
	}
}

// Update handles messages
func (m *TaskDetailModel) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case taskDetailLoadedMsg:
		if msg.task == nil || msg.task.ID != m.taskID {
			return nil
		}
		m.loading = false
		m.task = msg.task
		m.events = msg.events

	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			m.scroll++
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "e":
			return m.ToggleErrors()
		}
	}
	return nil
}

// View renders the task detail
func (m *TaskDetailModel) View() string {
	if m.task == nil {
		return "Loading task details..."
	}

	var b strings.Builder
	t := m.task

	b.WriteString(headerStyle.Render(t.Title))
	b.WriteString("\n\n")

	b.WriteString(m.renderField("ID", t.ID))
	b.WriteString(m.renderField("Status", formatStatus(string(t.Status))))
	b.WriteString(m.renderField("Priority", t.Priority))
	b.WriteString(m.renderField("Source", t.Source))
	b.WriteString(m.renderField("Description", t.Description))
	if t.Lease != nil {
		b.WriteString(m.renderField("Lease", fmt.Sprintf("%s until %s", t.Lease.Holder, t.Lease.ExpiresAt.Format("15:04:05"))))
	}
	if t.ParentTaskID != "" {
		b.WriteString(m.renderField("Parent", t.ParentTaskID))
	}
	if len(t.DependsOn) > 0 {
		b.WriteString(m.renderField("Depends on", strings.Join(t.DependsOn, ", ")))
	}
	if t.LastExitCode != nil {
		b.WriteString(m.renderField("Exit code", fmt.Sprintf("%d", *t.LastExitCode)))
	}
	if t.FailCount > 0 {
		b.WriteString(m.renderField("Failures", fmt.Sprintf("%d", t.FailCount)))
	}
	b.WriteString(m.renderField("Created", t.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(m.renderField("Updated", t.UpdatedAt.Format("2006-01-02 15:04:05")))

	if t.LastOutput != "" {
		b.WriteString(sectionStyle.Render("Last Output"))
		b.WriteString("\n")
		b.WriteString("  " + truncate(t.LastOutput, 160) + "\n")
	}

	title := "Timeline"
	if m.errorsOnly {
		title = "Timeline (errors)"
	}
	b.WriteString(sectionStyle.Render(title))
	b.WriteString("\n")
	if len(m.events) == 0 {
		b.WriteString("  no events\n")
	}
	for _, e := range m.events {
		line := fmt.Sprintf("  %s  %-24s %s", e.Timestamp.Format("15:04:05"), e.EventType, e.Actor)
		if timeline.IsError(e) {
			line = errorEventStyle.Render(line)
		}
		b.WriteString(line + "\n")
		if details := formatDetails(e.Details); details != "" {
			b.WriteString("      " + truncate(details, 120) + "\n")
		}
	}

	lines := strings.Split(b.String(), "\n")
	if m.scroll >= len(lines) {
		m.scroll = len(lines) - 1
	}
	if m.scroll < 0 {
		m.scroll = 0
	}
	visible := lines[m.scroll:]
	if m.height > 0 && len(visible) > m.height {
		visible = visible[:m.height]
	}

	return strings.Join(visible, "\n")
}

func (m *TaskDetailModel) renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
