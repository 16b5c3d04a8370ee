package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ananta888/ananta/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusTodo       = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

// TaskItem implements list.Item for the task list
type TaskItem struct {
	ID        string
	TaskTitle string
	Status    string
	Source    string
	Holder    string
}

func itemFromTask(t models.Task) TaskItem {
	item := TaskItem{
		ID:        t.ID,
		TaskTitle: t.Title,
		Status:    string(t.Status),
		Source:    t.Source,
	}
	if t.Lease != nil {
		item.Holder = t.Lease.Holder
	}
	return item
}

func (i TaskItem) FilterValue() string { return i.TaskTitle }
func (i TaskItem) Title() string       { return i.TaskTitle }
func (i TaskItem) Description() string {
	desc := fmt.Sprintf("%s • %s", formatStatus(i.Status), i.ID)
	if i.Holder != "" {
		desc += " • " + i.Holder
	}
	return desc
}

func formatStatus(status string) string {
	switch models.TaskStatus(status) {
	case models.TaskStatusTodo:
		return statusTodo.Render("○ todo")
	case models.TaskStatusInProgress:
		return statusInProgress.Render("◑ in progress")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● completed")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed")
	default:
		return status
	}
}

var filters = []string{"", "todo", "in_progress", "completed", "failed"}
var filterLabels = []string{"all", "todo", "in progress", "completed", "failed"}

// TaskListModel manages the task list pane
type TaskListModel struct {
	client      *Client
	list        list.Model
	tasks       []TaskItem
	filter      string
	filterIndex int
	loading     bool
}

// NewTaskListModel creates a new task list model
func NewTaskListModel(client *Client) *TaskListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Tasks [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.Styles.Title = listTitleStyle

	return &TaskListModel{
		client: client,
		list:   l,
	}
}

// SetSize sets the list dimensions
func (m *TaskListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SelectedTask returns the currently selected task
func (m *TaskListModel) SelectedTask() *TaskItem {
	if item, ok := m.list.SelectedItem().(TaskItem); ok {
		return &item
	}
	return nil
}

// Tasks returns the loaded tasks.
func (m *TaskListModel) Tasks() []TaskItem {
	return m.tasks
}

// CycleFilter cycles through status filters
func (m *TaskListModel) CycleFilter() {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.filter = filters[m.filterIndex]
	m.list.Title = fmt.Sprintf("Tasks [%s]", filterLabels[m.filterIndex])
}

// Refresh fetches tasks from the API
func (m *TaskListModel) Refresh() tea.Cmd {
	m.loading = true
	filter := m.filter
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		tasks, err := m.client.ListTasks(ctx, filter)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

// Update handles messages
func (m *TaskListModel) Update(msg tea.Msg) tea.Cmd {
	if msg, ok := msg.(tasksLoadedMsg); ok {
		m.loading = false
		m.tasks = msg.tasks
		items := make([]list.Item, len(m.tasks))
		for i, t := range m.tasks {
			items[i] = t
		}
		return m.list.SetItems(items)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return cmd
}

// View renders the task list
func (m *TaskListModel) View() string {
	if m.loading && len(m.tasks) == 0 {
		return "Loading tasks..."
	}
	return m.list.View()
}
