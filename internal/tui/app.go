// Package tui provides the terminal dashboard for an Ananta node.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ananta888/ananta/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// DefaultRefresh is how often the dashboard reloads.
const DefaultRefresh = 2 * time.Second

const panelWidth = 36

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultClientTimeout)
}

// App is the main TUI application model.
type App struct {
	client       *Client
	list         *TaskListModel
	detail       *TaskDetailModel
	cmdbar       *CmdBarModel
	readModel    *models.ReadModel
	refresh      time.Duration
	width        int
	height       int
	mode         string // "list", "detail"
	message      string
	daemonOnline bool
}

// New creates a new TUI application.
func New(client *Client, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &App{
		client:  client,
		list:    NewTaskListModel(client),
		detail:  NewTaskDetailModel(client),
		cmdbar:  NewCmdBarModel(),
		refresh: refresh,
		mode:    "list",
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.list.Refresh(),
		a.fetchReadModel(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			input, cmd := a.cmdbar.Update(msg, a.list.Tasks())
			if input != "" {
				return a, Execute(a.client, input, a.selectedID())
			}
			return a, cmd
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layout()
		return a, nil

	case tasksLoadedMsg:
		return a, a.list.Update(msg)

	case readModelLoadedMsg:
		a.readModel = msg.rm
		a.daemonOnline = true
		return a, nil

	case taskDetailLoadedMsg:
		return a, a.detail.Update(msg)

	case daemonStatusMsg:
		a.daemonOnline = msg.online
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.reload(), a.tickCmd())

	case openTaskMsg:
		return a, a.openTask(msg.id)

	case toggleErrorsMsg:
		if a.mode != "detail" {
			a.message = "Open a task first"
			return a, nil
		}
		return a, a.detail.ToggleErrors()

	case cycleFilterMsg:
		a.list.CycleFilter()
		return a, a.list.Refresh()

	case commandResultMsg:
		a.message = msg.message
		return a, a.reload()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		var apiErr *APIError
		if !errors.As(msg.err, &apiErr) {
			a.daemonOnline = false
		}
		return a, nil
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit

	case ":":
		a.message = ""
		return a.cmdbar.Focus()

	case "esc":
		if a.mode == "detail" {
			a.mode = "list"
			return a.list.Refresh()
		}
		return nil

	case "tab":
		if a.mode == "list" {
			a.list.CycleFilter()
			return a.list.Refresh()
		}
		return nil

	case "enter":
		if a.mode == "list" {
			if task := a.list.SelectedTask(); task != nil {
				return a.openTask(task.ID)
			}
		}
		return nil

	case "r":
		return a.reload()
	}

	if a.mode == "detail" {
		return a.detail.Update(msg)
	}
	return a.list.Update(msg)
}

func (a *App) openTask(id string) tea.Cmd {
	a.mode = "detail"
	a.detail.SetTask(id)
	return a.detail.Refresh()
}

func (a *App) selectedID() string {
	if a.mode == "detail" {
		return a.detail.TaskID()
	}
	if task := a.list.SelectedTask(); task != nil {
		return task.ID
	}
	return ""
}

func (a *App) reload() tea.Cmd {
	cmds := []tea.Cmd{a.fetchReadModel(), a.list.Refresh()}
	if a.mode == "detail" {
		cmds = append(cmds, a.detail.Refresh())
	}
	return tea.Batch(cmds...)
}

func (a *App) layout() {
	contentHeight := max(a.height-6, 5)
	a.list.SetSize(max(a.width-panelWidth-4, 20), contentHeight)
	a.detail.SetSize(contentHeight)
	a.cmdbar.SetWidth(a.width)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● NODE")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ NODE")
	}
	header := titleStyle.Render("ANANTA Control Plane")
	header += "  " + daemonStatus
	if a.readModel != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d active leases]", a.readModel.ActiveLeases))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 0)) + "\n")

	switch a.mode {
	case "detail":
		b.WriteString(a.detail.View())
	default:
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, a.list.View(), "  ", a.renderReadModel()))
	}
	b.WriteString("\n")

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")
	b.WriteString(a.cmdbar.View(a.width))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "detail":
		status = " ↑↓:scroll | e:errors only | r:refresh | Esc:back | ::command"
	default:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:open | Tab:filter | r:refresh | ::command | q:quit", len(a.list.Tasks()))
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 0)).Render(status))

	return b.String()
}

func (a *App) renderReadModel() string {
	if a.readModel == nil {
		return panelStyle.Width(panelWidth).Render("Loading read-model...")
	}
	rm := a.readModel
	var b strings.Builder

	section := lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	muted := lipgloss.NewStyle().Foreground(mutedColor)

	b.WriteString(section.Render("Queue") + "\n")
	for _, st := range []models.TaskStatus{
		models.TaskStatusTodo,
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		count := rm.Queue[st]
		line := fmt.Sprintf("  %-22s %3d", formatStatus(string(st)), count)
		if st == models.TaskStatusFailed && count > 0 {
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + section.Render("By source") + "\n")
	writeCounts(&b, rm.BySource, muted)

	b.WriteString("\n" + section.Render("By agent") + "\n")
	writeCounts(&b, rm.ByAgent, muted)

	b.WriteString("\n" + section.Render("Recent") + "\n")
	for i, t := range rm.RecentTasks {
		if i >= 8 {
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", t.UpdatedAt.Format("15:04"), truncate(t.Title, panelWidth-10)))
	}
	b.WriteString(muted.Render("updated " + rm.GeneratedAt.Format("15:04:05")))

	return panelStyle.Width(panelWidth).Render(b.String())
}

func writeCounts(b *strings.Builder, counts map[string]int, muted lipgloss.Style) {
	if len(counts) == 0 {
		b.WriteString(muted.Render("  none") + "\n")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %-24s %3d\n", truncate(k, 24), counts[k]))
	}
}

func (a *App) fetchReadModel() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		rm, err := a.client.ReadModel(ctx)
		if err != nil {
			return errMsg{err}
		}
		return readModelLoadedMsg{rm}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		ok, _ := a.client.CheckHealth(ctx)
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
