package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command bar
type Suggestions struct {
	items       []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	kind        string // "command" or "task"
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "task"
}

var commandSuggestions = []SuggestionItem{
	{Text: "add", Description: "Ingest a new task", Type: "command"},
	{Text: "claim", Description: "Claim the selected task", Type: "command"},
	{Text: "followup", Description: "Create a follow-up of the selected task", Type: "command"},
	{Text: "open", Description: "Show a task by id", Type: "command"},
	{Text: "errors", Description: "Toggle error-only timeline", Type: "command"},
	{Text: "filter", Description: "Cycle the status filter", Type: "command"},
	{Text: "refresh", Description: "Reload tasks and read-model", Type: "command"},
	{Text: "quit", Description: "Leave the dashboard", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// Update recomputes suggestions for input. The first word completes
// commands; a word starting with @ completes task ids from tasks.
func (s *Suggestions) Update(input string, tasks []TaskItem) {
	s.visible = false
	s.filtered = nil
	if input == "" || strings.HasSuffix(input, " ") {
		return
	}

	words := strings.Fields(input)
	last := words[len(words)-1]
	switch {
	case strings.HasPrefix(last, "@"):
		s.kind = "task"
		s.items = make([]SuggestionItem, len(tasks))
		for i, t := range tasks {
			s.items[i] = SuggestionItem{Text: t.ID, Description: t.TaskTitle, Type: "task"}
		}
		s.filter(strings.TrimPrefix(last, "@"))
	case len(words) == 1:
		s.kind = "command"
		s.items = commandSuggestions
		s.filter(last)
	default:
		return
	}
	s.visible = true
}

func (s *Suggestions) filter(query string) {
	query = strings.ToLower(query)
	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if query == "" || strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// Accept replaces the last word of input with the selected suggestion.
func (s *Suggestions) Accept(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	text := sel.Text
	if sel.Type == "task" {
		text = "@" + text
	}
	i := strings.LastIndex(input, " ")
	s.visible = false
	return input[:i+1] + text + " "
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	suggestionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#6366F1")).
		Padding(0, 1).
		Width(max(width-4, 20))

	selectedStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("#7C3AED")).
		Foreground(lipgloss.Color("#F9FAFB")).
		Bold(true)

	itemStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F9FAFB"))

	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6B7280")).
		Italic(true)

	header := "Commands"
	if s.kind == "task" {
		header = "Tasks"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Render(header))
	b.WriteString("\n")

	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			more := len(s.filtered) - maxVisible
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", more)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selectedStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return suggestionStyle.Render(b.String())
}
