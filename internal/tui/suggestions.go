package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands and task names.
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem is a single autocomplete suggestion.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "task"
}

var commandSuggestions = []SuggestionItem{
	{Text: "trigger", Description: "Queue a task's action now", Type: "command"},
	{Text: "snap", Description: "Capture a snapshot at a location", Type: "command"},
	{Text: "refresh", Description: "Poll the control plane now", Type: "command"},
}

// NewSuggestions creates a suggestions handler.
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update recomputes suggestions for the current input.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	switch {
	case strings.HasPrefix(input, "/") && !strings.Contains(input, " "):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	case strings.HasPrefix(input, "@"):
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// SetTasks replaces the task name suggestions.
func (s *Suggestions) SetTasks(names []string) {
	if s.prefix != "@" {
		return
	}
	s.items = make([]SuggestionItem, len(names))
	for i, name := range names {
		s.items[i] = SuggestionItem{Text: name, Description: "trigger this task", Type: "task"}
	}
	s.filter(strings.ToLower(strings.TrimPrefix(s.currentInput, "@")))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion.
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion.
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the highlighted suggestion, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// Completion is the input text that accepting the selection produces.
func (s *Suggestions) Completion() string {
	sel := s.Selected()
	if sel == nil {
		return s.currentInput
	}
	if sel.Type == "task" {
		return "trigger " + sel.Text
	}
	return sel.Text + " "
}

// IsVisible reports whether there is anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render draws the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}
	var b strings.Builder
	header := "Commands"
	if s.prefix == "@" {
		header = "Tasks"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		if i == s.selectedIdx {
			b.WriteString(selectedStyle.Render("▶ " + item.Text + " " + item.Description))
		} else {
			b.WriteString("  " + item.Text + " " + helpStyle.Render(item.Description))
		}
		b.WriteString("\n")
	}
	return panelStyle.BorderForeground(secondaryColor).Width(max(width-4, 20)).Render(b.String())
}
