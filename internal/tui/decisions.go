package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/models"
)

var (
	actionFired   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	actionCapped  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	actionFind    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	actionRecover = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// DecisionItem implements list.Item for an audit record.
type DecisionItem struct {
	models.Decision
}

func (i DecisionItem) FilterValue() string { return i.Task + " " + i.Action }

func formatAction(action string) string {
	switch action {
	case audit.ActionTriggerFired, audit.ActionTaskEnqueued:
		return actionFired.Render(action)
	case audit.ActionTaskCapped:
		return actionCapped.Render(action)
	case audit.ActionSecondaryCreated:
		return actionFind.Render(action)
	case audit.ActionCameraReset, audit.ActionStatusReset:
		return actionRecover.Render(action)
	default:
		return action
	}
}

// decisionDelegate renders one record per line.
type decisionDelegate struct{}

func (decisionDelegate) Height() int                         { return 1 }
func (decisionDelegate) Spacing() int                        { return 0 }
func (decisionDelegate) Update(tea.Msg, *list.Model) tea.Cmd { return nil }

func (decisionDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	d, ok := item.(DecisionItem)
	if !ok {
		return
	}
	cursor := "  "
	if index == m.Index() {
		cursor = "▶ "
	}
	line := fmt.Sprintf("%s%s  %-18s %-20s %s",
		cursor, d.Timestamp.Local().Format("15:04:05"), formatAction(d.Action), d.Task, d.Outcome)
	if d.Details != "" {
		line += helpStyle.Render("  " + truncate(d.Details, 60))
	}
	fmt.Fprint(w, line)
}

func newDecisionList(width, height int) list.Model {
	l := list.New(nil, decisionDelegate{}, width, height)
	l.Title = "Recent decisions"
	l.Styles.Title = listTitleStyle
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	return l
}

func decisionItems(decisions []models.Decision) []list.Item {
	items := make([]list.Item, len(decisions))
	for i, d := range decisions {
		items[i] = DecisionItem{d}
	}
	return items
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
