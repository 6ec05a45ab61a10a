// Package tui provides the terminal dashboard for a running rover.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/rover/internal/controlplane"
	"github.com/fentz26/rover/internal/models"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(10)
)

const decisionLimit = 50

// App is the dashboard model.
type App struct {
	client      *Client
	interval    time.Duration
	input       textinput.Model
	decisions   list.Model
	suggestions *Suggestions
	width       int
	height      int

	online   bool
	robot    bool
	status   *controlplane.StatusReport
	manual   map[string][]string
	tasks    *controlplane.TasksReport
	message  string
	lastPoll time.Time
}

// New creates a dashboard polling apiAddr every interval.
func New(apiAddr string, interval time.Duration) *App {
	ti := textinput.New()
	ti.Placeholder = "trigger <task> | snap [location] | refresh   (/ commands, @ tasks)"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		interval:    interval,
		input:       ti,
		decisions:   newDecisionList(80, 12),
		suggestions: NewSuggestions(),
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.poll())
}

// poll fetches everything the dashboard shows.
func (a *App) poll() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		var msg snapshotMsg
		health, err := client.Health()
		if err != nil {
			msg.err = err
			return msg
		}
		msg.online = health.OK
		msg.robot = health.Robot
		if msg.status, err = client.Status(); err != nil {
			msg.err = err
			return msg
		}
		if msg.manual, err = client.ManualTasks(); err != nil {
			msg.err = err
			return msg
		}
		if msg.tasks, err = client.Tasks(); err != nil {
			msg.err = err
			return msg
		}
		msg.decisions, msg.err = client.Decisions(decisionLimit)
		return msg
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			a.input.SetValue("")
			a.message = ""
			a.suggestions.Update("")
			return a, nil

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else {
				a.decisions.CursorUp()
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else {
				a.decisions.CursorDown()
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Completion())
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
			}
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Completion())
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			a.input.SetValue("")
			if line == "" {
				return a, nil
			}
			a.message = "…"
			return a, a.executeCommand(line)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.decisions.SetSize(msg.Width, max(msg.Height-20, 5))

	case snapshotMsg:
		a.lastPoll = time.Now()
		if msg.err != nil {
			a.online = false
			a.message = "Error: " + msg.err.Error()
		} else {
			a.online = msg.online
			a.robot = msg.robot
			a.status = msg.status
			a.manual = msg.manual
			a.tasks = msg.tasks
			cmds = append(cmds, a.decisions.SetItems(decisionItems(msg.decisions)))
		}
		cmds = append(cmds, a.tickCmd())

	case tickMsg:
		return a, a.poll()

	case commandResultMsg:
		a.message = msg.message
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetTasks(a.taskNames())
	}
	return a, tea.Batch(cmds...)
}

// taskNames lists the active and manually triggerable tasks.
func (a *App) taskNames() []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	if a.status != nil && a.status.Summary != nil {
		for _, n := range a.status.Summary.ActiveTasks {
			add(n)
		}
	}
	for _, ns := range a.manual {
		for _, n := range ns {
			add(n)
		}
	}
	sort.Strings(names)
	return names
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	robotState := onlineStyle.Render("● ROBOT")
	if !a.robot {
		robotState = offlineStyle.Render("○ ROBOT")
	}
	b.WriteString(titleStyle.Render("ROVER") + "  " + daemon + "  " + robotState)
	if !a.lastPoll.IsZero() {
		b.WriteString("  " + helpStyle.Render("updated "+a.lastPoll.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, a.renderStatus(), " ", a.renderTasks()))
	b.WriteString("\n")
	b.WriteString(a.decisions.View())
	b.WriteString("\n")

	if s := a.suggestions.Render(a.width); s != "" {
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	bar := "↑/↓ scroll • tab complete • esc clear • ctrl+c quit"
	if a.message != "" {
		bar = a.message
	}
	b.WriteString(statusBarStyle.Render(bar))
	return b.String()
}

func (a *App) renderStatus() string {
	if a.status == nil {
		return panelStyle.Render(helpStyle.Render("waiting for the control plane…"))
	}
	row := func(label, value string) string {
		return labelStyle.Render(label) + value + "\n"
	}
	var b strings.Builder
	b.WriteString(row("status", lipgloss.NewStyle().Foreground(cyanColor).Render(a.status.Status)))
	if a.status.UpdatedAt != "" {
		b.WriteString(row("since", a.status.UpdatedAt))
	}
	if sum := a.status.Summary; sum != nil {
		b.WriteString(row("location", orDash(sum.Location)))
		b.WriteString(row("battery", renderBattery(sum)))
		privacy := "off"
		if sum.Privacy {
			privacy = lipgloss.NewStyle().Foreground(warningColor).Render("on")
		}
		b.WriteString(row("privacy", privacy))
		b.WriteString(row("pending", fmt.Sprintf("%d", sum.Pending)))
		b.WriteString(row("plan", renderPlan(sum.Plan, sum.Cursor)))
	}
	if a.tasks != nil && a.tasks.ConfigError != "" {
		b.WriteString(row("config", lipgloss.NewStyle().Foreground(errorColor).Render(a.tasks.ConfigError)))
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (a *App) renderTasks() string {
	var b strings.Builder
	b.WriteString(listTitleStyle.Render("Active tasks") + "\n")
	if a.status == nil || a.status.Summary == nil || len(a.status.Summary.ActiveTasks) == 0 {
		b.WriteString(helpStyle.Render("none") + "\n")
	} else {
		for _, n := range a.status.Summary.ActiveTasks {
			b.WriteString("  " + n + a.taskProgress(n) + "\n")
		}
	}
	if a.tasks != nil && len(a.tasks.PendingActions) > 0 {
		b.WriteString(listTitleStyle.Render("Queued") + "\n")
		b.WriteString("  " + strings.Join(a.tasks.PendingActions, ", ") + "\n")
	}
	b.WriteString(listTitleStyle.Render("Manual") + "\n")
	if len(a.manual) == 0 {
		b.WriteString(helpStyle.Render("none"))
	} else {
		members := make([]string, 0, len(a.manual))
		for m := range a.manual {
			members = append(members, m)
		}
		sort.Strings(members)
		for _, m := range members {
			b.WriteString(fmt.Sprintf("  %s: %s\n", m, strings.Join(a.manual[m], ", ")))
		}
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// taskProgress renders a task's trigger count against its daily cap.
func (a *App) taskProgress(name string) string {
	if a.tasks == nil {
		return ""
	}
	for _, t := range a.tasks.Tasks {
		if t.Name != name {
			continue
		}
		if t.MaxTriggerCount == models.Unbounded {
			return helpStyle.Render(fmt.Sprintf(" %d", t.TriggerCount))
		}
		return helpStyle.Render(fmt.Sprintf(" %d/%d", t.TriggerCount, t.MaxTriggerCount))
	}
	return ""
}

func renderBattery(sum *models.Summary) string {
	style := lipgloss.NewStyle().Foreground(successColor)
	switch {
	case sum.Battery <= 10:
		style = lipgloss.NewStyle().Foreground(errorColor)
	case sum.Battery <= 20:
		style = lipgloss.NewStyle().Foreground(warningColor)
	}
	out := style.Render(fmt.Sprintf("%d%%", sum.Battery))
	if sum.Charging {
		out += " ⚡"
	}
	return out
}

// renderPlan marks visited locations and highlights the next one.
func renderPlan(plan []string, cursor int) string {
	if len(plan) == 0 {
		return "-"
	}
	parts := make([]string, len(plan))
	for i, loc := range plan {
		switch {
		case i < cursor:
			parts[i] = helpStyle.Render(loc)
		case i == cursor:
			parts[i] = selectedStyle.Render(loc)
		default:
			parts[i] = loc
		}
	}
	return strings.Join(parts, " → ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
