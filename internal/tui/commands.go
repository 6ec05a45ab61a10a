package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// executeCommand runs one line typed into the command box.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]
	client := a.client

	switch cmd {
	case "refresh":
		return a.poll()
	case "trigger":
		if len(args) != 1 {
			return result("Usage: trigger <task>")
		}
		name := args[0]
		return func() tea.Msg {
			if err := client.Trigger(name); err != nil {
				return commandResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return commandResultMsg{fmt.Sprintf("✓ queued %s", name)}
		}
	case "snap":
		location := strings.Join(args, " ")
		return func() tea.Msg {
			snap, err := client.Snapshot(location)
			if err != nil {
				return commandResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return commandResultMsg{fmt.Sprintf("✓ snapshot saved to %s", snap.Path)}
		}
	default:
		return result(fmt.Sprintf("Unknown command: %s", cmd))
	}
}

func result(message string) tea.Cmd {
	return func() tea.Msg { return commandResultMsg{message} }
}
