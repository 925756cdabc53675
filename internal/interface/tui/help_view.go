package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

func (m Model) updateHelp(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q", "?":
		m.mode = m.prevMode
		if m.mode == helpView {
			m.mode = listView
		}
		return m, nil
	}

	return m, nil
}

func (m Model) viewHelp() string {
	help := `
ccgate - Help
═════════════

PENDING APPROVALS
─────────────────
  ↑/↓, j/k     Navigate approvals
  Enter        Show the session timeline
  y            Approve (asks for an optional reason)
  n            Deny (asks for an optional reason)
  c            Copy approval id to clipboard
  ?            Show this help
  q            Quit

SESSION TIMELINE
────────────────
  y / n        Decide the session's newest pending approval
  c            Copy session id to clipboard
  r            Reload the timeline
  j/k          Scroll line by line
  d/u          Scroll half page
  g/G          Jump to top/bottom
  esc          Back to approvals

REASON PROMPT
─────────────
  Enter        Send (empty uses the configured default)
  esc          Cancel

The list refreshes on its own. A decision another client made first is
reported, never retried.

Press ? or esc to go back
`

	return helpStyle.Render(help)
}
