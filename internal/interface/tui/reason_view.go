package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/neilberkman/ccgate/internal/core/models"
)

func (m Model) updateReason(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "esc":
		m.reason.Blur()
		m.mode = m.prevMode
		m.target = nil
		m.setStatus("Cancelled", false)
		return m, nil

	case "enter":
		if m.target == nil {
			m.mode = m.prevMode
			return m, nil
		}
		approval := *m.target
		reason := strings.TrimSpace(m.reason.Value())
		m.reason.Blur()
		m.mode = m.prevMode
		m.target = nil
		m.setStatus("Sending...", false)
		return m, sendDecision(m.backend, approval, m.decision, reason)
	}

	var cmd tea.Cmd
	m.reason, cmd = m.reason.Update(msg)
	return m, cmd
}

func (m Model) viewReason() string {
	if m.target == nil {
		return ""
	}

	verb := approvedStyle.Render("Approve")
	if m.decision == models.DecisionDeny {
		verb = deniedStyle.Render("Deny")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Decision") + "\n\n")
	b.WriteString(fmt.Sprintf("%s %s (%s)\n", verb, toolStyle.Render(m.target.ToolName), m.target.ID))
	b.WriteString(fmt.Sprintf("Session: %s\n", m.target.SessionID))
	if preview := inputPreview(*m.target); preview != "" {
		b.WriteString(fmt.Sprintf("Input: %s\n", preview))
	}
	b.WriteString("\n" + m.reason.View() + "\n\n")
	b.WriteString(helpStyle.Render("enter: send | esc: cancel"))
	return b.String()
}
