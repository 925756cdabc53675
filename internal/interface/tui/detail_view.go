package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/timeline"
)

func createViewport(detail *Detail, width, height int) viewport.Model {
	vp := viewport.New(width, max(height-4, 1))
	vp.SetContent(renderDetail(detail, width))
	return vp
}

func renderDetail(detail *Detail, width int) string {
	var b strings.Builder
	s := detail.Session

	name := s.DisplayName()
	if name == "" {
		name = s.ID
	}
	b.WriteString(titleStyle.Render("Session: "+oneLine(name, 80)) + "\n")
	b.WriteString(fmt.Sprintf("ID: %s\n", s.ID))
	b.WriteString(fmt.Sprintf("Status: %s (inferred %s)\n", s.Status, detail.Timeline.Status))
	if s.WorkingDir != "" {
		b.WriteString(fmt.Sprintf("Dir: %s\n", s.WorkingDir))
	}
	b.WriteString(fmt.Sprintf("Created: %s\n", humanize.Time(s.CreatedAt)))
	b.WriteString(strings.Repeat("─", max(width, 10)) + "\n\n")

	b.WriteString(titleStyle.Render("Timeline") + "\n")
	for _, e := range detail.Timeline.Entries {
		b.WriteString(renderEntry(e) + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("Anomalies") + "\n")
	if !detail.Timeline.HasAnomalies() {
		b.WriteString(timestampStyle.Render("None detected") + "\n")
	}
	wrap := lipgloss.NewStyle().Width(max(width-4, 40))
	for _, a := range detail.Timeline.Anomalies {
		line := fmt.Sprintf("! %s %s", a.At.Local().Format("15:04:05"), a.Message)
		b.WriteString(anomalyStyle.Render(wrap.Render(line)) + "\n")
	}

	if pending := pendingOf(detail.Approvals); len(pending) > 0 {
		b.WriteString("\n" + titleStyle.Render("Pending") + "\n")
		for _, a := range pending {
			b.WriteString(fmt.Sprintf("%s %s %s\n", pendingStyle.Render(a.ToolName), a.ID, timestampStyle.Render(humanize.Time(a.CreatedAt))))
			if len(a.ToolInput) > 0 {
				b.WriteString(wrap.Render(string(a.ToolInput)) + "\n")
			}
		}
	}
	return b.String()
}

func renderEntry(e timeline.Entry) string {
	var detail string
	switch e.Kind {
	case timeline.KindSessionStarted:
		detail = "session started"
	case timeline.KindStatusChanged:
		detail = fmt.Sprintf("%s → %s", e.From, e.To)
	case timeline.KindApprovalNeeded:
		detail = "approval needed: " + toolStyle.Render(e.Tool)
	case timeline.KindApprovalResolved:
		if e.Decision == models.ApprovalApproved {
			detail = approvedStyle.Render("approved") + " " + e.Tool
		} else {
			detail = deniedStyle.Render(string(e.Decision)) + " " + e.Tool
		}
	case timeline.KindSessionCompleted:
		detail = "session completed"
	}
	if e.Inferred {
		detail += timestampStyle.Render(" (inferred)")
	}
	return fmt.Sprintf("%s %s %s", timestampStyle.Render(e.At.Local().Format("15:04:05")), e.Symbol(), detail)
}

func pendingOf(approvals []models.Approval) []models.Approval {
	var out []models.Approval
	for _, a := range approvals {
		if a.IsPending() {
			out = append(out, a)
		}
	}
	return out
}

// detailTarget is the approval y/n act on from the detail view: the newest
// pending approval of the session shown
func (m Model) detailTarget() (models.Approval, bool) {
	if m.detail == nil {
		return models.Approval{}, false
	}
	pending := pendingOf(m.detail.Approvals)
	if len(pending) == 0 {
		return models.Approval{}, false
	}
	newest := pending[0]
	for _, a := range pending[1:] {
		if a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return newest, true
}

func (m Model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = listView
		return m, nil

	case "y", "n":
		target, ok := m.detailTarget()
		if !ok {
			m.setStatus("Nothing pending in this session", true)
			return m, nil
		}
		decision := models.DecisionApprove
		if msg.String() == "n" {
			decision = models.DecisionDeny
		}
		return m.startDecision(target, decision)

	case "c":
		if m.detail != nil {
			return m, copyToClipboard(m.detail.Session.ID)
		}
		return m, nil

	case "r":
		if m.detail != nil {
			return m, loadDetail(m.backend, m.detail.Session.ID)
		}
		return m, nil

	case "j", "down":
		m.viewport.LineDown(1)
		return m, nil
	case "k", "up":
		m.viewport.LineUp(1)
		return m, nil
	case "d":
		m.viewport.HalfViewDown()
		return m, nil
	case "u":
		m.viewport.HalfViewUp()
		return m, nil
	case "g":
		m.viewport.GotoTop()
		return m, nil
	case "G":
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) viewDetail() string {
	if m.detail == nil {
		return "No session loaded"
	}

	content := m.viewport.View()
	footer := fmt.Sprintf("\n%3.f%%", m.viewport.ScrollPercent()*100)
	if status := m.statusLine(); status != "" {
		footer += "  " + status
	}
	footer += "\n" + helpStyle.Render("y: approve | n: deny | c: copy session id | r: reload | j/k: scroll | esc: back | q: quit")
	return content + footer
}
