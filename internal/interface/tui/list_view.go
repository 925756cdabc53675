package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
)

type approvalItem struct {
	approval models.Approval
	session  models.Session
}

func (i approvalItem) FilterValue() string {
	return i.approval.ToolName + " " + i.session.DisplayName()
}

func (i approvalItem) Title() string {
	name := i.session.DisplayName()
	if name == "" {
		name = i.session.ID
	}
	return toolStyle.Render(i.approval.ToolName) + "  " + oneLine(name, 60)
}

func (i approvalItem) Description() string {
	desc := fmt.Sprintf("%s | requested %s", i.approval.ID, humanize.Time(i.approval.CreatedAt))
	if input := inputPreview(i.approval); input != "" {
		desc += " | " + input
	}
	return desc
}

type approvalDelegate struct {
	list.DefaultDelegate
}

func (d approvalDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	a, ok := item.(approvalItem)
	if !ok {
		d.DefaultDelegate.Render(w, m, index, item)
		return
	}

	title := a.Title()
	desc := a.Description()
	if index == m.Index() {
		// Selected item
		title = selectedItemStyle.Render(title)
		desc = selectedItemStyle.Faint(true).Render(desc)
	} else {
		title = itemStyle.Render(title)
		desc = itemStyle.Render(desc)
	}

	fmt.Fprintf(w, "%s\n%s", title, desc)
}

// pendingItems pairs every pending approval with its session, newest first
func pendingItems(snap *store.Snapshot) []approvalItem {
	var approvals []models.Approval
	for _, sess := range snap.Sessions {
		for _, a := range snap.ApprovalsFor(sess.ID) {
			if a.IsPending() {
				approvals = append(approvals, a)
			}
		}
	}
	store.SortNewestFirst(approvals)

	items := make([]approvalItem, 0, len(approvals))
	for _, a := range approvals {
		sess, _ := snap.Session(a.SessionID)
		items = append(items, approvalItem{approval: a, session: sess})
	}
	return items
}

func listItems(items []approvalItem) []list.Item {
	out := make([]list.Item, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func listHeight(height int) int {
	// Header line plus help and status lines
	if h := height - 4; h > 0 {
		return h
	}
	return 0
}

func createApprovalList(items []approvalItem, width, height int) list.Model {
	delegate := approvalDelegate{DefaultDelegate: list.NewDefaultDelegate()}

	l := list.New(listItems(items), delegate, width, listHeight(height))
	l.Title = ""                 // No title
	l.SetShowStatusBar(false)    // No status bar
	l.SetShowHelp(false)         // No built-in help
	l.SetShowTitle(false)        // No title rendering
	l.SetFilteringEnabled(false) // Keys are decisions, not filter input

	return l
}

func (m Model) selected() (approvalItem, bool) {
	item, ok := m.list.SelectedItem().(approvalItem)
	return item, ok
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if item, ok := m.selected(); ok {
			return m, loadDetail(m.backend, item.approval.SessionID)
		}
		return m, nil

	case "y":
		if item, ok := m.selected(); ok {
			return m.startDecision(item.approval, models.DecisionApprove)
		}
		return m, nil

	case "n":
		if item, ok := m.selected(); ok {
			return m.startDecision(item.approval, models.DecisionDeny)
		}
		return m, nil

	case "c":
		if item, ok := m.selected(); ok {
			return m, copyToClipboard(item.approval.ID)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) viewList() string {
	var b strings.Builder

	header := "ccgate"
	if m.snapshot != nil {
		header += fmt.Sprintf(" | %d pending | %d sessions | updated %s",
			len(m.pending), len(m.snapshot.Sessions), humanize.Time(m.snapshot.FetchedAt))
	} else {
		header += " | connecting..."
	}
	b.WriteString(titleStyle.Render(header) + "\n")

	helpText := "↑/k up • ↓/j down • enter timeline • y approve • n deny • c copy id • q quit • ? more"

	if len(m.pending) == 0 {
		if m.snapshot != nil {
			b.WriteString("\nNo pending approvals. Waiting for new ones...\n\n")
		}
	} else {
		b.WriteString(m.list.View() + "\n")
	}
	if status := m.statusLine(); status != "" {
		b.WriteString(status + "\n")
	}
	b.WriteString(helpStyle.Render(helpText))
	return b.String()
}

// oneLine collapses whitespace and cuts s to max runes
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func inputPreview(a models.Approval) string {
	if len(a.ToolInput) == 0 || string(a.ToolInput) == "null" {
		return ""
	}
	return oneLine(string(a.ToolInput), 60)
}
