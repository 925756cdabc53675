package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/neilberkman/ccgate/internal/core/dispatch"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/timeline"
	"github.com/neilberkman/ccgate/internal/core/watch"
)

type viewMode int

const (
	listView viewMode = iota
	detailView
	reasonView
	helpView
)

// Backend performs the daemon calls the inbox needs beyond the watcher
type Backend interface {
	Detail(ctx context.Context, sessionID string) (*Detail, error)
	Decide(ctx context.Context, approval models.Approval, decision models.Decision, reason string) (*dispatch.Result, error)
}

// Detail is a session with its reconciled timeline
type Detail struct {
	Session   models.Session
	Approvals []models.Approval
	Timeline  timeline.Result
}

type Model struct {
	backend Backend
	updates <-chan watch.Update

	mode     viewMode
	prevMode viewMode
	list     list.Model
	viewport viewport.Model
	reason   textinput.Model
	width    int
	height   int

	snapshot *store.Snapshot
	pending  []approvalItem
	detail   *Detail

	// decision being composed in reasonView
	target   *models.Approval
	decision models.Decision

	status      string
	statusIsErr bool
	offline     bool
}

func New(backend Backend, updates <-chan watch.Update) Model {
	ti := textinput.New()
	ti.Placeholder = "reason (enter for default)"
	ti.CharLimit = 500

	return Model{
		backend: backend,
		updates: updates,
		mode:    listView,
		list:    createApprovalList(nil, 0, 0),
		reason:  ti,
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, listHeight(msg.Height))
		if m.detail != nil {
			m.viewport = createViewport(m.detail, m.width, m.height)
		}
		return m, nil

	case tea.KeyMsg:
		// The reason prompt gets every key, including q and ?
		if m.mode == reasonView {
			return m.updateReason(msg)
		}

		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.mode == listView {
				return m, tea.Quit
			}
			// In other views, go back to list
			m.mode = listView
			return m, nil
		case "?":
			if m.mode != helpView {
				m.prevMode = m.mode
				m.mode = helpView
				return m, nil
			}
		}

		switch m.mode {
		case listView:
			return m.updateList(msg)
		case detailView:
			return m.updateDetail(msg)
		case helpView:
			return m.updateHelp(msg)
		}

	case updateMsg:
		m = m.applyUpdate(msg.update)
		return m, waitForUpdate(m.updates)

	case updatesClosedMsg:
		return m, nil

	case detailLoadedMsg:
		m.detail = msg.detail
		m.viewport = createViewport(msg.detail, m.width, m.height)
		m.mode = detailView
		return m, nil

	case decisionMsg:
		m = m.applyDecision(msg)
		if m.mode == detailView && m.detail != nil {
			return m, loadDetail(m.backend, m.detail.Session.ID)
		}
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.setStatus("Clipboard unavailable: "+msg.text, true)
		} else {
			m.setStatus("Copied "+msg.text, false)
		}
		return m, nil

	case errMsg:
		m.setStatus(msg.err.Error(), true)
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	switch m.mode {
	case listView:
		return m.viewList()
	case detailView:
		return m.viewDetail()
	case reasonView:
		return m.viewReason()
	case helpView:
		return m.viewHelp()
	}

	return ""
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusIsErr = isErr
}

func (m Model) statusLine() string {
	if m.status == "" {
		return ""
	}
	if m.statusIsErr {
		return statusErrStyle.Render(m.status)
	}
	return statusOKStyle.Render(m.status)
}

// applyUpdate folds one watcher observation into the model
func (m Model) applyUpdate(u watch.Update) Model {
	switch {
	case u.Err != nil:
		if !m.offline {
			m.setStatus("Daemon unreachable: "+u.Err.Error(), true)
		}
		m.offline = true
	case u.Snapshot != nil:
		if m.offline {
			m.setStatus("Daemon reachable again", false)
			m.offline = false
		}
		m.snapshot = u.Snapshot
		m.pending = pendingItems(u.Snapshot)
		m.list.SetItems(listItems(m.pending))
		if len(u.NewPending) > 0 {
			m.setStatus(fmt.Sprintf("%d new approval(s) waiting", len(u.NewPending)), false)
		}
	case u.StatusChange != nil:
		if m.detail != nil && m.detail.Session.ID == u.StatusChange.SessionID {
			m.detail.Session.Status = u.StatusChange.To
		}
	}
	return m
}

// startDecision opens the reason prompt for approval
func (m Model) startDecision(approval models.Approval, decision models.Decision) (Model, tea.Cmd) {
	m.prevMode = m.mode
	m.mode = reasonView
	m.target = &approval
	m.decision = decision
	m.reason.Reset()
	return m, m.reason.Focus()
}

func (m Model) applyDecision(msg decisionMsg) Model {
	var resolved *dispatch.AlreadyResolvedError
	switch {
	case msg.err == nil:
		verb := "Approved"
		if msg.decision == models.DecisionDeny {
			verb = "Denied"
		}
		m.setStatus(fmt.Sprintf("%s %s (%s)", verb, msg.approval.ToolName, msg.approval.ID), false)
		m.dropPending(msg.approval.ID)
	case errors.As(msg.err, &resolved):
		m.setStatus(msg.err.Error(), true)
		m.dropPending(msg.approval.ID)
	default:
		m.setStatus("Decision failed: "+msg.err.Error(), true)
	}
	return m
}

// dropPending removes an approval locally until the next refresh confirms it
func (m *Model) dropPending(id string) {
	kept := m.pending[:0:0]
	for _, item := range m.pending {
		if item.approval.ID != id {
			kept = append(kept, item)
		}
	}
	m.pending = kept
	m.list.SetItems(listItems(kept))
}
