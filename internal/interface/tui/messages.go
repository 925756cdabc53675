package tui

import (
	"context"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/neilberkman/ccgate/internal/core/dispatch"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/watch"
)

type errMsg struct {
	err error
}

type updateMsg struct {
	update watch.Update
}

type updatesClosedMsg struct{}

type detailLoadedMsg struct {
	detail *Detail
}

type decisionMsg struct {
	approval models.Approval
	decision models.Decision
	result   *dispatch.Result
	err      error
}

type copiedMsg struct {
	text string
	err  error
}

// waitForUpdate blocks on the watcher and hands the next update to Update
func waitForUpdate(updates <-chan watch.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg{update: u}
	}
}

func loadDetail(backend Backend, sessionID string) tea.Cmd {
	return func() tea.Msg {
		detail, err := backend.Detail(context.Background(), sessionID)
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg{detail: detail}
	}
}

func sendDecision(backend Backend, approval models.Approval, decision models.Decision, reason string) tea.Cmd {
	return func() tea.Msg {
		result, err := backend.Decide(context.Background(), approval, decision, reason)
		return decisionMsg{approval: approval, decision: decision, result: result, err: err}
	}
}

// copyToClipboard uses the cross-platform clipboard library
func copyToClipboard(text string) tea.Cmd {
	return func() tea.Msg {
		return copiedMsg{text: text, err: clipboard.WriteAll(text)}
	}
}
