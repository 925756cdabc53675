package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/neilberkman/ccgate/internal/core/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("cyan"))
	quoteStyle  = lipgloss.NewStyle().Italic(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("green"))
)

func sessionStatusStyle(s models.SessionStatus) lipgloss.Style {
	switch s {
	case models.SessionRunning:
		return okStyle
	case models.SessionWaitingInput:
		return noticeStyle
	case models.SessionCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("blue"))
	case models.SessionFailed:
		return errorStyle
	default:
		return dimStyle
	}
}

func approvalStatusStyle(s models.ApprovalStatus) lipgloss.Style {
	switch s {
	case models.ApprovalPending:
		return noticeStyle
	case models.ApprovalApproved:
		return okStyle
	default:
		return errorStyle
	}
}

// formatTimestamp renders t relative to now, with the absolute time for older entries
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	if time.Since(t) < 7*24*time.Hour {
		return humanize.Time(t)
	}
	return t.Local().Format("Jan 2, 2006 15:04")
}

// truncate collapses whitespace and cuts s to maxLen runes
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// parseSince accepts natural language ("2 hours ago", "yesterday") or a date
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	if result, err := w.Parse(s, now); err == nil && result != nil {
		return result.Time, nil
	}
	return time.Time{}, fmt.Errorf("cannot understand --since %q", s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
