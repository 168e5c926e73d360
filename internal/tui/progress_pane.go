package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/scheduler"
)

// ProgressPaneModel shows task counts by status and a completion bar.
type ProgressPaneModel struct {
	counts  events.ProgressEvent
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if ev, ok := msg.(events.ProgressEvent); ok {
		m.counts = ev
	}
	return m, nil
}

// View renders the pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	c := m.counts

	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)) + "\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	for _, row := range []struct {
		label  string
		status scheduler.TaskStatus
		n      int
	}{
		{"Pending:  ", scheduler.TaskPending, c.Pending},
		{"Running:  ", scheduler.TaskRunning, c.Running},
		{"Completed:", scheduler.TaskCompleted, c.Completed},
		{"Failed:   ", scheduler.TaskFailed, c.Failed},
	} {
		fmt.Fprintf(&b, "%s %s\n", row.label, StatusStyle(row.status).Render(fmt.Sprint(row.n)))
	}
	fmt.Fprintf(&b, "Workers:   %d active\n\n", c.ActiveWorkers)

	if c.Total > 0 {
		b.WriteString(m.bar(min(m.width-14, 40)))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

// bar draws finished work first: completed, failed, running, then pending.
func (m ProgressPaneModel) bar(width int) string {
	c := m.counts
	if width < 4 {
		width = 4
	}
	done := c.Completed * width / c.Total
	failed := c.Failed * width / c.Total
	running := c.Running * width / c.Total
	rest := max(0, width-done-failed-running)

	bar := StyleStatusComplete.Render(strings.Repeat("=", done)) +
		StyleStatusFailed.Render(strings.Repeat("!", failed)) +
		StyleStatusRunning.Render(strings.Repeat("-", running)) +
		StyleStatusPending.Render(strings.Repeat(".", rest))
	return fmt.Sprintf("[%s] %d/%d\n", bar, c.Completed+c.Failed, c.Total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
