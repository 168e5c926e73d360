package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskengine/internal/events"
)

const maxLogLines = 500

// EventLogModel is a scrolling log of lifecycle events.
type EventLogModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewEventLogModel creates an empty event log.
func NewEventLogModel() EventLogModel {
	vp := viewport.New(0, 0)
	vp.SetContent("Waiting for events...")
	return EventLogModel{viewport: vp}
}

// Update handles messages for the event log.
func (m EventLogModel) Update(msg tea.Msg) (EventLogModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		line := FormatEvent(msg)
		if line == "" {
			break
		}
		follow := m.viewport.AtBottom()
		m.lines = append(m.lines, line)
		if len(m.lines) > maxLogLines {
			m.lines = m.lines[len(m.lines)-maxLogLines:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		// Keep following new events unless the operator scrolled back
		if follow {
			m.viewport.GotoBottom()
		}
	}

	return m, cmd
}

// Lines returns the logged lines, oldest first.
func (m EventLogModel) Lines() []string {
	return m.lines
}

// View renders the pane.
func (m EventLogModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	content := StyleTitle.Render("Events") + "\n" + m.viewport.View()
	return style.Width(m.width - 2).Height(m.height - 2).Render(content)
}

// SetSize updates the pane dimensions.
func (m *EventLogModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-4)
	m.viewport.Height = max(3, h-3)
}

// SetFocused updates the focus state.
func (m *EventLogModel) SetFocused(focused bool) {
	m.focused = focused
}

// FormatEvent renders one event as a log line. Progress events are not
// logged; they drive the progress pane.
func FormatEvent(ev events.Event) string {
	var ts time.Time
	var icon, text string

	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		ts = e.Timestamp
		icon = StyleStatusPending.Render("+")
		text = fmt.Sprintf("task %d submitted (%s, %s)", e.ID, e.Type, e.Priority)
		if len(e.Dependencies) > 0 {
			text += fmt.Sprintf(" after %v", e.Dependencies)
		}
	case events.TaskStartedEvent:
		ts = e.Timestamp
		icon = StyleStatusRunning.Render("●")
		text = fmt.Sprintf("task %d started on %s", e.ID, e.WorkerID)
		if e.Attempt > 0 {
			text += fmt.Sprintf(" (retry %d)", e.Attempt)
		}
	case events.TaskCompletedEvent:
		ts = e.Timestamp
		icon = StyleStatusComplete.Render("✓")
		text = fmt.Sprintf("task %d completed by %s in %s", e.ID, e.WorkerID, e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		ts = e.Timestamp
		icon = StyleStatusFailed.Render("✗")
		text = fmt.Sprintf("task %d failed: %s", e.ID, e.Reason)
	case events.TaskRetryingEvent:
		ts = e.Timestamp
		icon = StyleStatusRetrying.Render("↻")
		text = fmt.Sprintf("task %d retry %d in %s: %s", e.ID, e.Attempt, e.Delay.Round(time.Millisecond), e.Reason)
	case events.TaskBlockedEvent:
		ts = e.Timestamp
		icon = StyleStatusBlocked.Render("⊘")
		text = fmt.Sprintf("task %d blocked: dependency %d failed", e.ID, e.Dependency)
	case events.WorkerJoinedEvent:
		ts = e.Timestamp
		icon = StyleStatusComplete.Render("→")
		text = fmt.Sprintf("worker %s joined", e.WorkerID)
	case events.WorkerLapsedEvent:
		ts = e.Timestamp
		icon = StyleStatusFailed.Render("←")
		text = fmt.Sprintf("worker %s lapsed", e.WorkerID)
		if e.Task != 0 {
			text += fmt.Sprintf(" holding task %d", e.Task)
		}
	default:
		return ""
	}
	return fmt.Sprintf("%s %s %s", ts.Format("15:04:05"), icon, text)
}
