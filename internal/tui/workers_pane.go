package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskengine/internal/scheduler"
)

// workersMsg carries a registry snapshot taken at a point in time.
type workersMsg struct {
	workers []scheduler.Worker
	at      time.Time
}

// WorkersPaneModel lists known workers with their current task and last heartbeat.
type WorkersPaneModel struct {
	workers  []scheduler.Worker
	at       time.Time
	selected int
	width    int
	height   int
	focused  bool
}

// NewWorkersPaneModel creates an empty workers pane.
func NewWorkersPaneModel() WorkersPaneModel {
	return WorkersPaneModel{}
}

// Update handles messages for the workers pane.
func (m WorkersPaneModel) Update(msg tea.Msg) (WorkersPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case workersMsg:
		m.workers = msg.workers
		m.at = msg.at
		if m.selected >= len(m.workers) {
			m.selected = max(0, len(m.workers)-1)
		}

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selected < len(m.workers)-1 {
				m.selected++
			}
		case KeyK, KeyUp:
			if m.selected > 0 {
				m.selected--
			}
		}
	}
	return m, nil
}

// View renders the pane.
func (m WorkersPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Workers")
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)) + "\n\n")

	if len(m.workers) == 0 {
		b.WriteString(StyleStatusPending.Render("No workers yet"))
	}
	for i, w := range m.workers {
		line := m.row(w)
		if i == m.selected && m.focused {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line + "\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func (m WorkersPaneModel) row(w scheduler.Worker) string {
	icon := StyleStatusPending.Render("○")
	doing := "lapsed"
	switch {
	case w.Active && w.TaskID != 0:
		icon = StyleStatusRunning.Render("●")
		doing = fmt.Sprintf("task %d", w.TaskID)
	case w.Active:
		icon = StyleStatusComplete.Render("●")
		doing = "idle"
	}
	seen := humanize.RelTime(w.LastSeen, m.at, "ago", "from now")
	return fmt.Sprintf("%s %-16s %-10s %s", icon, truncate(w.WorkerID, 16), doing, seen)
}

// SetSize updates the pane dimensions.
func (m *WorkersPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WorkersPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
