// Package tui is the terminal operator monitor for taskd.
package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/events"
	"github.com/aristath/taskengine/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneProgress PaneID = iota
	PaneWorkers
	PaneEvents
	paneCount
)

// refreshInterval is how often the workers pane re-reads the registry.
const refreshInterval = time.Second

// WorkerSource provides registry snapshots. *engine.Engine satisfies it.
type WorkerSource interface {
	Workers() []scheduler.Worker
}

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	progressPane ProgressPaneModel
	workersPane  WorkersPaneModel
	eventLog     EventLogModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	workers      WorkerSource
	now          func() time.Time
	width        int
	height       int
	quitting     bool
	showSettings bool
	flash        string
}

// New creates a monitor subscribed to every topic on the bus.
func New(bus *events.EventBus, workers WorkerSource, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		progressPane: NewProgressPaneModel(),
		workersPane:  NewWorkersPaneModel(),
		eventLog:     NewEventLogModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneProgress,
		eventSub:     bus.Subscribe(256),
		workers:      workers,
		now:          time.Now,
	}
	m.updateFocusStates()
	return m
}

// Init starts listening for events and polling the registry.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.refreshWorkers())
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

type refreshMsg struct{}

func (m Model) refreshWorkers() tea.Cmd {
	return func() tea.Msg {
		return workersMsg{workers: m.workers.Workers(), at: m.now()}
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSettings {
			// Modal: every key goes to the form
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
				if path := m.settingsPane.SavedTo(); path != "" {
					m.flash = "Settings saved to " + path + "; restart taskd to apply"
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeySettings:
			m.showSettings = true
			m.flash = ""
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())
		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case KeyPane1:
			m.focusedPane = PaneProgress
			m.updateFocusStates()
		case KeyPane2:
			m.focusedPane = PaneWorkers
			m.updateFocusStates()
		case KeyPane3:
			m.focusedPane = PaneEvents
			m.updateFocusStates()
		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneWorkers:
				m.workersPane, cmd = m.workersPane.Update(msg)
			case PaneEvents:
				m.eventLog, cmd = m.eventLog.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case refreshMsg:
		cmds = append(cmds, m.refreshWorkers())

	case workersMsg:
		m.workersPane, _ = m.workersPane.Update(msg)
		cmds = append(cmds, scheduleRefresh())

	case events.ProgressEvent:
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.Event:
		var cmd tea.Cmd
		m.eventLog, cmd = m.eventLog.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	default:
		if m.showSettings {
			// Form internals (cursor blink, field focus)
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	left := lipgloss.JoinVertical(lipgloss.Left, m.progressPane.View(), m.workersPane.View())
	main := lipgloss.JoinHorizontal(lipgloss.Top, left, m.eventLog.View())

	help := HelpView()
	if m.flash != "" {
		help = StyleStatusComplete.Render(m.flash)
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, help)
}

// computeLayout splits the screen: progress over workers on the left,
// the event log on the right.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	available := m.height - 1 // help bar
	progressHeight := min(13, available/2)

	m.progressPane.SetSize(leftWidth, progressHeight)
	m.workersPane.SetSize(leftWidth, available-progressHeight)
	m.eventLog.SetSize(rightWidth, available)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.workersPane.SetFocused(m.focusedPane == PaneWorkers)
	m.eventLog.SetFocused(m.focusedPane == PaneEvents)
}

// Run shows the monitor until the operator quits or ctx is done.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
