package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskengine/internal/config"
)

// SettingsPaneModel is an overlay form for the engine and worker settings.
// Saved values take effect the next time taskd starts.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	savedTo     string
	err         error

	// Form field bindings (strings for huh)
	saveTarget        string
	heartbeatTimeout  string
	taskTimeout       string
	defaultMaxRetries string
	retryInitial      string
	retryMax          string
	localWorkers      string
	simulationScale   string
}

// NewSettingsPaneModel creates a settings pane over cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the current config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	c := m.config
	m.saveTarget = "project"
	m.heartbeatTimeout = c.Engine.HeartbeatTimeout.D().String()
	m.taskTimeout = c.Engine.TaskTimeout.D().String()
	m.defaultMaxRetries = strconv.Itoa(c.Engine.DefaultMaxRetries)
	m.retryInitial = c.Retry.InitialInterval.D().String()
	m.retryMax = c.Retry.MaxInterval.D().String()
	m.localWorkers = strconv.Itoa(c.Workers.Local)
	m.simulationScale = strconv.FormatFloat(c.Workers.SimulationScale, 'g', -1, 64)
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("heartbeatTimeout").
				Title("Heartbeat Timeout").
				Value(&m.heartbeatTimeout).
				Validate(validDuration),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout (0s disables)").
				Value(&m.taskTimeout).
				Validate(validDuration),

			huh.NewInput().
				Key("defaultMaxRetries").
				Title("Default Max Retries").
				Value(&m.defaultMaxRetries).
				Validate(validCount),
		).Title("Engine"),

		huh.NewGroup(
			huh.NewInput().
				Key("retryInitial").
				Title("Initial Retry Delay").
				Value(&m.retryInitial).
				Validate(validDuration),

			huh.NewInput().
				Key("retryMax").
				Title("Max Retry Delay").
				Value(&m.retryMax).
				Validate(validDuration),
		).Title("Retry Backoff"),

		huh.NewGroup(
			huh.NewInput().
				Key("localWorkers").
				Title("Local Workers").
				Value(&m.localWorkers).
				Validate(validCount),

			huh.NewInput().
				Key("simulationScale").
				Title("Simulation Scale").
				Value(&m.simulationScale).
				Validate(func(s string) error {
					f, err := strconv.ParseFloat(s, 64)
					if err != nil || f < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),
		).Title("Workers"),
	)
}

func validDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("must be a duration like 10s")
	}
	return nil
}

func validCount(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}
	return nil
}

// Init initializes the form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.save()
		if m.saved {
			m.visible = false
		} else {
			cmd = tea.Batch(cmd, m.form.Init())
		}
	}
	return m, cmd
}

// save validates the edited config and writes it to the chosen file.
func (m *SettingsPaneModel) save() {
	next, err := m.applyFields()
	if err == nil {
		err = next.Validate()
	}

	path := m.projectPath
	if m.saveTarget == "global" {
		path = m.globalPath
	}
	if err == nil {
		err = config.Save(next, path)
	}
	if err != nil {
		m.err = err
		m.saved = false
		// Let the operator correct the values
		m.buildForm()
		return
	}

	*m.config = *next
	m.saved = true
	m.savedTo = path
	m.err = nil
}

// applyFields returns a copy of the config with the form values applied.
func (m *SettingsPaneModel) applyFields() (*config.Config, error) {
	next := *m.config

	durations := []struct {
		field string
		dst   *config.Duration
	}{
		{m.heartbeatTimeout, &next.Engine.HeartbeatTimeout},
		{m.taskTimeout, &next.Engine.TaskTimeout},
		{m.retryInitial, &next.Retry.InitialInterval},
		{m.retryMax, &next.Retry.MaxInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.field)
		if err != nil {
			return nil, err
		}
		*d.dst = config.Duration(parsed)
	}

	var err error
	if next.Engine.DefaultMaxRetries, err = strconv.Atoi(m.defaultMaxRetries); err != nil {
		return nil, err
	}
	if next.Workers.Local, err = strconv.Atoi(m.localWorkers); err != nil {
		return nil, err
	}
	if next.Workers.SimulationScale, err = strconv.ParseFloat(m.simulationScale, 64); err != nil {
		return nil, err
	}
	return &next, nil
}

// View renders the overlay.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Not saved: %v", m.err)) + "\n\n" + m.form.View()
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied on restart)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the overlay.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the overlay. Showing it reloads the form from
// the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the overlay is showing.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// SavedTo returns the file the last successful save wrote, if any.
func (m SettingsPaneModel) SavedTo() string {
	if !m.saved {
		return ""
	}
	return m.savedTo
}
