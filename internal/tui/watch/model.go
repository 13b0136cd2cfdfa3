package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mtaverner/toolgate/internal/events"
)

// HealthState mirrors the /healthz response plus connection status.
type HealthState struct {
	Status           string
	UptimeSeconds    int64
	ActiveExecutions int
	ToolsLoaded      int
	Connected        bool
	LastCheck        time.Time
}

// ExecutionRow is the TUI's view of one execution, built from lifecycle
// events.
type ExecutionRow struct {
	ID         string
	Tool       string
	Category   string
	Status     string
	Error      string
	OutputPath string
	UpdatedAt  time.Time
}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health     HealthState
	executions map[string]*ExecutionRow
	eventLog   []events.Event

	pulse   Pulse
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event

	// lastEventID is replayed on reconnect so no events are lost.
	lastEventID int64
	lastError   string
}

// New creates a watch TUI model pointed at a gateway API.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		executions: make(map[string]*ExecutionRow),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		pulse:      NewPulse(),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:      NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.pulse.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		// Event log, newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.pulse.OnEvent()
		m.applyEvent(e)

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ActiveExecutions = msg.ActiveExecutions
		m.health.ToolsLoaded = msg.ToolsLoaded
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

// applyEvent folds one lifecycle event into the execution table.
func (m *Model) applyEvent(e events.Event) {
	var payload struct {
		ExecutionID string `json:"execution_id"`
		Tool        string `json:"tool"`
		Category    string `json:"category"`
		Error       string `json:"error"`
		OutputPath  string `json:"output_path"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil || payload.ExecutionID == "" {
		return
	}

	row, ok := m.executions[payload.ExecutionID]
	if !ok {
		row = &ExecutionRow{ID: payload.ExecutionID}
		m.executions[payload.ExecutionID] = row
	}
	if payload.Tool != "" {
		row.Tool = payload.Tool
	}
	if payload.Category != "" {
		row.Category = payload.Category
	}
	row.UpdatedAt = e.At

	switch e.Type {
	case events.TypeExecutionCreated:
		row.Status = "pending"
	case events.TypeExecutionDispatched:
		row.Status = "processing"
	case events.TypeExecutionCompleted:
		row.Status = "completed"
		row.OutputPath = payload.OutputPath
	case events.TypeExecutionFailed:
		row.Status = "failed"
		row.Error = payload.Error
	case events.TypeExecutionCancelled:
		row.Status = "cancelled"
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to gateway..."
	}

	header := m.renderHeader()
	table := m.renderExecutions()
	stream := m.renderEventStream()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit")

	parts := []string{header, table, stream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	conn := m.theme.StatusFailed.Render("offline")
	if m.health.Connected {
		conn = m.theme.StatusCompleted.Render("online")
	}
	line := fmt.Sprintf(" %s toolgate %s  up %s  active %d  tools %d  %s",
		m.spinner.View(),
		conn,
		(time.Duration(m.health.UptimeSeconds) * time.Second).String(),
		m.health.ActiveExecutions,
		m.health.ToolsLoaded,
		m.pulse.Render(m.theme),
	)
	return m.theme.Border.Width(m.width - 4).Render(m.theme.Title.Render(line))
}

func (m Model) renderExecutions() string {
	rows := make([]*ExecutionRow, 0, len(m.executions))
	for _, r := range m.executions {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	if len(rows) > 15 {
		rows = rows[:15]
	}

	lines := []string{m.theme.Header.Render(fmt.Sprintf(" %-36s %-16s %-10s %-11s %s",
		"EXECUTION", "TOOL", "CATEGORY", "STATUS", "DETAIL"))}
	for _, r := range rows {
		detail := r.OutputPath
		if r.Status == "failed" {
			detail = r.Error
		}
		lines = append(lines, fmt.Sprintf(" %-36s %-16s %-10s %s %s",
			r.ID, r.Tool, r.Category,
			m.theme.styleForStatus(r.Status).Render(fmt.Sprintf("%-11s", r.Status)),
			m.theme.Dim.Render(detail)))
	}
	if len(rows) == 0 {
		lines = append(lines, m.theme.Dim.Render(" no executions yet"))
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderEventStream() string {
	lines := []string{m.theme.Header.Render(" EVENTS")}
	max := 8
	for i, e := range m.eventLog {
		if i >= max {
			break
		}
		lines = append(lines, fmt.Sprintf(" %s %s %s",
			m.theme.Dim.Render(e.At.Format("15:04:05")),
			m.theme.Highlight.Render(e.Type),
			m.theme.Dim.Render(string(e.Data))))
	}
	if len(m.eventLog) == 0 {
		lines = append(lines, m.theme.Dim.Render(" waiting for events"))
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
