// Package tui is the terminal monitor behind `jobserver watch`. It follows
// the API's event stream and health endpoint.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/jobserver/internal/events"
)

const (
	maxRows      = 200
	maxEventLog  = 50
	healthPeriod = 5 * time.Second
	retryDelay   = 2 * time.Second
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// Row states shown in the request table.
const (
	rowQueued   = "queued"
	rowReceived = "received"
	rowRunning  = "running"
	rowPending  = "pending"
	rowFinished = "finished"
	rowFailed   = "failed"
)

// requestRow is what the monitor knows about one request.
type requestRow struct {
	ID      string
	Type    string
	Handler string
	Source  string
	Status  string
	Error   string
	Started time.Time
	Ended   time.Time
}

// Model is the bubbletea model for the monitor.
type Model struct {
	ctx    context.Context
	apiURL string
	apiKey string

	width  int
	height int

	rows     map[string]*requestRow
	order    []string // newest first
	eventLog []events.Event
	eventCh  chan events.Event
	lastID   int64

	serverState     string
	health          healthMsg
	healthErr       error
	connected       bool
	connectorErrors int

	table table.Model
	now   func() time.Time
}

// NewMonitor returns a monitor for the API at apiURL. ctx bounds its HTTP calls.
func NewMonitor(ctx context.Context, apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Type", Width: 16},
			{Title: "Handler", Width: 14},
			{Title: "ID", Width: 10},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		ctx:     ctx,
		apiURL:  strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		rows:    make(map[string]*requestRow),
		eventCh: make(chan events.Event, 100),
		table:   t,
		now:     time.Now,
	}
}

// Run shows the monitor until the user quits or ctx is done.
func Run(ctx context.Context, apiURL, apiKey string) error {
	_, err := tea.NewProgram(NewMonitor(ctx, apiURL, apiKey), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		receiveNextEvent(m.eventCh),
		m.pollHealth(),
	)
}

func (m Model) subscribe() tea.Cmd {
	return subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastID, m.eventCh)
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg { return fetchHealth(m.ctx, m.apiURL, m.apiKey) }
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
		m.table.SetWidth(max(m.width-6, 10))
		m.table.SetHeight(max(m.height/2, 5))

	case eventMsg:
		m.connected = true
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.eventCh)

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case healthMsg:
		m.health = msg
		m.healthErr = nil
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.ctx, m.apiURL, m.apiKey) })

	case errMsg:
		m.healthErr = msg.err
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.ctx, m.apiURL, m.apiKey) })
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// handleEvent folds one hub event into the request rows.
func (m *Model) handleEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}

	switch e.Type {
	case events.TypeServerState:
		m.serverState = str("to")
		return
	case events.TypeConnectorError:
		m.connectorErrors++
		return
	}

	id := str("request_id")
	if id == "" {
		return
	}
	row := m.row(id)
	if t := str("type"); t != "" {
		row.Type = t
	}

	switch e.Type {
	case events.TypeRequestSubmitted:
		row.Source = str("source")
		if row.Status == "" {
			row.Status = rowQueued
		}
	case events.TypeRequestReceived:
		if row.Status == "" || row.Status == rowQueued {
			row.Status = rowReceived
		}
	case events.TypeRequestDispatched:
		row.Handler = str("handler")
		row.Status = rowRunning
		row.Started = m.now()
	case events.TypeResponse:
		final, _ := data["is_final"].(bool)
		if !final {
			row.Status = rowPending
			return
		}
		row.Ended = m.now()
		if str("state") == rowFailed {
			row.Status = rowFailed
			row.Error = str("error")
		} else {
			row.Status = rowFinished
		}
	}
}

func (m *Model) row(id string) *requestRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &requestRow{ID: id}
	m.rows[id] = r
	m.order = append([]string{id}, m.order...)
	if len(m.order) > maxRows {
		for _, old := range m.order[maxRows:] {
			delete(m.rows, old)
		}
		m.order = m.order[:maxRows]
	}
	return r
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		rows = append(rows, m.tableRow(m.rows[id]))
	}
	m.table.SetRows(rows)
}

func (m *Model) tableRow(r *requestRow) table.Row {
	sym := statusQueued.Render("○")
	switch r.Status {
	case rowReceived, rowRunning:
		sym = statusRunning.Render("◉")
	case rowPending:
		sym = statusRunning.Render("◑")
	case rowFinished:
		sym = statusOK.Render("●")
	case rowFailed:
		sym = statusFailed.Render("∅")
	}

	duration := "-"
	if !r.Started.IsZero() {
		end := r.Ended
		if end.IsZero() {
			end = m.now()
		}
		duration = end.Sub(r.Started).Round(time.Millisecond).String()
	}

	return table.Row{sym, r.Type, r.Handler, shortID(r.ID), duration, r.Error}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	requests := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Requests"),
			m.table.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := dimStyle.Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		requests,
		eventsView,
		help,
	))
}

func (m Model) renderHeader() string {
	state := m.serverState
	if state == "" {
		state = m.health.State
	}
	status := statusOK.Render(strings.ToUpper(state))
	switch {
	case m.healthErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case state == "":
		status = statusQueued.Render("UNKNOWN")
	case m.health.Status != "" && m.health.Status != "ok":
		status = statusFailed.Render(strings.ToUpper(state))
	}

	stream := statusOK.Render("live")
	if !m.connected {
		stream = statusQueued.Render("reconnecting")
	}

	items := []string{
		fmt.Sprintf("Server: %s", status),
		fmt.Sprintf("Uptime: %s", (time.Duration(m.health.UptimeSeconds) * time.Second).String()),
		fmt.Sprintf("Running: %d", m.health.RunningJobs),
		fmt.Sprintf("Handlers: %d", len(m.health.Handlers)),
		fmt.Sprintf("Stream: %s", stream),
	}
	cell := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = cell.Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-19s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return dimStyle.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
