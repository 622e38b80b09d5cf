package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	api "github.com/haizhouyuan/tmuxagent/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model represents the BubbleTea dashboard model
type Model struct {
	client     *Client
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	doneProgress progress.Model
}

// Snapshot holds the latest orchestrator view and short history series.
type Snapshot struct {
	Health   api.HealthResponse
	Status   api.StatusResponse
	Branches []api.BranchSummary

	PendingHistory []float64
	HeldHistory    []float64
	BlockedHistory []float64
	QueuedHistory  []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the API at baseURL.
func NewModel(baseURL string, interval time.Duration) Model {
	return Model{
		client:   NewClient(baseURL),
		interval: interval,
		now:      time.Now,
		doneProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		snapshot: Snapshot{
			PendingHistory: make([]float64, 0, historySize),
			HeldHistory:    make([]float64, 0, historySize),
			BlockedHistory: make([]float64, 0, historySize),
			QueuedHistory:  make([]float64, 0, historySize),
		},
	}
}

// getStatusBadge returns the overall badge for the health status.
func getStatusBadge(health string) string {
	switch health {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "starting":
		return warningStyle.Render("⚠ STARTING")
	}
	return errorStyle.Render("✗ STALE")
}

// getCountBadge flags a non-zero count that needs an operator.
func getCountBadge(n int) string {
	if n == 0 {
		return healthyStyle.Render("[✓]")
	}
	return warningStyle.Render("[⚠]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot reads health, status and branches from the API.
func fetchSnapshot(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		branches, err := client.Branches(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(Snapshot{Health: health, Status: status, Branches: branches})
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client),
		)

	case snapshotMsg:
		next := Snapshot(msg)
		queued := 0
		for _, b := range next.Branches {
			queued += b.Queued
		}
		c := next.Status.Counts
		next.PendingHistory = appendToHistory(m.snapshot.PendingHistory, float64(c.Pending))
		next.HeldHistory = appendToHistory(m.snapshot.HeldHistory, float64(c.Held))
		next.BlockedHistory = appendToHistory(m.snapshot.BlockedHistory, float64(c.Blocked))
		next.QueuedHistory = appendToHistory(m.snapshot.QueuedHistory, float64(queued))

		m.snapshot = next
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" tmuxagent Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the orchestrator API") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.client.BaseURL()) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start it with `tmuxagent run` and server.enabled: true") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string
	s := m.snapshot
	now := m.now()

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	mode := "live"
	switch {
	case s.Status.DryRun:
		mode = "dry-run"
	case s.Status.Delegate:
		mode = "delegate"
	}

	header := headerStyle.Render(" tmuxagent Monitor ")
	headerLine := fmt.Sprintf("%s   %s %s   %s %s   %s %s   %s",
		getStatusBadge(s.Health.Status),
		dimStyle.Render("Cycle:"), valueStyle.Render(fmt.Sprintf("%d", s.Status.Cycle)),
		dimStyle.Render("State:"), valueStyle.Render(orDash(s.Status.State)),
		dimStyle.Render("Mode:"), valueStyle.Render(mode),
		dimStyle.Render(lastUpdateStr))
	content += header + "\n"
	content += headerLine + "\n"
	if !s.Health.LastCycle.IsZero() {
		content += labelStyle.Render("  Last cycle: ") + valueStyle.Render(FormatAge(s.Health.LastCycle, now)+" ago") + "\n"
	}

	c := s.Status.Counts
	content += "\n" + sectionStyle.Render("┃ Branches") + "\n"
	done := 0.0
	if c.Total > 0 {
		done = float64(c.Done) / float64(c.Total)
	}
	content += labelStyle.Render("  Tracked: ") + valueStyle.Render(fmt.Sprintf("%d", max(c.Total, 0))) +
		dimStyle.Render(fmt.Sprintf("  active %d  missing %d  done %d", c.Active, c.Missing, c.Done)) + "\n"
	content += labelStyle.Render("  Done: ") + m.doneProgress.ViewAs(done) +
		" " + dimStyle.Render(FormatPercentage(done)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Commands") + "\n"
	content += labelStyle.Render("  In flight: ") + valueStyle.Render(fmt.Sprintf("%-4d", c.Pending)) +
		"   " + createSparkline(s.PendingHistory) + "\n"
	content += labelStyle.Render("  Awaiting approval: ") + valueStyle.Render(fmt.Sprintf("%-4d", c.Held)) +
		" " + getCountBadge(c.Held) + "   " + createSparkline(s.HeldHistory) + "\n"
	content += labelStyle.Render("  Blocked: ") + valueStyle.Render(fmt.Sprintf("%-4d", c.Blocked)) +
		" " + getCountBadge(c.Blocked) + "   " + createSparkline(s.BlockedHistory) + "\n"
	content += labelStyle.Render("  Queued: ") + valueStyle.Render(fmt.Sprintf("%-4d", sumLast(s.QueuedHistory))) +
		"   " + createSparkline(s.QueuedHistory) + "\n"

	if len(s.Status.Sessions) > 0 {
		content += "\n" + sectionStyle.Render("┃ Sessions") + "\n"
		for _, v := range s.Status.Sessions {
			badge := healthyStyle.Render("ready")
			switch {
			case v.Sending:
				badge = warningStyle.Render("sending")
			case !v.Ready:
				badge = warningStyle.Render("cooling")
			}
			content += labelStyle.Render("  "+v.Session+": ") + badge +
				dimStyle.Render(fmt.Sprintf("  queue %d", len(v.Queue))) + "\n"
		}
	}

	if len(s.Branches) > 0 {
		content += "\n" + RenderBranchTable(s.Branches, now) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}

func sumLast(history []float64) int {
	if len(history) == 0 {
		return 0
	}
	return int(history[len(history)-1])
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
