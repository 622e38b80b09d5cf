package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	api "github.com/haizhouyuan/tmuxagent/internal/http"
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Padding(0, 1)
	tableDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	tableWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Padding(0, 1)
)

// BranchColumns are the columns of RenderBranchTable.
var BranchColumns = []string{"BRANCH", "SESSION", "STATUS", "PHASE", "PENDING", "HELD", "BLOCKERS", "HEARTBEAT", "SUMMARY"}

// BranchRow returns the table cells of b.
func BranchRow(b api.BranchSummary, now time.Time) []string {
	blockers := "-"
	if len(b.Blockers) > 0 {
		blockers = Truncate(strings.Join(b.Blockers, "; "), 32)
	}
	summary := b.Summary
	if b.LastError != "" {
		summary = "error: " + b.LastError
	}
	return []string{
		b.Branch,
		orDash(b.Session),
		orDash(b.Status),
		orDash(b.Phase),
		orDash(Truncate(b.Pending, 24)),
		fmt.Sprintf("%d", b.Held),
		blockers,
		FormatAge(b.Heartbeat, now),
		orDash(Truncate(summary, 48)),
	}
}

// RenderBranchTable renders branches as a bordered table. Rows with held
// commands, blockers or errors are highlighted.
func RenderBranchTable(branches []api.BranchSummary, now time.Time) string {
	rows := make([][]string, 0, len(branches))
	for _, b := range branches {
		rows = append(rows, BranchRow(b, now))
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers(BranchColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if row < 0 || row >= len(branches) {
				return tableCellStyle
			}
			b := branches[row]
			switch {
			case b.Held > 0 || len(b.Blockers) > 0 || b.LastError != "":
				return tableWarnStyle
			case b.Status == "done":
				return tableDimStyle
			}
			return tableCellStyle
		}).
		String()
}
