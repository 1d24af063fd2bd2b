package cmd

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/JakeFAU/linksniff/internal/task"
)

const statusColumn = 2

var statusColors = map[string]lipgloss.Color{
	string(task.StatusPending):   lipgloss.Color("#6EC4F4"),
	string(task.StatusActive):    lipgloss.Color("#7D56F4"),
	string(task.StatusCompleted): lipgloss.Color("#6EF4A1"),
	string(task.StatusFailed):    lipgloss.Color("#F45E6E"),
}

// renderTasks lays rows out as a table. Colors are only emitted when out is
// a terminal.
func renderTasks(out io.Writer, rows [][]string) string {
	re := lipgloss.NewRenderer(out)
	cell := re.NewStyle().Padding(0, 1)
	header := cell.Bold(true)

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(re.NewStyle().Faint(true)).
		Headers("ID", "SCRIPT", "STATUS", "ADDED", "STARTED", "ENDED", "URL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == statusColumn && row >= 0 && row < len(rows) {
				if c, ok := statusColors[rows[row][statusColumn]]; ok {
					return cell.Foreground(c)
				}
			}
			return cell
		}).
		Render()
}
