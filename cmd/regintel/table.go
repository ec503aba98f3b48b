package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			WidthMax:    60,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

var colorize = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	boldStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1f5fa8"))
)

func styled(s lipgloss.Style, str string) string {
	if !colorize {
		return str
	}
	return s.Render(str)
}

func heading(title string) string { return styled(headingStyle, title) }

// statusText colors a pending, download or run status.
func statusText(status string) string {
	switch status {
	case "downloaded", "approved", "sent", "succeeded", "already_downloaded":
		return styled(okStyle, status)
	case "pending", "manual_needed", "downloading", "running", "composed", "in_progress":
		return styled(warnStyle, status)
	case "failed", "rejected", "unresolvable":
		return styled(errorStyle, status)
	default:
		return status
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
