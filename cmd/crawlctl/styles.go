package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fenwick-labs/taskcrawl/engine"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func renderThreads(threads []engine.ThreadState) string {
	if len(threads) == 0 {
		return ""
	}
	rows := make([][]string, 0, len(threads))
	for _, th := range threads {
		rows = append(rows, []string{
			fmt.Sprintf("%d", th.Id),
			string(th.Status),
			th.CurrentURL,
			fmt.Sprintf("%d", th.Completed),
			fmt.Sprintf("%d", th.Failed),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Worker", "Status", "URL", "Done", "Failed").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle()
		}).
		Rows(rows...)
	return t.Render()
}

func renderSummary(snap engine.Snapshot) string {
	var b strings.Builder
	style := successStyle
	if snap.Status == "failed" {
		style = errorStyle
	}
	b.WriteString(style.Render(fmt.Sprintf("Task %d finished: %s", snap.TaskId, snap.Status)))
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf(
		"%d/%d urls, %d completed, %d failed, success rate %.1f%%",
		snap.Processed, snap.TotalUrls, snap.CompletedUrls, snap.FailedUrls, snap.SuccessRate*100)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf(
		"duplicate=%d cross_domain=%d depth=%d robots=%d bytes=%d avg_response=%.2fs",
		snap.Duplicate, snap.CrossDomainBlocked, snap.DepthBlocked, snap.RobotsBlocked,
		snap.TotalBytes, snap.AvgResponseTime)))
	b.WriteString("\n")
	return b.String()
}
