package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/taskstore"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	blueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
)

// projectDir resolves --project-dir, defaulting to the working directory.
func projectDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("project-dir"); strings.TrimSpace(dir) != "" {
		return dir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return dir, nil
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s\n", titleStyle.Render(title))
	fmt.Println(dimStyle.Render(strings.Repeat("-", len(title)+2)))
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s %s\n", boldStyle.Render(fmt.Sprintf("%-16s", label+":")), value)
}

// statusBadge returns a colored task status badge.
func statusBadge(status taskstore.Status) string {
	label := "[" + string(status) + "]"
	switch status {
	case taskstore.StatusDone, taskstore.StatusVerification:
		return greenStyle.Render(label)
	case taskstore.StatusInProgress, taskstore.StatusInReview:
		return yellowStyle.Render(label)
	case taskstore.StatusBlocked:
		return redStyle.Render(label)
	case taskstore.StatusBacklog:
		return blueStyle.Render(label)
	}
	return label
}

// printTable prints a simple table with headers and rows.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], ansi.StringWidth(cell))
			}
		}
	}

	var header, sep strings.Builder
	header.WriteString("  ")
	sep.WriteString("  ")
	for i, h := range headers {
		header.WriteString(boldStyle.Render(fmt.Sprintf("%-*s", widths[i]+2, h)))
		sep.WriteString(dimStyle.Render(strings.Repeat("-", widths[i]+2)))
	}
	fmt.Println(header.String())
	fmt.Println(sep.String())

	for _, row := range rows {
		var line strings.Builder
		line.WriteString("  ")
		for i, cell := range row {
			if i < len(widths) {
				line.WriteString(cell)
				line.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		fmt.Println(line.String())
	}
}

// truncate truncates a string to a given max length, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
