// Package output provides styled terminal output helpers (success,
// error, warning, operation formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/henrik/opsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.Status]lipgloss.Style{
		models.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusInFlight:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusRetrying:   lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.StatusAbandoned:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusConflicted: lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatStatus formats an operation status with color
func FormatStatus(s models.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StatusBadge returns a status indicator with symbol
// e.g., "○ pending", "▶ in_flight", "↻ retrying", "✗ abandoned", "◎ conflicted"
func StatusBadge(status models.Status) string {
	symbols := map[models.Status]string{
		models.StatusPending:    "○",
		models.StatusInFlight:   "▶",
		models.StatusRetrying:   "↻",
		models.StatusAbandoned:  "✗",
		models.StatusConflicted: "◎",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	style, hasStyle := statusStyles[status]
	if hasStyle {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// ShortID shortens an operation id to 8 characters for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatOperation formats an operation in short single-line format.
// e.g., "3f2a91bc  update orders:o1  [retrying]  2/5  in 4s"
func FormatOperation(op *models.Operation, now time.Time) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(op.ID)))
	parts = append(parts, fmt.Sprintf("%s %s", op.Kind, op.TargetKey()))
	parts = append(parts, FormatStatus(op.Status))

	if op.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d attempts", op.Attempts)))
	}
	if op.Status == models.StatusRetrying && op.NextAttemptAt.After(now) {
		parts = append(parts, subtleStyle.Render("next in "+op.NextAttemptAt.Sub(now).Round(time.Second).String()))
	}
	if op.LastError != "" && op.Status.Terminal() {
		parts = append(parts, errorStyle.Render(op.LastError))
	}

	return strings.Join(parts, "  ")
}

// FormatConflict formats a conflicted operation with its field diff.
func FormatConflict(op *models.Operation) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s %s", ShortID(op.ID), op.Kind, op.TargetKey())))
	sb.WriteString("\n")

	var diff models.ConflictDiff
	if len(op.ConflictDiff) > 0 {
		if err := json.Unmarshal(op.ConflictDiff, &diff); err != nil {
			sb.WriteString(subtleStyle.Render("  (diff unavailable)"))
			sb.WriteString("\n")
			return sb.String()
		}
	}

	if diff.RemoteDeleted {
		sb.WriteString(errorStyle.Render("  record was deleted remotely"))
		sb.WriteString("\n")
	} else {
		sb.WriteString(fmt.Sprintf("  remote version: %d\n", diff.RemoteVersion))
	}

	for _, f := range diff.Fields {
		sb.WriteString(fmt.Sprintf("  %s:\n", titleStyle.Render(f.Field)))
		sb.WriteString(fmt.Sprintf("    base:   %s\n", string(f.Base)))
		sb.WriteString(fmt.Sprintf("    local:  %s\n", string(f.Local)))
		sb.WriteString(fmt.Sprintf("    remote: %s\n", string(f.Remote)))
	}

	sb.WriteString(subtleStyle.Render("  resolve with: opsync resolve " + ShortID(op.ID) + " --accept-local|--accept-remote|--cancel"))
	sb.WriteString("\n")
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
