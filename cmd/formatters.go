package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"chainwatch/core"
	"chainwatch/ingest"
	"chainwatch/kyt"

	"github.com/fatih/color"
)

// renderRulesTable displays rules in a formatted table
func renderRulesTable(w io.Writer, list []core.RuleMetadata) {
	if len(list) == 0 {
		warningColor.Fprintln(w, "No rules loaded")
		return
	}

	headerColor.Fprintln(w, "RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-28s %-30s %-10s %-10s %-8s %-12s %s\n",
		"ID", "Name", "Severity", "Source", "Enabled", "Variant", "Type")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range list {
		variant := r.Variant
		if variant == "" {
			variant = "-"
		}
		fmt.Fprintf(w, "%-28s %-30s %-10s %-10s %-8s %-12s %s\n",
			truncate(r.ID, 27), truncate(r.Name, 29), r.Severity, r.Source, yesNo(r.Enabled), variant, r.Type)
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
	infoColor.Fprintf(w, "%d rule(s)\n", len(list))
}

// renderValidationReport displays the result of 'rules validate'
func renderValidationReport(w io.Writer, report validationReport) {
	printSection(w, "Validation: "+report.Dir)
	printField(w, "Files", fmt.Sprintf("%d", report.Files))
	printField(w, "Valid Rules", fmt.Sprintf("%d", len(report.Rules)))
	fmt.Fprintln(w)

	if len(report.Problems) == 0 {
		successColor.Fprintln(w, "✓ All rules are valid")
		return
	}
	errorColor.Fprintf(w, "✗ %d problem(s):\n", len(report.Problems))
	for _, p := range report.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}

// renderAssessment displays a KYT assessment
func renderAssessment(w io.Writer, a kyt.Assessment) {
	printSection(w, "Transaction Risk")
	if a.TxHash != "" {
		printField(w, "Transaction", a.TxHash)
	}
	printField(w, "Address", a.Address)
	printField(w, "Risk Score", fmt.Sprintf("%.2f", a.RiskScore))
	printField(w, "Risk Level", formatLevel(a.Level))
	if len(a.TriggeredRules) > 0 {
		printField(w, "Triggered Rules", strings.Join(a.TriggeredRules, ", "))
		printField(w, "Severity", formatSeverity(a.Severity))
	} else {
		printField(w, "Triggered Rules", "none")
	}
	printField(w, "Analyzed At", formatTime(a.AnalyzedAt))
}

// renderDeadLetterTable displays archived dead letters
func renderDeadLetterTable(w io.Writer, records []*ingest.ArchivedMessage, total int) {
	if len(records) == 0 {
		warningColor.Fprintln(w, "No dead letters archived")
		return
	}

	headerColor.Fprintln(w, "DEAD LETTERS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-8s %-36s %-24s %-10s %-9s %s\n",
		"ID", "Reason", "Source", "Status", "Attempts", "Failed")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range records {
		source := fmt.Sprintf("%s/%d@%d", r.Envelope.OriginalTopic, r.Envelope.OriginalPartition, r.Envelope.OriginalOffset)
		fmt.Fprintf(w, "%-8d %-36s %-24s %-10s %-9d %s\n",
			r.ID, truncate(r.Envelope.Reason, 35), truncate(source, 23), r.Status, r.Envelope.Attempts,
			formatTimeSince(r.Envelope.FailedAt))
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
	infoColor.Fprintf(w, "Showing %d of %d\n", len(records), total)
}

// renderDeadLetterDetails displays one archived dead letter
func renderDeadLetterDetails(w io.Writer, r *ingest.ArchivedMessage) {
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	headerColor.Fprintf(w, "  Dead Letter %d\n", r.ID)
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	fmt.Fprintln(w)

	printSection(w, "Failure")
	printField(w, "Reason", r.Envelope.Reason)
	printField(w, "Error", r.Envelope.Error)
	printField(w, "Attempts", fmt.Sprintf("%d", r.Envelope.Attempts))
	printField(w, "Status", formatArchiveStatus(r.Status))
	printField(w, "Failed At", formatTime(r.Envelope.FailedAt))
	printField(w, "Archived At", formatTime(r.CreatedAt))
	fmt.Fprintln(w)

	printSection(w, "Origin")
	printField(w, "Topic", r.Envelope.OriginalTopic)
	printField(w, "Partition", fmt.Sprintf("%d", r.Envelope.OriginalPartition))
	printField(w, "Offset", fmt.Sprintf("%d", r.Envelope.OriginalOffset))
	printField(w, "Key", string(r.Envelope.Key))
	fmt.Fprintln(w)

	printSection(w, "Payload")
	fmt.Fprintf(w, "  %s\n", string(r.Envelope.Value))
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

func formatSeverity(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(string(s))
	case core.SeverityHigh:
		return color.New(color.FgRed).Sprint(string(s))
	case core.SeverityMedium:
		return color.New(color.FgYellow).Sprint(string(s))
	case core.SeverityLow:
		return color.New(color.FgCyan).Sprint(string(s))
	default:
		return string(s)
	}
}

func formatLevel(l kyt.RiskLevel) string {
	switch l {
	case kyt.RiskCritical:
		return color.New(color.FgRed, color.Bold).Sprint(string(l))
	case kyt.RiskHigh:
		return color.New(color.FgRed).Sprint(string(l))
	case kyt.RiskMedium:
		return color.New(color.FgYellow).Sprint(string(l))
	case kyt.RiskLow:
		return color.New(color.FgCyan).Sprint(string(l))
	default:
		return color.New(color.FgGreen).Sprint(string(l))
	}
}

func formatArchiveStatus(status string) string {
	switch status {
	case ingest.StatusPending:
		return color.New(color.FgYellow).Sprint(status)
	case ingest.StatusReplayed:
		return color.New(color.FgGreen).Sprint(status)
	case ingest.StatusDiscarded:
		return color.New(color.FgWhite).Sprint(status)
	default:
		return status
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
