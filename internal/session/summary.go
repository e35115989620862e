package session

import "strings"

// summaryMaxLen bounds the rolling summary. The builder is deterministic:
// identical input always yields identical output, so tests assert exact
// strings.
const summaryMaxLen = 4000

// SummaryInput is everything the compactor folds into the next summary.
type SummaryInput struct {
	PreviousSummary string
	UserText        string
	AssistantText   string
	CommandNotes    []string
	ErrorText       string
}

// BuildSummary produces the next rolling summary from the prior one plus
// the turn's request, response, command notes and error, under the bounded
// length rule.
func BuildSummary(in SummaryInput) string {
	goals := pickLine(in.UserText, "- Process the current user request")
	decisions := pickLine(in.AssistantText, "- Assistant response generated")
	constraints := "- Keep Telegram to CLI bridge context stable"

	openIssues := "- none"
	if in.ErrorText != "" {
		openIssues = "- " + in.ErrorText
	}

	artifacts := "- no command execution notes"
	if len(in.CommandNotes) > 0 {
		notes := in.CommandNotes
		if len(notes) > 10 {
			notes = notes[:10]
		}
		lines := make([]string, 0, len(notes))
		for _, note := range notes {
			lines = append(lines, "- "+note)
		}
		artifacts = strings.Join(lines, "\n")
	}

	var b strings.Builder
	if previous := strings.TrimSpace(in.PreviousSummary); previous != "" {
		b.WriteString("## Previous Summary\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("## Goal\n")
	b.WriteString(goals)
	b.WriteString("\n\n## Decisions\n")
	b.WriteString(decisions)
	b.WriteString("\n\n## Constraints\n")
	b.WriteString(constraints)
	b.WriteString("\n\n## Open Issues\n")
	b.WriteString(openIssues)
	b.WriteString("\n\n## Key Artifacts\n")
	b.WriteString(artifacts)
	b.WriteString("\n")

	return trimSummary(b.String())
}

// BuildRecoveryPreamble wraps a rolling summary for injection ahead of the
// first prompt after a reset or agent switch. Empty when there is nothing
// to carry over.
func BuildRecoveryPreamble(summaryMD string) string {
	if strings.TrimSpace(summaryMD) == "" {
		return ""
	}
	return "[Session Memory Summary]\n" +
		"Continue work while preserving prior context using this summary.\n\n" +
		trimSummary(summaryMD)
}

// SummaryPreview flattens a summary to a single bounded line for /status.
func SummaryPreview(summaryMD string) string {
	preview := strings.TrimSpace(summaryMD)
	preview = strings.ReplaceAll(preview, "\n", " ")
	if len(preview) > 120 {
		preview = preview[:117] + "..."
	}
	return preview
}

func pickLine(text, fallback string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	single := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if len(single) <= 300 {
		return "- " + single
	}
	return "- " + single[:297] + "..."
}

func trimSummary(text string) string {
	if len(text) <= summaryMaxLen {
		return text
	}
	return text[:summaryMaxLen-16] + "\n\n[truncated]"
}
