package parser

import (
	"regexp"
	"strings"

	"cxr-report-pipeline/models"
)

// headerPattern matches section headers the model emits in practice:
// "FINDINGS:", "**Findings**", "## Impression", with or without a colon.
var headerPattern = regexp.MustCompile(`(?i)^\s*(?:\*{1,2}|#{1,6}\s*)?(findings|impression)\b\s*(?:\*{1,2})?\s*:?\s*(.*)$`)

// ParseSections splits a model response into findings and impression
// sections by their headers. The full response is always preserved in Raw.
// A response without recognizable headers is not an error: it degrades to a
// raw-only result with empty findings and impression.
func ParseSections(response string) models.ReportSections {
	sections := models.ReportSections{Raw: strings.TrimSpace(response)}

	current := ""
	var findings, impression []string

	for _, line := range strings.Split(response, "\n") {
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			current = strings.ToLower(m[1])
			// Content on the header line itself belongs to the section.
			if rest := strings.TrimSpace(m[2]); rest != "" {
				if current == "findings" {
					findings = append(findings, rest)
				} else {
					impression = append(impression, rest)
				}
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch current {
		case "findings":
			findings = append(findings, trimmed)
		case "impression":
			impression = append(impression, trimmed)
		}
	}

	sections.Findings = strings.Join(findings, "\n")
	sections.Impression = strings.Join(impression, "\n")
	return sections
}
