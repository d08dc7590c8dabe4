package dispatch

import (
	"fmt"
	"strings"

	"github.com/devmesh/controlplane/lib/cliproc"
)

// ExecutiveSummary fans batch ItemResults into a single readable report
// (spec.md §4.7's executiveSummary operation): a success/failure tally per
// repository plus the free-text or structured output each item produced,
// leniently parsed via the same envelope-unwrapping rules a single agent
// session's output goes through.
type ExecutiveSummary struct {
	TotalRepositories int
	SucceededCount    int
	FailedCount       int
	Sections          []SummarySection
}

// SummarySection is one repository's contribution to the summary.
type SummarySection struct {
	Repository string
	Succeeded  bool
	FromCache  bool
	Text       string
	Structured map[string]any
	ErrorText  string
}

// BuildExecutiveSummary synthesizes an ExecutiveSummary from a completed
// batch dispatch's per-item results.
func BuildExecutiveSummary(results []ItemResult) ExecutiveSummary {
	summary := ExecutiveSummary{TotalRepositories: len(results)}

	for _, r := range results {
		section := SummarySection{Repository: r.Item.Repository, FromCache: r.FromCache}
		if r.Err != nil {
			summary.FailedCount++
			section.Succeeded = false
			section.ErrorText = r.Err.Error()
			summary.Sections = append(summary.Sections, section)
			continue
		}

		summary.SucceededCount++
		section.Succeeded = true
		section.Structured, section.Text = flattenOutput(r.Output)
		summary.Sections = append(summary.Sections, section)
	}

	return summary
}

// flattenOutput extracts the free-text or structured body of one item's
// output map. Agent output conventionally carries either a "result" string
// (itself possibly a fenced-JSON or free-text payload, unwrapped the same
// way a live session's stdout would be) or a pre-structured map.
func flattenOutput(output map[string]any) (structured map[string]any, text string) {
	if output == nil {
		return nil, ""
	}
	if raw, ok := output["result"].(string); ok {
		payload := cliproc.UnwrapResult(raw)
		if payload.Structured {
			return payload.JSON, ""
		}
		return nil, payload.Text
	}
	return output, ""
}

// Render produces a human-readable executive summary report.
func (s ExecutiveSummary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executive Summary: %d/%d repositories succeeded\n", s.SucceededCount, s.TotalRepositories)
	for _, section := range s.Sections {
		status := "OK"
		if !section.Succeeded {
			status = "FAILED"
		}
		cached := ""
		if section.FromCache {
			cached = " (cached)"
		}
		fmt.Fprintf(&b, "\n- %s [%s]%s\n", section.Repository, status, cached)
		switch {
		case section.ErrorText != "":
			fmt.Fprintf(&b, "  error: %s\n", section.ErrorText)
		case section.Text != "":
			fmt.Fprintf(&b, "  %s\n", section.Text)
		case section.Structured != nil:
			fmt.Fprintf(&b, "  %v\n", section.Structured)
		}
	}
	return b.String()
}
