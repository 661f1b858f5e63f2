package merge

import (
	"fmt"
	"strings"

	"github.com/ricochet1k/concordia/internal/domain"
)

// PromptTemplate asks the model to fold a batch into one request.
func PromptTemplate(items []domain.PromptItem) string {
	lines := []string{
		"You are a deduplication agent.",
		"Combine related user requests into a single multi-step prompt for Claude Code.",
		"Remove duplicates, keep all unique requirements, and output ONLY the merged prompt.",
		"",
		"User prompts:",
	}
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("- %s: %s", item.Author, strings.TrimSpace(item.Text)))
	}
	return strings.Join(lines, "\n")
}

// FallbackTemplate is the merge used when no model is configured.
func FallbackTemplate(items []domain.PromptItem) string {
	lines := []string{"Combine these prompts:", ""}
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("- %s: %s", item.Author, strings.TrimSpace(item.Text)))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SummaryTemplate asks the model for a Markdown session summary of merged
// prompts.
func SummaryTemplate(merged []string) string {
	lines := []string{
		"You are a session summarization agent for Concordia.",
		"Summarize the following deduped prompts into a practical project context document.",
		"Return Markdown only.",
		"Include these sections in order:",
		"## Session Goals",
		"## Implemented Or Requested Work",
		"## Open Questions Or Risks",
		"## Next Steps",
		"",
		"Deduped prompts:",
	}
	for i, prompt := range merged {
		lines = append(lines, fmt.Sprintf("### Prompt %d", i+1), strings.TrimSpace(prompt), "")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SummaryFallback lists the merged prompts under the summary headings.
func SummaryFallback(merged []string) string {
	lines := []string{
		"## Session Goals",
		"- Consolidate participant prompts into executable work.",
		"",
		"## Implemented Or Requested Work",
	}
	for i, prompt := range merged {
		lines = append(lines, fmt.Sprintf("- Prompt %d: %s", i+1, strings.TrimSpace(prompt)))
	}
	lines = append(lines,
		"",
		"## Open Questions Or Risks",
		"- No model summary available; review prompt list directly.",
		"",
		"## Next Steps",
		"- Continue from the latest deduped prompt context.",
	)
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
