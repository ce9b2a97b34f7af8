package agent

import (
	"fmt"
	"strings"

	"github.com/devpm/relay/common/wire"
)

const folderPlacement = `
Template output folder placement: Put documents in plans/, security_reviews/, or sprints/ as appropriate. Use repo root (e.g. sprints/SPRINT_001.md) for repo-wide scope; if the work only touches one package in a monorepo, use that package's subdirectory (e.g. packages/foo/sprints/SPRINT_001.md).
`

// contextModeInstructions builds the template-specific preface for the
// translation prompt. Unknown modes produce no preface.
func contextModeInstructions(contextMode, repoPath string) string {
	escaped := strings.ReplaceAll(repoPath, `"`, `\"`)
	switch contextMode {
	case "sprint":
		return fmt.Sprintf(`Context: User selected SPRINT template. You are in workspace: "%s".
%s
Sprint workflow: Create a sprint document in sprints/ (or packages/{name}/sprints/ if only touching one package). Use SPRINT_001.md or next available number. Base it on the user's request and any prior work (security audit, gap analysis, etc.).
Write the sprint doc to the repo. Output its full contents for user review.
IMPORTANT: Do NOT implement the changes yet. The user will review the sprint doc, then send a follow-up message (e.g. "implement it" or "approved") to execute the sprint.
Exception: If the user explicitly asks to "implement" or "execute" an existing sprint, do that instead of creating a new doc.
`, escaped, folderPlacement)
	case "security_review":
		return fmt.Sprintf(`Context: User selected SECURITY REVIEW template. Workspace: "%s".
%s
Produce a security review document. Place it in security_reviews/ at root, or packages/{name}/security_reviews/ if only touching one package. Include findings summary, severity levels, and recommended actions.
`, escaped, folderPlacement)
	case "monorepo_init":
		return fmt.Sprintf(`Context: User selected MONOREPO INIT template. Workspace: "%s".
%s
Create plans/ folder and PLAN_INITIAL.md (at root or packages/{name}/plans/ if package-scoped). Output for interactive review.
`, escaped, folderPlacement)
	case "gap_analysis":
		return fmt.Sprintf(`Context: User selected GAP ANALYSIS template. Workspace: "%s".
%s
Write PLAN_GAP_{x}.md in plans/ (or packages/{name}/plans/ if package-scoped). Output for interactive review.
`, escaped, folderPlacement)
	case "feature_plan":
		return fmt.Sprintf(`Context: User selected FEATURE PLAN template. Workspace: "%s".
%s
Write PLAN_FEAT_{x}.md in plans/ (or packages/{name}/plans/ if package-scoped). Output for interactive review.
`, escaped, folderPlacement)
	case "commit":
		return fmt.Sprintf(`Context: User selected COMMIT template. Workspace: "%s".
Commit the changes made in this conversation (stage and commit with an appropriate message). Pre-commit hooks (lint, test, format) often run and can take a long time. In your output, clearly describe what happened: whether pre-commit passed or failed, what ran, and any errors if it failed. The user needs to know the outcome either way. NEVER use --no-verify.
Output format for pre-commit report: Keep it compact. Put section numbers and headers on the same line (e.g. "1. Format checks" not "1.\nFormat checks"). Use a proper Markdown unordered list (-) for each check item so they render as separate list items (e.g. "- operator (Rust fmt) – ✓" on its own line), not as continuation of the section header.
`, escaped)
	}
	return ""
}

// formatChatHistory renders prior turns as alternating User/Assistant lines.
func formatChatHistory(history []wire.ChatHistoryEntry) string {
	var b strings.Builder
	for _, entry := range history {
		b.WriteString("User: ")
		b.WriteString(entry.Input)
		b.WriteByte('\n')
		if entry.Output != nil {
			b.WriteString("Assistant: ")
			b.WriteString(*entry.Output)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// buildTranslationPrompt assembles the full translator prompt: template
// preface, optional prior-conversation block, and the quoted user input.
func buildTranslationPrompt(contextMode, repoPath, input string, history []wire.ChatHistoryEntry) string {
	prefix := contextModeInstructions(contextMode, repoPath)

	historyBlock := ""
	inputLabel := "Input"
	historyNote := ""
	if len(history) > 0 {
		historyBlock = "\n\nPrior conversation (for context):\n" + formatChatHistory(history) + "\n"
		inputLabel = "Current user input"
		historyNote = " (and prior conversation)"
	}

	separator := ""
	if prefix != "" {
		separator = "\n"
	}

	return fmt.Sprintf(`%s%s
Given this user input%s, produce a JSON object with only cursor_prompt.
Output format: {"cursor_prompt": "refined or expanded task for the coding agent"}
%s%s: "%s"`,
		prefix, separator, historyNote, historyBlock, inputLabel,
		strings.ReplaceAll(input, `"`, `\"`))
}

const summaryOutputCap = 2000

// buildSummaryPrompt asks for a compact Markdown digest of the execution
// output, truncated so long transcripts don't blow up the summariser call.
func buildSummaryPrompt(output string) string {
	escaped := strings.ReplaceAll(output, `"`, `\"`)
	runes := []rune(escaped)
	if len(runes) > summaryOutputCap {
		escaped = string(runes[:summaryOutputCap])
	}
	return "Summarize this Cursor CLI output as clean Markdown.\n" +
		"Rules:\n" +
		"- Start with a short title naming the work subject (for example: \"## Auth validation fix\").\n" +
		"- Do not use generic titles like \"mobile-friendly summary\" or \"summary\".\n" +
		"- Use 3-5 concise bullet points with '-' markers (never numbered lists).\n" +
		"- Do not wrap output in quotes or code fences.\n" +
		"- Keep the total output under 700 characters.\n" +
		"- Return Markdown only.\n" +
		"\n" +
		"Output to summarize:\n" + escaped
}

// extractJSON returns the first top-level {...} substring of s. Translator
// output is often wrapped in prose or code fences.
func extractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return "", false
	}
	return s[start : end+1], true
}
