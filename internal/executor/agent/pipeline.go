package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/executor/files"
)

// ErrBadRepoPath is returned for workspaces outside the repos tree.
var ErrBadRepoPath = errors.New("agent: repo path must be under ~/repos/")

// Job is one command to run through the pipeline.
type Job struct {
	Input           string
	RepoPath        string
	ContextMode     string // empty means freeform
	TranslatorModel string
	WorkloadModel   string
	ResumeChatID    string // empty means create a fresh chat
	ChatHistory     []wire.ChatHistoryEntry
}

// Result is the pipeline's terminal output.
type Result struct {
	Output  string
	Summary string
	ChatID  string
}

// Pipeline runs translate → execute → summarize against a Runner.
type Pipeline struct {
	runner Runner
	log    *slog.Logger
}

func NewPipeline(runner Runner, log *slog.Logger) *Pipeline {
	return &Pipeline{runner: runner, log: log}
}

// validateRepoPath requires the expanded workspace to contain a "repos"
// path segment.
func validateRepoPath(path string) error {
	expanded, err := files.ExpandTilde(path)
	if err != nil {
		return err
	}
	for _, seg := range strings.Split(expanded, "/") {
		if seg == "repos" {
			return nil
		}
	}
	return ErrBadRepoPath
}

// Run executes the job. onOutput receives progress snapshots; it is already
// expected to be throttled by the caller via Throttled. The returned error
// means the command failed; progress sent before the failure stands.
func (p *Pipeline) Run(ctx context.Context, job Job, onOutput func(string)) (*Result, error) {
	if err := validateRepoPath(job.RepoPath); err != nil {
		return nil, err
	}
	expanded, err := files.ExpandTilde(job.RepoPath)
	if err != nil {
		return nil, err
	}

	// Translate. Freeform commands pass the input straight through.
	var cursorPrompt string
	if job.ContextMode == "" {
		onOutput("[Creating chat session...]")
		cursorPrompt = job.Input
	} else {
		onOutput("Translating task...")
		cursorPrompt, err = p.translate(ctx, job)
		if err != nil {
			return nil, err
		}
	}

	// Chat session: resume the handed-down id or mint one.
	chatID := job.ResumeChatID
	if chatID == "" {
		onOutput(fmt.Sprintf("T: %s\n\n[Creating chat session...]", cursorPrompt))
		chatID, err = p.runner.CreateChat(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		p.log.Info("resuming chat", "chat_id", chatID)
	}

	onOutput(fmt.Sprintf("T: %s\n\n[Running agent...]", cursorPrompt))

	// Execute with streaming progress. Each snapshot is prefixed with the
	// translated prompt so the controller always sees what is being run.
	transDisplay := "T: " + cursorPrompt
	var acc accumulator
	err = p.runner.RunStream(ctx, job.WorkloadModel, expanded, cursorPrompt, chatID, func(line []byte) {
		acc.handleLine(line)
		if display := acc.display(); display != "" {
			onOutput(transDisplay + "\n\n" + display)
		}
	})
	if err != nil {
		return nil, err
	}
	output := acc.final()

	// Summarize. Failure here is non-fatal; the transcript still ships.
	onOutput(output + "\n\n[Summarizing...]")
	summary, err := p.runner.RunText(ctx, job.WorkloadModel, "", buildSummaryPrompt(output))
	if err != nil {
		p.log.Warn("summarize failed", "error", err)
		summary = "Summary unavailable"
	}

	return &Result{Output: output, Summary: strings.TrimSpace(summary), ChatID: chatID}, nil
}

// Throttled wraps onOutput with the per-command progress throttle.
func Throttled(onOutput func(string)) func(string) {
	var t throttle
	return t.wrap(onOutput)
}

func (p *Pipeline) translate(ctx context.Context, job Job) (string, error) {
	prompt := buildTranslationPrompt(job.ContextMode, job.RepoPath, job.Input, job.ChatHistory)
	out, err := p.runner.RunText(ctx, job.TranslatorModel, "", prompt)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	raw, ok := extractJSON(out)
	if !ok {
		return "", fmt.Errorf("translate: no JSON in translator output")
	}
	var parsed struct {
		CursorPrompt string `json:"cursor_prompt"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("translate: parse translator output: %w", err)
	}
	if parsed.CursorPrompt == "" {
		return "", fmt.Errorf("translate: cursor_prompt missing in translator output")
	}
	return parsed.CursorPrompt, nil
}
