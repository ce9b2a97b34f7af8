// Package agent drives the coding-agent subprocess: prompt construction,
// streaming output parsing and the translate/execute/summarize pipeline.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// scanBufferSize bounds a single stream-json line. Tool output previews can
// be large but the agent caps lines well under a megabyte.
const scanBufferSize = 1024 * 1024

// Runner abstracts the agent subprocess so the pipeline can be tested
// without spawning anything.
type Runner interface {
	// RunText invokes the agent in text mode and returns stdout.
	RunText(ctx context.Context, model, workspace, prompt string) (string, error)
	// CreateChat starts a new chat session and returns its id.
	CreateChat(ctx context.Context) (string, error)
	// RunStream invokes the agent in stream-json mode, calling onLine for
	// each stdout line.
	RunStream(ctx context.Context, model, workspace, prompt, chatID string, onLine func([]byte)) error
	// ListModels returns the agent's model inventory.
	ListModels(ctx context.Context) ([]string, error)
}

// CLI runs the real agent binary.
type CLI struct {
	// Binary defaults to "agent".
	Binary string
	Log    *slog.Logger
}

func NewCLI(log *slog.Logger) *CLI {
	return &CLI{Binary: "agent", Log: log}
}

func (c *CLI) RunText(ctx context.Context, model, workspace, prompt string) (string, error) {
	args := []string{"-p", "--model", model, "--output-format", "text", "--force", prompt}
	if workspace != "" {
		args = append(args, "--workspace", workspace)
	}
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("agent: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *CLI) CreateChat(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, c.Binary, "create-chat")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("agent create-chat: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", fmt.Errorf("agent create-chat returned empty")
	}
	return id, nil
}

func (c *CLI) RunStream(ctx context.Context, model, workspace, prompt, chatID string, onLine func([]byte)) error {
	args := []string{
		"-p", "--model", model,
		"--output-format", "stream-json",
		"--stream-partial-output",
		"--force",
	}
	if chatID != "" {
		args = append(args, "--resume", chatID)
	}
	args = append(args, prompt, "--workspace", workspace)

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.Log.Info("spawning agent",
		"model", model, "workspace", workspace,
		"prompt_len", len(prompt), "chat_id", chatID)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return fmt.Errorf("read agent stream: %w", scanErr)
	}
	return nil
}

// ListModels parses `agent models`, one model per line with the id before
// the " - " separator.
func (c *CLI) ListModels(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.Binary, "models")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("agent models: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseModels(stdout.String()), nil
}

func parseModels(out string) []string {
	var models []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, _, _ := strings.Cut(line, " - ")
		id = strings.TrimSpace(id)
		if id != "" {
			models = append(models, id)
		}
	}
	return models
}
