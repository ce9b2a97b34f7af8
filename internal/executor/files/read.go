// Package files implements the executor's repo-scoped file tools.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Errors surfaced to the requesting controller.
var (
	ErrEmptyPath = errors.New("files: empty file path")
	ErrTraversal = errors.New("files: path resolves outside the repo")
)

// ExpandTilde replaces a leading ~ with the current user's home directory.
func ExpandTilde(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("files: resolve home: %w", err)
		}
		return filepath.Join(home, rest), nil
	}
	return path, nil
}

// Read returns the contents of filePath inside repoPath. The file path is
// normalised and both paths are canonicalised; a target that escapes the
// repo is rejected.
func Read(repoPath, filePath string) (string, error) {
	filePath = strings.TrimPrefix(filePath, "/")
	filePath = strings.TrimPrefix(filePath, "./")
	if filePath == "" {
		return "", ErrEmptyPath
	}

	repo, err := canonicalRepo(repoPath)
	if err != nil {
		return "", err
	}
	target, err := filepath.EvalSymlinks(filepath.Join(repo, filePath))
	if err != nil {
		return "", fmt.Errorf("files: resolve %s: %w", filePath, err)
	}
	if !withinRepo(repo, target) {
		return "", ErrTraversal
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("files: read %s: %w", filePath, err)
	}
	return string(data), nil
}

func canonicalRepo(repoPath string) (string, error) {
	expanded, err := ExpandTilde(repoPath)
	if err != nil {
		return "", err
	}
	repo, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return "", fmt.Errorf("files: resolve repo %s: %w", repoPath, err)
	}
	return repo, nil
}

func withinRepo(repo, target string) bool {
	return target == repo || strings.HasPrefix(target, repo+string(filepath.Separator))
}
