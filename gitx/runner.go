// Package gitx runs git commands for the engine and serializes repository
// mutations against in-flight file edits.
package gitx

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// Runner executes git commands against a single repository.
type Runner struct {
	repoPath string
}

// NewRunner creates a runner rooted at the repository containing path.
func NewRunner(path string) (*Runner, error) {
	root, err := FindRepoRoot(path)
	if err != nil {
		return nil, err
	}
	return &Runner{repoPath: root}, nil
}

// RepoPath returns the repository root.
func (r *Runner) RepoPath() string {
	return r.repoPath
}

// run executes a git command in the repository and returns combined output.
func (r *Runner) run(args ...string) (string, error) {
	baseArgs := []string{"-C", r.repoPath}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}

// IsDirty checks if the repository has uncommitted changes.
func (r *Runner) IsDirty() (bool, error) {
	output, err := r.run("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check repository status: %w", err)
	}
	return len(output) > 0, nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch() (string, error) {
	output, err := r.run("branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// Commit stages all changes and commits them. No-op when the tree is clean.
func (r *Runner) Commit(message string) error {
	isDirty, err := r.IsDirty()
	if err != nil {
		return fmt.Errorf("failed to check for changes: %w", err)
	}
	if !isDirty {
		return nil
	}

	if _, err := r.run("add", "."); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := r.run("commit", "-m", message, "--no-verify"); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// Push pushes the current branch to origin.
func (r *Runner) Push() error {
	branch, err := r.CurrentBranch()
	if err != nil {
		return err
	}
	if _, err := r.run("push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("failed to push branch: %w", err)
	}
	return nil
}

// Pull pulls the current branch from origin.
func (r *Runner) Pull() error {
	if _, err := r.run("pull", "--ff-only"); err != nil {
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}

// IsGitRepo checks if the given path is within a git repository.
func IsGitRepo(path string) bool {
	_, err := FindRepoRoot(path)
	return err == nil
}

// FindRepoRoot walks up from path until it finds a git repo root.
func FindRepoRoot(path string) (string, error) {
	currentPath := path
	for {
		_, err := gogit.PlainOpen(currentPath)
		if err == nil {
			return currentPath, nil
		}

		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			return "", fmt.Errorf("failed to find git repository root from path: %s", path)
		}
		currentPath = parent
	}
}
