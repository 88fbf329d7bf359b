package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitWorkTreeClean fails when `git status --porcelain` reports changes in
// the working tree containing dir, untracked files included.
func GitWorkTreeClean(ctx context.Context, dir string) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git status in %s: %w: %s", dir, err, strings.TrimSpace(stderr.String()))
	}

	if changes := strings.TrimSpace(stdout.String()); changes != "" {
		return fmt.Errorf("%w:\n%s", ErrDirtyWorkTree, changes)
	}
	return nil
}
