package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoRemote      = errors.New("git remote not found")
	ErrGitMissing    = errors.New("git executable not found in PATH")
)

// DefaultRemote is the remote whose URL identifies the shared timer.
const DefaultRemote = "origin"

// RemoteURL returns the URL configured for remote in the repository that
// contains dir. An empty remote means DefaultRemote.
func RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	if remote == "" {
		remote = DefaultRemote
	}
	if dir == "" {
		dir = "."
	}
	if _, err := run(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		if errors.Is(err, ErrGitMissing) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrNotRepository, dir, err)
	}
	out, err := run(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		if errors.Is(err, ErrGitMissing) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrNoRemote, remote, err)
	}
	url := strings.TrimSpace(out)
	if url == "" {
		return "", fmt.Errorf("%w: %s has an empty url", ErrNoRemote, remote)
	}
	return url, nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	bin, err := exec.LookPath("git")
	if err != nil {
		return "", ErrGitMissing
	}
	full := append([]string{"-C", dir}, args...)
	// #nosec G204
	cmd := exec.CommandContext(ctx, bin, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", err
		}
		return "", errors.New(msg)
	}
	return stdout.String(), nil
}
