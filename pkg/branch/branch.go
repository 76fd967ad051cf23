// Package branch creates the per-session working branch in a fresh clone.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// DefaultPrefix is the branch namespace used when none is configured.
const DefaultPrefix = "opencode"

// Manager derives and checks out session branches.
type Manager struct {
	prefix  string
	workdir string
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Manager. An empty prefix takes DefaultPrefix and a nil
// clock takes time.Now.
func New(prefix, workdir string, now func() time.Time, logger *slog.Logger) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if workdir == "" {
		workdir = "/workspace"
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{prefix: strings.TrimSuffix(prefix, "/"), workdir: workdir, now: now, logger: logger}
}

// Name returns the branch name for a session started at t.
func (m *Manager) Name(t time.Time) string {
	return fmt.Sprintf("%s/session-%d", m.prefix, t.Unix())
}

// Checkout creates and switches to a new session branch. When creation
// fails the clone stays on its current branch, whose name is returned; an
// error is returned only when that name cannot be read either.
func (m *Manager) Checkout(ctx context.Context, ex sandbox.Executor) (string, error) {
	name := m.Name(m.now())
	res, err := sandbox.Run(ctx, ex, m.workdir, "git", "checkout", "-b", name)
	if err == nil && res.OK() {
		m.logger.InfoContext(ctx, "created session branch", "sandbox_id", ex.ID(), "branch", name)
		return name, nil
	}

	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		reason = strings.TrimSpace(res.Stderr)
	}
	m.logger.WarnContext(ctx, "could not create session branch, staying on current branch",
		"sandbox_id", ex.ID(), "branch", name, "reason", reason)

	return m.Current(ctx, ex)
}

// Current returns the checked-out branch of the clone.
func (m *Manager) Current(ctx context.Context, ex sandbox.Executor) (string, error) {
	res, err := sandbox.Run(ctx, ex, m.workdir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading current branch: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("reading current branch: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}
