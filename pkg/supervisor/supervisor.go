// Package supervisor starts the agent server inside a sandbox and gates
// lifecycle operations on its readiness probe.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kballard/go-shellquote"

	"github.com/jxucoder/sandboxd/pkg/agent"
	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// Default in-sandbox paths.
const (
	DefaultWorkdir = "/workspace"
	DefaultEnvFile = "/root/.agent-env"
	DefaultLogFile = "/tmp/agent.log"
	DefaultLogTail = 500
)

// errorTailBytes bounds the agent log excerpt carried in error messages.
const errorTailBytes = 500

// ProbeTimeoutError means the agent never became healthy within the
// attempt budget. LogTail carries the end of the agent log.
type ProbeTimeoutError struct {
	Attempts int
	LastErr  error
	LogTail  string
}

func (e *ProbeTimeoutError) Error() string {
	msg := fmt.Sprintf("agent server not healthy after %d attempts", e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	if tail := strings.TrimSpace(e.LogTail); tail != "" {
		if len(tail) > errorTailBytes {
			tail = tail[len(tail)-errorTailBytes:]
		}
		msg += "\nagent log:\n" + tail
	}
	return msg
}

func (e *ProbeTimeoutError) Unwrap() error { return e.LastErr }

// Options configures a Supervisor.
type Options struct {
	Workdir string
	EnvFile string
	LogFile string
	LogTail int
	Policy  Policy
	Logger  *slog.Logger
}

// Supervisor launches and probes one kind of agent server.
type Supervisor struct {
	server  agent.Server
	workdir string
	envFile string
	logFile string
	logTail int
	policy  Policy
	logger  *slog.Logger
}

// New creates a Supervisor for srv. Zero-valued options take the defaults.
func New(srv agent.Server, opts Options) *Supervisor {
	s := &Supervisor{
		server:  srv,
		workdir: opts.Workdir,
		envFile: opts.EnvFile,
		logFile: opts.LogFile,
		logTail: opts.LogTail,
		policy:  opts.Policy.withDefaults(),
		logger:  opts.Logger,
	}
	if s.workdir == "" {
		s.workdir = DefaultWorkdir
	}
	if s.envFile == "" {
		s.envFile = DefaultEnvFile
	}
	if s.logFile == "" {
		s.logFile = DefaultLogFile
	}
	if s.logTail <= 0 {
		s.logTail = DefaultLogTail
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Server returns the supervised agent server.
func (s *Supervisor) Server() agent.Server { return s.server }

// Policy returns the effective readiness policy.
func (s *Supervisor) Policy() Policy { return s.policy }

// Prepare writes the agent environment file holding the credential and the
// agent's config file into the clone. Both are streamed over stdin; the
// environment file is created under umask 077.
func (s *Supervisor) Prepare(ctx context.Context, ex sandbox.Executor, credential string) error {
	env := "export GH_TOKEN=" + shellquote.Join(credential) + "\n"
	if err := sandbox.WriteFile(ctx, ex, s.envFile, env, true); err != nil {
		return fmt.Errorf("writing agent env file: %w", err)
	}

	name, content := s.server.ConfigFile()
	if name == "" {
		return nil
	}
	path := strings.TrimSuffix(s.workdir, "/") + "/" + name
	if err := sandbox.WriteFile(ctx, ex, path, string(content), false); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// startCommand is the detached launch line: source the env file if present,
// run the server under nohup, send all output to the log file.
func (s *Supervisor) startCommand() string {
	return fmt.Sprintf("cd %s || exit 1; [ -f %s ] && . %s; nohup %s > %s 2>&1 < /dev/null &",
		shellquote.Join(s.workdir),
		shellquote.Join(s.envFile), shellquote.Join(s.envFile),
		shellquote.Join(s.server.ServeArgs()...),
		shellquote.Join(s.logFile),
	)
}

// Start launches the agent server in the background and returns as soon as
// the launching shell exits.
func (s *Supervisor) Start(ctx context.Context, ex sandbox.Executor) error {
	res, err := sandbox.Run(ctx, ex, "", "sh", "-c", s.startCommand())
	if err != nil {
		return fmt.Errorf("starting %s: %w", s.server.Name(), err)
	}
	if !res.OK() {
		return fmt.Errorf("starting %s: exit %d: %s", s.server.Name(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	s.logger.InfoContext(ctx, "agent server launched", "sandbox_id", ex.ID(), "agent", s.server.Name(), "log", s.logFile)
	return nil
}

// Health runs one local health check and returns the HTTP status code curl
// reported.
func (s *Supervisor) Health(ctx context.Context, ex sandbox.Executor) (string, error) {
	res, err := sandbox.Run(ctx, ex, "", "curl", "-s", "-o", "/dev/null", "-w", "%{http_code}", agent.HealthURL(s.server))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// WaitReady blocks until the health check succeeds or the policy's attempts
// are exhausted. It returns the number of attempts made.
func (s *Supervisor) WaitReady(ctx context.Context, ex sandbox.Executor) (int, error) {
	p := s.policy
	attempts := 0
	probe := func() error {
		attempts++
		code, err := s.Health(ctx, ex)
		if err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !p.Success(code) {
			return fmt.Errorf("health check returned %q", code)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.InfoContext(ctx, "agent server not ready",
			"sandbox_id", ex.ID(), "attempt", attempts, "max_attempts", p.MaxAttempts,
			"retry_in", next, "reason", err)
	}

	err := backoff.RetryNotifyWithTimer(probe, backoff.WithContext(p.backOff(), ctx), notify, p.Timer)
	if err == nil {
		s.logger.InfoContext(ctx, "agent server ready", "sandbox_id", ex.ID(), "attempt", attempts)
		return attempts, nil
	}

	tail := s.LogTail(ctx, ex)
	s.logger.WarnContext(ctx, "agent server failed readiness probe",
		"sandbox_id", ex.ID(), "attempts", attempts, "error", err, "log_tail", tail)
	return attempts, &ProbeTimeoutError{Attempts: attempts, LastErr: err, LogTail: tail}
}

// LogTail returns at most the configured number of trailing bytes of the
// agent log, or a placeholder when the log cannot be read.
func (s *Supervisor) LogTail(ctx context.Context, ex sandbox.Executor) string {
	res, err := sandbox.Run(ctx, ex, "", "tail", "-c", strconv.Itoa(s.logTail), s.logFile)
	if err != nil || !res.OK() {
		return "No log file"
	}
	out := res.Stdout
	if len(out) > s.logTail {
		out = out[len(out)-s.logTail:]
	}
	if strings.TrimSpace(out) == "" {
		return "empty"
	}
	return out
}

// Diagnostics is a best-effort view of the agent server for debugging.
type Diagnostics struct {
	Processes        string `json:"processes"`
	HealthCheck      string `json:"healthCheck"`
	HealthError      string `json:"healthError,omitempty"`
	AgentLog         string `json:"agentLog"`
	SessionTest      string `json:"sessionTest,omitempty"`
	SessionTestError string `json:"sessionTestError,omitempty"`
}

// Diagnose collects process, health, log and session-endpoint output. Any
// transport failure aborts collection and is returned.
func (s *Supervisor) Diagnose(ctx context.Context, ex sandbox.Executor) (*Diagnostics, error) {
	ps, err := sandbox.Run(ctx, ex, "", "ps", "aux")
	if err != nil {
		return nil, err
	}
	health, err := sandbox.Run(ctx, ex, "", "curl", "-s", agent.HealthURL(s.server))
	if err != nil {
		return nil, err
	}
	logs, err := sandbox.Run(ctx, ex, "", "cat", s.logFile)
	if err != nil {
		return nil, err
	}
	session, err := sandbox.Run(ctx, ex, "", "curl", "-s", "-X", "POST",
		"-H", "Content-Type: application/json",
		"-d", `{"title": "diagnostics"}`,
		agent.SessionURL(s.server))
	if err != nil {
		return nil, err
	}
	return &Diagnostics{
		Processes:        ps.Stdout,
		HealthCheck:      health.Stdout,
		HealthError:      health.Stderr,
		AgentLog:         logs.Stdout,
		SessionTest:      session.Stdout,
		SessionTestError: session.Stderr,
	}, nil
}
