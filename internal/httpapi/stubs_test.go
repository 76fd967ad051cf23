package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jxucoder/sandboxd/internal/orchestrator"
	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/store"
	"github.com/jxucoder/sandboxd/pkg/supervisor"
)

// stubLifecycle records calls and returns canned results.
type stubLifecycle struct {
	mu    sync.Mutex
	calls []string
	creds []string

	createErr   error
	createDelay time.Duration
	pauseErr    error
	resumeErr   error
	logsErr     error
	alive       map[string]bool
	ctxErr      error // ctx.Err() observed by the last call
}

func newStubLifecycle() *stubLifecycle {
	return &stubLifecycle{alive: map[string]bool{"sb-1": true}}
}

func (s *stubLifecycle) record(ctx context.Context, call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.ctxErr = ctx.Err()
}

func (s *stubLifecycle) Create(ctx context.Context, repo, credential string) (*model.Sandbox, error) {
	time.Sleep(s.createDelay)
	s.record(ctx, "create "+repo)
	s.mu.Lock()
	s.creds = append(s.creds, credential)
	s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &model.Sandbox{
		ID:        "sb-1",
		Repo:      repo,
		TunnelURL: "https://sb-1-4096.tunnel.test",
		Branch:    "opencode/session-1700000000",
		State:     model.StateReady,
	}, nil
}

func (s *stubLifecycle) Pause(ctx context.Context, sandboxID string) (*model.Snapshot, error) {
	s.record(ctx, "pause "+sandboxID)
	if s.pauseErr != nil {
		return nil, s.pauseErr
	}
	return &model.Snapshot{ID: "im-" + sandboxID + "-1", SourceSandboxID: sandboxID}, nil
}

func (s *stubLifecycle) Resume(ctx context.Context, snapshotID string) (*model.Sandbox, error) {
	s.record(ctx, "resume "+snapshotID)
	if s.resumeErr != nil {
		return nil, s.resumeErr
	}
	return &model.Sandbox{ID: "sb-2", TunnelURL: "https://sb-2-4096.tunnel.test", SourceSnapshot: snapshotID}, nil
}

func (s *stubLifecycle) Terminate(ctx context.Context, sandboxID string) orchestrator.TerminateResult {
	s.record(ctx, "terminate "+sandboxID)
	if !s.alive[sandboxID] {
		return orchestrator.TerminateResult{Success: false, Error: "sandbox not found"}
	}
	return orchestrator.TerminateResult{Success: true}
}

func (s *stubLifecycle) Status(ctx context.Context, sandboxID string) orchestrator.StatusResult {
	s.record(ctx, "status "+sandboxID)
	if !s.alive[sandboxID] {
		return orchestrator.StatusResult{Exists: false, Error: "sandbox not found"}
	}
	return orchestrator.StatusResult{Exists: true, SandboxID: sandboxID}
}

func (s *stubLifecycle) Logs(ctx context.Context, sandboxID string) (*supervisor.Diagnostics, error) {
	s.record(ctx, "logs "+sandboxID)
	if s.logsErr != nil {
		return nil, s.logsErr
	}
	return &supervisor.Diagnostics{
		Processes:   "USER PID COMMAND\nroot 7 opencode serve",
		HealthCheck: `{"healthy":true}`,
		AgentLog:    "listening on 0.0.0.0:4096",
	}, nil
}

func (s *stubLifecycle) History(ctx context.Context, sandboxID string) (*orchestrator.History, error) {
	s.record(ctx, "history "+sandboxID)
	if !s.alive[sandboxID] {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, store.ErrNotFound)
	}
	return &orchestrator.History{
		Sandbox:   &model.Sandbox{ID: sandboxID, State: model.StateReady},
		Events:    []*model.Event{{ID: 1, SandboxID: sandboxID, To: model.StateReady}},
		Snapshots: []*model.Snapshot{},
	}, nil
}

func (s *stubLifecycle) lastCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1]
}

var errBoom = errors.New("boom")
