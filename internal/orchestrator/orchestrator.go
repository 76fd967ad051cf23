// Package orchestrator implements the sandbox lifecycle: create, pause,
// resume, terminate, status and logs.
//
// Each operation is one sequential flow. The orchestrator holds no per-handle
// state of its own; the runtime is the source of truth for liveness and the
// store only keeps an audit record of what happened.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/sandboxd/internal/metrics"
	"github.com/jxucoder/sandboxd/pkg/branch"
	"github.com/jxucoder/sandboxd/pkg/eventbus"
	"github.com/jxucoder/sandboxd/pkg/identity"
	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/sandbox"
	"github.com/jxucoder/sandboxd/pkg/store"
	"github.com/jxucoder/sandboxd/pkg/supervisor"
)

// Config holds the resource profile applied to every sandbox.
type Config struct {
	Image    string
	CPU      float64
	MemoryMB int
	// Timeout is the runtime's hard wall-clock limit. Callers must pause
	// before it elapses or the instance is reclaimed with its work.
	Timeout time.Duration
	Network string
	Workdir string
}

// Orchestrator coordinates the runtime, identity bootstrap, branch manager
// and agent supervisor into lifecycle operations.
type Orchestrator struct {
	cfg      Config
	rt       sandbox.Runtime
	identity *identity.Bootstrapper
	branches *branch.Manager
	agent    *supervisor.Supervisor
	store    store.Store
	bus      eventbus.Bus
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Orchestrator. bus may be nil.
func New(
	cfg Config,
	rt sandbox.Runtime,
	id *identity.Bootstrapper,
	br *branch.Manager,
	sup *supervisor.Supervisor,
	st store.Store,
	bus eventbus.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Workdir == "" {
		cfg.Workdir = supervisor.DefaultWorkdir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		rt:       rt,
		identity: id,
		branches: br,
		agent:    sup,
		store:    st,
		bus:      bus,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the orchestrator's clock.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Store returns the audit store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Bus returns the event bus, or nil.
func (o *Orchestrator) Bus() eventbus.Bus { return o.bus }

func (o *Orchestrator) createOptions(image string, labels map[string]string) sandbox.CreateOptions {
	return sandbox.CreateOptions{
		Image:    image,
		CPU:      o.cfg.CPU,
		MemoryMB: o.cfg.MemoryMB,
		Ports:    []int{o.agent.Server().Port()},
		Timeout:  o.cfg.Timeout,
		Network:  o.cfg.Network,
		Labels:   labels,
	}
}

// Create provisions a sandbox for repo ("owner/name"): instance, credential
// store and identity, clone, session branch, agent server and tunnel. Any
// fatal step terminates the instance and returns a *ProvisionError.
func (o *Orchestrator) Create(ctx context.Context, repo, credential string) (sb *model.Sandbox, err error) {
	start := o.now()
	lc := o.begin("create", "")
	defer func() { metrics.ObserveOperation("create", start, err) }()

	log := lc.logger.With("repo", repo)
	log.InfoContext(ctx, "creating sandbox")

	id, err := o.rt.Create(ctx, o.createOptions(o.cfg.Image, map[string]string{"sandboxd.repo": repo}))
	if err != nil {
		perr := &ProvisionError{Step: StepCreate, Err: err}
		lc.fail(ctx, perr)
		return nil, perr
	}
	lc.bind(id)
	log = lc.logger.With("repo", repo)
	log.InfoContext(ctx, "sandbox instance created", "step", StepCreate)

	sb = &model.Sandbox{ID: id, Repo: repo, State: model.StateRequested, CreatedAt: o.now().UTC()}
	o.record(ctx, sb)
	lc.to(ctx, model.StateProvisioning, "")

	// fatal cleans up the partially created instance and marks it failed.
	fatal := func(step string, cause error) (*model.Sandbox, error) {
		perr := &ProvisionError{Step: step, SandboxID: id, Err: cause}
		log.WarnContext(ctx, "provisioning failed", "step", step, "error", cause)
		o.cleanup(ctx, id, log)
		lc.fail(ctx, perr)
		return nil, perr
	}

	ex := sandbox.Bind(o.rt, id)

	who, err := o.identity.Prepare(ctx, ex, credential)
	if err != nil {
		return fatal(StepIdentity, err)
	}
	log.InfoContext(ctx, "identity configured", "step", StepIdentity, "username", who.Username)

	if err := o.clone(ctx, ex, repo); err != nil {
		return fatal(StepClone, err)
	}
	log.InfoContext(ctx, "repository cloned", "step", StepClone)

	if err := o.identity.ConfigureClone(ctx, ex, who, repo); err != nil {
		return fatal(StepIdentity, err)
	}

	name, err := o.branches.Checkout(ctx, ex)
	if err != nil {
		log.WarnContext(ctx, "no session branch, continuing", "step", StepBranch, "error", err)
	}
	sb.Branch = name

	if err := o.agent.Prepare(ctx, ex, credential); err != nil {
		return fatal(StepAgent, err)
	}
	if err := o.agent.Start(ctx, ex); err != nil {
		return fatal(StepAgent, err)
	}
	attempts, err := o.agent.WaitReady(ctx, ex)
	metrics.ProbeAttempts.WithLabelValues("create", metrics.Outcome(err)).Observe(float64(attempts))
	if err != nil {
		return fatal(StepProbe, err)
	}

	url, err := o.rt.Tunnel(ctx, id, o.agent.Server().Port())
	if err != nil {
		return fatal(StepTunnel, err)
	}
	sb.TunnelURL = url

	sb.State = model.StateReady
	o.record(ctx, sb)
	lc.to(ctx, model.StateReady, "")
	log.InfoContext(ctx, "sandbox ready", "tunnel_url", url, "branch", sb.Branch, "probe_attempts", attempts)
	return sb, nil
}

// clone checks repo out into the workdir. The URL carries no credential;
// git reads it from the credential store.
func (o *Orchestrator) clone(ctx context.Context, ex sandbox.Executor, repo string) error {
	res, err := sandbox.Run(ctx, ex, "", "git", "clone", o.identity.CloneURL(repo), o.cfg.Workdir)
	if err != nil {
		return err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("git clone exited %d", res.ExitCode)
		}
		return errors.New(msg)
	}
	return nil
}

// Pause snapshots the sandbox and only then terminates it. A failed capture
// leaves the sandbox running and returns a *SnapshotError; if the sandbox is
// already gone it is recorded as terminated. Once the snapshot
// exists the pause succeeds, whatever the terminate outcome.
func (o *Orchestrator) Pause(ctx context.Context, sandboxID string) (snap *model.Snapshot, err error) {
	start := o.now()
	lc := o.begin("pause", sandboxID)
	defer func() { metrics.ObserveOperation("pause", start, err) }()

	lc.to(ctx, model.StatePausing, "")

	snapID, err := o.rt.Snapshot(ctx, sandboxID)
	if err != nil {
		serr := &SnapshotError{SandboxID: sandboxID, Err: err}
		if errors.Is(err, sandbox.ErrNotFound) {
			lc.logger.WarnContext(ctx, "snapshot failed, sandbox is gone", "step", "snapshot", "error", err)
			lc.to(ctx, model.StateTerminated, serr.Error())
			return nil, serr
		}
		lc.logger.WarnContext(ctx, "snapshot failed, sandbox left running", "step", "snapshot", "error", err)
		lc.to(ctx, model.StateReady, serr.Error())
		return nil, serr
	}
	snap = &model.Snapshot{ID: snapID, SourceSandboxID: sandboxID, CreatedAt: o.now().UTC()}
	if o.store != nil {
		if err := o.store.AddSnapshot(ctx, snap); err != nil {
			lc.logger.WarnContext(ctx, "recording snapshot failed", "snapshot_id", snapID, "error", err)
		}
	}
	lc.logger.InfoContext(ctx, "snapshot captured", "step", "snapshot", "snapshot_id", snapID)

	detail := ""
	if err := o.rt.Terminate(ctx, sandboxID); err != nil {
		detail = "terminate after snapshot failed: " + err.Error()
		lc.logger.WarnContext(ctx, "terminate failed, snapshot still saved", "step", "terminate", "error", err)
	} else {
		lc.logger.InfoContext(ctx, "sandbox terminated", "step", "terminate")
	}
	lc.to(ctx, model.StatePaused, detail)
	return snap, nil
}

// Resume spawns a new sandbox from snapshotID, restarts the agent server and
// waits for it to become ready. The snapshot is left untouched and can be
// resumed again. Failures return a *ResumeError after cleaning up.
func (o *Orchestrator) Resume(ctx context.Context, snapshotID string) (sb *model.Sandbox, err error) {
	start := o.now()
	lc := o.begin("resume", "")
	defer func() { metrics.ObserveOperation("resume", start, err) }()

	log := lc.logger.With("snapshot_id", snapshotID)
	log.InfoContext(ctx, "resuming from snapshot")

	image, err := o.rt.ImageFromSnapshot(ctx, snapshotID)
	if err != nil {
		rerr := &ResumeError{Step: StepImage, SnapshotID: snapshotID, Err: err}
		lc.fail(ctx, rerr)
		return nil, rerr
	}

	id, err := o.rt.Create(ctx, o.createOptions(image, map[string]string{"sandboxd.snapshot": snapshotID}))
	if err != nil {
		rerr := &ResumeError{Step: StepCreate, SnapshotID: snapshotID, Err: err}
		lc.fail(ctx, rerr)
		return nil, rerr
	}
	lc.bind(id)
	log = lc.logger.With("snapshot_id", snapshotID)

	sb = &model.Sandbox{ID: id, SourceSnapshot: snapshotID, State: model.StateRequested, CreatedAt: o.now().UTC()}
	o.inherit(ctx, sb, snapshotID)
	o.record(ctx, sb)
	lc.to(ctx, model.StateResuming, "")

	fatal := func(step string, cause error) (*model.Sandbox, error) {
		rerr := &ResumeError{Step: step, SnapshotID: snapshotID, SandboxID: id, Err: cause}
		log.WarnContext(ctx, "resume failed", "step", step, "error", cause)
		o.cleanup(ctx, id, log)
		lc.fail(ctx, rerr)
		return nil, rerr
	}

	ex := sandbox.Bind(o.rt, id)

	// The launch is fire-and-forget; the probe below decides readiness.
	if err := o.agent.Start(ctx, ex); err != nil {
		log.WarnContext(ctx, "agent launch reported an error", "step", StepAgent, "error", err)
	}

	url, err := o.rt.Tunnel(ctx, id, o.agent.Server().Port())
	if err != nil {
		return fatal(StepTunnel, err)
	}
	sb.TunnelURL = url

	attempts, err := o.agent.WaitReady(ctx, ex)
	metrics.ProbeAttempts.WithLabelValues("resume", metrics.Outcome(err)).Observe(float64(attempts))
	if err != nil {
		return fatal(StepProbe, err)
	}

	sb.State = model.StateReady
	o.record(ctx, sb)
	lc.to(ctx, model.StateReady, "")
	log.InfoContext(ctx, "sandbox resumed", "tunnel_url", url, "probe_attempts", attempts)
	return sb, nil
}

// inherit copies repo and branch from the snapshot's source sandbox when the
// ledger knows them.
func (o *Orchestrator) inherit(ctx context.Context, sb *model.Sandbox, snapshotID string) {
	if o.store == nil {
		return
	}
	snap, err := o.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return
	}
	src, err := o.store.GetSandbox(ctx, snap.SourceSandboxID)
	if err != nil {
		return
	}
	sb.Repo = src.Repo
	sb.Branch = src.Branch
}

// TerminateResult reports a best-effort terminate.
type TerminateResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Terminate destroys the sandbox without saving state. It never fails:
// runtime errors, including an already gone sandbox, come back as
// Success=false.
func (o *Orchestrator) Terminate(ctx context.Context, sandboxID string) TerminateResult {
	start := o.now()
	lc := o.begin("terminate", sandboxID)

	lc.to(ctx, model.StateTerminating, "")
	err := o.rt.Terminate(ctx, sandboxID)
	metrics.ObserveOperation("terminate", start, err)
	if err != nil {
		terr := &TerminateError{SandboxID: sandboxID, Err: err}
		lc.logger.WarnContext(ctx, "terminate failed", "error", err)
		if errors.Is(err, sandbox.ErrNotFound) {
			lc.to(ctx, model.StateTerminated, terr.Error())
		} else {
			lc.to(ctx, model.StateReady, terr.Error())
		}
		return TerminateResult{Success: false, Error: terr.Error()}
	}
	lc.to(ctx, model.StateTerminated, "")
	lc.logger.InfoContext(ctx, "sandbox terminated")
	return TerminateResult{Success: true}
}

// StatusResult reports whether a sandbox handle still resolves.
type StatusResult struct {
	Exists    bool   `json:"exists"`
	SandboxID string `json:"sandboxId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status probes the runtime for sandboxID. Resolution failures are reported
// as Exists=false.
func (o *Orchestrator) Status(ctx context.Context, sandboxID string) StatusResult {
	start := o.now()
	err := o.rt.Lookup(ctx, sandboxID)
	metrics.ObserveOperation("status", start, err)
	if err != nil {
		o.logger.DebugContext(ctx, "sandbox does not resolve", "sandbox_id", sandboxID, "error", err)
		return StatusResult{Exists: false, Error: err.Error()}
	}
	return StatusResult{Exists: true, SandboxID: sandboxID}
}

// Logs collects diagnostics from the agent server inside sandboxID.
func (o *Orchestrator) Logs(ctx context.Context, sandboxID string) (d *supervisor.Diagnostics, err error) {
	start := o.now()
	defer func() { metrics.ObserveOperation("logs", start, err) }()

	if err := o.rt.Lookup(ctx, sandboxID); err != nil {
		return nil, err
	}
	return o.agent.Diagnose(ctx, sandbox.Bind(o.rt, sandboxID))
}

// History returns the ledger record of sandboxID with its transitions and
// the snapshots captured from it.
func (o *Orchestrator) History(ctx context.Context, sandboxID string) (*History, error) {
	if o.store == nil {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, store.ErrNotFound)
	}
	sb, err := o.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.GetEvents(ctx, sandboxID, 0)
	if err != nil {
		return nil, err
	}
	snaps, err := o.store.ListSnapshots(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*model.Event{}
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	return &History{Sandbox: sb, Events: events, Snapshots: snaps}, nil
}

// History is the audit view of one sandbox.
type History struct {
	Sandbox   *model.Sandbox    `json:"sandbox"`
	Events    []*model.Event    `json:"events"`
	Snapshots []*model.Snapshot `json:"snapshots"`
}

// cleanup terminates a partially provisioned instance. It runs even when
// ctx has been cancelled.
func (o *Orchestrator) cleanup(ctx context.Context, id string, log *slog.Logger) {
	if err := o.rt.Terminate(context.WithoutCancel(ctx), id); err != nil {
		log.WarnContext(ctx, "cleanup terminate failed", "error", err)
		return
	}
	log.InfoContext(ctx, "cleaned up instance")
}

func (o *Orchestrator) record(ctx context.Context, sb *model.Sandbox) {
	if o.store == nil {
		return
	}
	sb.UpdatedAt = o.now().UTC()
	if err := o.store.PutSandbox(ctx, sb); err != nil {
		o.logger.WarnContext(ctx, "recording sandbox failed", "sandbox_id", sb.ID, "error", err)
	}
}

// lifecycle tracks one operation's walk through the state machine.
type lifecycle struct {
	o      *Orchestrator
	op     string
	opID   string
	id     string
	state  model.State
	logger *slog.Logger
}

// begin starts tracking op. Operations on an existing handle start from
// Ready: the runtime, not the ledger, decides whether the handle is live.
func (o *Orchestrator) begin(op, sandboxID string) *lifecycle {
	lc := &lifecycle{
		o:     o,
		op:    op,
		opID:  uuid.NewString(),
		state: model.StateRequested,
	}
	if sandboxID != "" {
		lc.state = model.StateReady
	}
	lc.logger = o.logger.With("op", op, "op_id", lc.opID)
	lc.bind(sandboxID)
	return lc
}

func (l *lifecycle) bind(id string) {
	if id == "" {
		return
	}
	l.id = id
	l.logger = l.logger.With("sandbox_id", id)
}

func (l *lifecycle) fail(ctx context.Context, err error) {
	l.to(ctx, model.StateFailed, err.Error())
}

// to moves to next and records the transition.
func (l *lifecycle) to(ctx context.Context, next model.State, data string) {
	from := l.state
	if _, err := from.Transition(next); err != nil {
		l.logger.ErrorContext(ctx, "unexpected lifecycle transition", "error", err)
	}
	l.state = next
	metrics.TransitionsTotal.WithLabelValues(string(from), string(next)).Inc()

	if l.id == "" {
		return
	}
	ev := &model.Event{
		SandboxID: l.id,
		From:      from,
		To:        next,
		Op:        l.op,
		OpID:      l.opID,
		Data:      data,
		CreatedAt: l.o.now().UTC(),
	}
	if st := l.o.store; st != nil {
		if err := st.AddEvent(ctx, ev); err != nil {
			l.logger.WarnContext(ctx, "recording event failed", "error", err)
		}
		if err := st.SetState(ctx, l.id, next, data); err != nil && !errors.Is(err, store.ErrNotFound) {
			l.logger.WarnContext(ctx, "recording state failed", "error", err)
		}
	}
	if l.o.bus != nil {
		l.o.bus.Publish(ev)
	}
}
