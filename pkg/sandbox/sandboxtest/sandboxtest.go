// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// Instance is a fake runtime instance.
type Instance struct {
	ID      string
	Options sandbox.CreateOptions
}

// Call records one Exec invocation.
type Call struct {
	ID      string
	Command []string
	Workdir string
	Stdin   string
}

// Line returns the command joined with spaces.
func (c Call) Line() string { return strings.Join(c.Command, " ") }

type rule struct {
	contains string
	result   sandbox.ExecResult
	err      error
	times    int // remaining matches, <0 means unlimited
}

// Runtime is a thread-safe fake Runtime. Exec results are scripted with On
// and OnN; unmatched commands succeed with empty output.
type Runtime struct {
	mu sync.Mutex

	instances map[string]*Instance
	snapshots map[string]string // snapshot id -> source instance id
	rules     []*rule
	calls     []Call
	seq       int

	// Injected failures.
	CreateErr    error
	SnapshotErr  error
	TerminateErr error
	TunnelErr    error
	ImageErr     error

	// Terminated lists ids passed to a successful Terminate, in order.
	Terminated []string
	// Order records runtime operations ("create", "snapshot", "terminate").
	Order []string
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		instances: make(map[string]*Instance),
		snapshots: make(map[string]string),
	}
}

// On scripts every Exec whose command line contains substr.
func (r *Runtime) On(substr string, res sandbox.ExecResult) {
	r.OnN(substr, -1, res)
}

// OnN scripts the next n Execs whose command line contains substr.
func (r *Runtime) OnN(substr string, n int, res sandbox.ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, &rule{contains: substr, result: res, times: n})
}

// OnErr makes Execs containing substr fail at the transport level.
func (r *Runtime) OnErr(substr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, &rule{contains: substr, err: err, times: -1})
}

// Add registers a running instance with the given id.
func (r *Runtime) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[id] = &Instance{ID: id}
}

// Running reports whether id is a live instance.
func (r *Runtime) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[id]
	return ok
}

// Instance returns the live instance for id, or nil.
func (r *Runtime) Instance(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id]
}

// Calls returns a copy of all recorded Exec calls.
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsContaining returns the recorded Execs whose command line contains substr.
func (r *Runtime) CallsContaining(substr string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if strings.Contains(c.Line(), substr) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Runtime) Create(_ context.Context, opts sandbox.CreateOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Order = append(r.Order, "create")
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.seq++
	id := fmt.Sprintf("sb-%d", r.seq)
	r.instances[id] = &Instance{ID: id, Options: opts}
	return id, nil
}

func (r *Runtime) Lookup(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return nil
}

func (r *Runtime) Exec(_ context.Context, id string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	var stdin string
	if req.Stdin != nil {
		b, err := io.ReadAll(req.Stdin)
		if err != nil {
			return nil, err
		}
		stdin = string(b)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	call := Call{ID: id, Command: req.Command, Workdir: req.Workdir, Stdin: stdin}
	r.calls = append(r.calls, call)

	line := call.Line()
	for _, rl := range r.rules {
		if rl.times == 0 || !strings.Contains(line, rl.contains) {
			continue
		}
		if rl.times > 0 {
			rl.times--
		}
		if rl.err != nil {
			return nil, rl.err
		}
		res := rl.result
		return &res, nil
	}
	return &sandbox.ExecResult{}, nil
}

func (r *Runtime) Tunnel(_ context.Context, id string, port int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TunnelErr != nil {
		return "", r.TunnelErr
	}
	if _, ok := r.instances[id]; !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return fmt.Sprintf("https://%s-%d.tunnel.test", id, port), nil
}

func (r *Runtime) Snapshot(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Order = append(r.Order, "snapshot")
	if r.SnapshotErr != nil {
		return "", r.SnapshotErr
	}
	if _, ok := r.instances[id]; !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	snap := fmt.Sprintf("im-%s-%d", id, len(r.snapshots)+1)
	r.snapshots[snap] = id
	return snap, nil
}

func (r *Runtime) ImageFromSnapshot(_ context.Context, snapshotID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ImageErr != nil {
		return "", r.ImageErr
	}
	if _, ok := r.snapshots[snapshotID]; !ok {
		return "", fmt.Errorf("snapshot %s: %w", snapshotID, sandbox.ErrNotFound)
	}
	return snapshotID, nil
}

// AddSnapshot registers a snapshot id as if captured from source.
func (r *Runtime) AddSnapshot(snapshotID, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snapshotID] = source
}

func (r *Runtime) Terminate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Order = append(r.Order, "terminate")
	if r.TerminateErr != nil {
		return r.TerminateErr
	}
	if _, ok := r.instances[id]; !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	delete(r.instances, id)
	r.Terminated = append(r.Terminated, id)
	return nil
}

var _ sandbox.Runtime = (*Runtime)(nil)
