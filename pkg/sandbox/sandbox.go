// Package sandbox defines the Runtime interface for sandboxd execution backends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ErrNotFound is returned (possibly wrapped) when the runtime has no live
// instance for a handle: never created, terminated, or reclaimed by timeout.
var ErrNotFound = errors.New("sandbox not found")

// CreateOptions configures a new runtime instance.
type CreateOptions struct {
	Image    string        // image reference; a snapshot image on resume
	CPU      float64       // fractional cores
	MemoryMB int           // memory in megabytes
	Ports    []int         // ports to expose through a tunnel
	Timeout  time.Duration // hard wall-clock lifetime
	Network  string        // docker network name, ignored by other backends
	Labels   map[string]string
}

// ExecRequest is a single command run inside an instance.
type ExecRequest struct {
	Command []string
	Workdir string
	// Stdin is streamed to the process. Secrets are passed this way so they
	// never appear in a process argument list.
	Stdin io.Reader
}

// ExecResult is the outcome of a command that ran to completion. A non-zero
// ExitCode is not an error; transport failures are.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r *ExecResult) OK() bool { return r != nil && r.ExitCode == 0 }

// Runtime is the capability surface of an isolated-execution platform.
type Runtime interface {
	// Create starts a new instance and returns its handle.
	Create(ctx context.Context, opts CreateOptions) (id string, err error)
	// Lookup resolves a handle, returning ErrNotFound when it is gone.
	Lookup(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error)
	// Tunnel returns the externally reachable URL for an exposed port.
	Tunnel(ctx context.Context, id string, port int) (url string, err error)
	// Snapshot captures the instance filesystem and returns a snapshot id.
	Snapshot(ctx context.Context, id string) (snapshotID string, err error)
	// ImageFromSnapshot resolves a snapshot id to an image usable in Create.
	ImageFromSnapshot(ctx context.Context, snapshotID string) (image string, err error)
	Terminate(ctx context.Context, id string) error
}

// Executor runs commands inside one bound instance.
type Executor interface {
	ID() string
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

type boundExecutor struct {
	rt Runtime
	id string
}

// Bind returns an Executor for the instance id on rt.
func Bind(rt Runtime, id string) Executor {
	return &boundExecutor{rt: rt, id: id}
}

func (b *boundExecutor) ID() string { return b.id }

func (b *boundExecutor) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return b.rt.Exec(ctx, b.id, req)
}

// Run is shorthand for executing argv with no stdin.
func Run(ctx context.Context, ex Executor, workdir string, argv ...string) (*ExecResult, error) {
	return ex.Exec(ctx, ExecRequest{Command: argv, Workdir: workdir})
}

// WriteFile streams content to path inside the instance over stdin. When
// private is set the file is created under umask 077.
func WriteFile(ctx context.Context, ex Executor, path, content string, private bool) error {
	script := "cat > " + shellquote.Join(path)
	if private {
		script = "umask 077 && " + script
	}
	res, err := ex.Exec(ctx, ExecRequest{
		Command: []string{"sh", "-c", script},
		Stdin:   strings.NewReader(content),
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
