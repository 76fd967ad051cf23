// Package modal implements sandbox.Runtime on Modal Sandboxes.
package modal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	modalsdk "github.com/modal-labs/libmodal/modal-go"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// tunnelWait bounds how long Tunnel waits for the platform to publish ports.
const tunnelWait = 30 * time.Second

// snapshotWait bounds a filesystem snapshot.
const snapshotWait = 55 * time.Second

// Runtime implements sandbox.Runtime against the Modal control plane.
type Runtime struct {
	client  *modalsdk.Client
	appName string

	mu  sync.Mutex
	app *modalsdk.App
}

// New creates a Modal runtime. Credentials are read by the SDK from
// MODAL_TOKEN_ID / MODAL_TOKEN_SECRET or ~/.modal.toml.
func New(appName string) (*Runtime, error) {
	client, err := modalsdk.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Runtime{client: client, appName: appName}, nil
}

func (r *Runtime) resolveApp(ctx context.Context) (*modalsdk.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app != nil {
		return r.app, nil
	}
	app, err := r.client.Apps.FromName(ctx, r.appName, &modalsdk.AppFromNameParams{CreateIfMissing: true})
	if err != nil {
		return nil, fmt.Errorf("resolving modal app %q: %w", r.appName, err)
	}
	r.app = app
	return app, nil
}

func (r *Runtime) resolveImage(ctx context.Context, ref string) (*modalsdk.Image, error) {
	if isImageID(ref) {
		return r.client.Images.FromID(ctx, ref)
	}
	return r.client.Images.FromRegistry(ref, nil), nil
}

// isImageID distinguishes Modal image object ids (snapshots) from registry tags.
func isImageID(ref string) bool {
	return strings.HasPrefix(ref, "im-")
}

// createParams maps CreateOptions onto the SDK parameters.
func createParams(opts sandbox.CreateOptions) *modalsdk.SandboxCreateParams {
	return &modalsdk.SandboxCreateParams{
		CPU:            opts.CPU,
		MemoryMiB:      opts.MemoryMB,
		Timeout:        opts.Timeout,
		EncryptedPorts: opts.Ports,
	}
}

func (r *Runtime) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	app, err := r.resolveApp(ctx)
	if err != nil {
		return "", err
	}
	image, err := r.resolveImage(ctx, opts.Image)
	if err != nil {
		return "", fmt.Errorf("resolving image %q: %w", opts.Image, err)
	}
	sb, err := r.client.Sandboxes.Create(ctx, app, image, createParams(opts))
	if err != nil {
		return "", fmt.Errorf("creating modal sandbox: %w", err)
	}
	return sb.SandboxID, nil
}

func (r *Runtime) fromID(ctx context.Context, id string) (*modalsdk.Sandbox, error) {
	sb, err := r.client.Sandboxes.FromID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return nil, err
	}
	return sb, nil
}

// Lookup resolves the handle and reports ErrNotFound once it has exited.
func (r *Runtime) Lookup(ctx context.Context, id string) error {
	sb, err := r.fromID(ctx, id)
	if err != nil {
		return err
	}
	code, err := sb.Poll(ctx)
	if err != nil {
		return fmt.Errorf("polling modal sandbox: %w", err)
	}
	if code != nil {
		return fmt.Errorf("%w: %s exited with code %d", sandbox.ErrNotFound, id, *code)
	}
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	sb, err := r.fromID(ctx, id)
	if err != nil {
		return nil, err
	}
	proc, err := sb.Exec(ctx, req.Command, &modalsdk.SandboxExecParams{Workdir: req.Workdir})
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}

	if req.Stdin != nil {
		if _, err := io.Copy(proc.Stdin, req.Stdin); err != nil {
			return nil, fmt.Errorf("writing stdin: %w", err)
		}
	}
	if err := proc.Stdin.Close(); err != nil {
		return nil, fmt.Errorf("closing stdin: %w", err)
	}

	var stdout, stderr []byte
	var g errgroup.Group
	g.Go(func() error {
		var err error
		stdout, err = io.ReadAll(proc.Stdout)
		return err
	})
	g.Go(func() error {
		var err error
		stderr, err = io.ReadAll(proc.Stderr)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	code, err := proc.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for exec: %w", err)
	}
	return &sandbox.ExecResult{ExitCode: code, Stdout: string(stdout), Stderr: string(stderr)}, nil
}

func (r *Runtime) Tunnel(ctx context.Context, id string, port int) (string, error) {
	sb, err := r.fromID(ctx, id)
	if err != nil {
		return "", err
	}
	tunnels, err := sb.Tunnels(ctx, tunnelWait)
	if err != nil {
		return "", fmt.Errorf("reading tunnels: %w", err)
	}
	t, ok := tunnels[port]
	if !ok {
		return "", fmt.Errorf("no tunnel for port %d", port)
	}
	return t.URL(), nil
}

func (r *Runtime) Snapshot(ctx context.Context, id string) (string, error) {
	sb, err := r.fromID(ctx, id)
	if err != nil {
		return "", err
	}
	img, err := sb.SnapshotFilesystem(ctx, snapshotWait)
	if err != nil {
		return "", err
	}
	return img.ImageID, nil
}

func (r *Runtime) ImageFromSnapshot(ctx context.Context, snapshotID string) (string, error) {
	img, err := r.client.Images.FromID(ctx, snapshotID)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("snapshot %s: %w", snapshotID, sandbox.ErrNotFound)
		}
		return "", err
	}
	return img.ImageID, nil
}

func (r *Runtime) Terminate(ctx context.Context, id string) error {
	sb, err := r.fromID(ctx, id)
	if err != nil {
		return err
	}
	return sb.Terminate(ctx)
}

func isNotFound(err error) bool {
	var nf modalsdk.NotFoundError
	return errors.As(err, &nf)
}

var _ sandbox.Runtime = (*Runtime)(nil)
