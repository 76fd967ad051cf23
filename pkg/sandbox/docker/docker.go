// Package docker implements sandbox.Runtime using the Docker CLI.
//
// Snapshots are `docker commit` images and a resumed sandbox is a new
// container started from one. The hard session timeout is enforced by
// running `sleep <timeout>` as the container entrypoint together with --rm,
// so an instance that outlives its budget disappears on its own.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// ManagedLabel marks containers created by sandboxd.
const ManagedLabel = "sandboxd.managed=true"

// SnapshotRepository is the image repository snapshots are committed to.
const SnapshotRepository = "sandboxd/snapshot"

// Runtime implements sandbox.Runtime using Docker.
type Runtime struct {
	dockerBin string
}

// New creates a new Docker sandbox runtime.
func New() *Runtime {
	return &Runtime{
		dockerBin: findDocker(),
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

// createArgs builds the `docker run` argument list for opts.
func createArgs(opts sandbox.CreateOptions) []string {
	args := []string{"run", "-d", "--rm", "--label", ManagedLabel}

	keys := make([]string, 0, len(opts.Labels))
	for k := range opts.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.CPU, 'f', -1, 64))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	args = append(args, "--pids-limit", "512")

	for _, p := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", p))
	}

	lifetime := "infinity"
	if opts.Timeout > 0 {
		lifetime = strconv.Itoa(int(opts.Timeout / time.Second))
	}
	args = append(args, "--entrypoint", "sleep", opts.Image, lifetime)
	return args
}

// Create starts a new sandbox container. Returns the container ID.
func (r *Runtime) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	if opts.Image == "" {
		return "", errors.New("docker: image is required")
	}
	cmd := r.docker(ctx, createArgs(opts)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Lookup reports ErrNotFound unless the container exists and is running.
func (r *Runtime) Lookup(ctx context.Context, id string) error {
	cmd := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", id)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if isMissing(string(output)) {
			return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return fmt.Errorf("inspecting container: %w\noutput: %s", err, string(output))
	}
	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("%w: %s is not running", sandbox.ErrNotFound, id)
	}
	return nil
}

// Exec runs a command inside the container and collects its output.
func (r *Runtime) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	args := []string{"exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}
	if req.Workdir != "" {
		args = append(args, "-w", req.Workdir)
	}
	args = append(args, id)
	args = append(args, req.Command...)

	cmd := r.docker(ctx, args...)
	cmd.Stdin = req.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	if isMissing(res.Stderr) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	res.ExitCode = exitErr.ExitCode()
	return res, nil
}

// Tunnel returns the host URL docker published for the container port.
func (r *Runtime) Tunnel(ctx context.Context, id string, port int) (string, error) {
	cmd := r.docker(ctx, "port", id, fmt.Sprintf("%d/tcp", port))
	output, err := cmd.CombinedOutput()
	if err != nil {
		if isMissing(string(output)) {
			return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return "", fmt.Errorf("reading published port: %w\noutput: %s", err, string(output))
	}
	return parsePortOutput(string(output))
}

// parsePortOutput turns `docker port` output into an http URL, preferring
// the first IPv4 binding.
func parsePortOutput(output string) (string, error) {
	var first string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		if !strings.HasPrefix(line, "[") {
			first = line
			break
		}
	}
	if first == "" {
		return "", errors.New("port is not published")
	}
	if rest, ok := strings.CutPrefix(first, "0.0.0.0:"); ok {
		first = "127.0.0.1:" + rest
	}
	return "http://" + first, nil
}

// Snapshot commits the container filesystem to a new image and returns the
// image ID.
func (r *Runtime) Snapshot(ctx context.Context, id string) (string, error) {
	tag := fmt.Sprintf("%s:%s", SnapshotRepository, uuid.New().String()[:12])
	cmd := r.docker(ctx, "commit", "--pause=true", id, tag)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if isMissing(string(output)) {
			return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return "", fmt.Errorf("committing container: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// ImageFromSnapshot verifies the snapshot image exists locally.
func (r *Runtime) ImageFromSnapshot(ctx context.Context, snapshotID string) (string, error) {
	cmd := r.docker(ctx, "image", "inspect", "-f", "{{.Id}}", snapshotID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if isMissing(string(output)) {
			return "", fmt.Errorf("snapshot %s: %w", snapshotID, sandbox.ErrNotFound)
		}
		return "", fmt.Errorf("inspecting snapshot image: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Terminate kills and removes a sandbox container. A container that does
// not exist reports ErrNotFound.
func (r *Runtime) Terminate(ctx context.Context, id string) error {
	// rm -f exits zero for unknown containers on some daemons, so existence
	// is checked first.
	check := r.docker(ctx, "inspect", "-f", "{{.Id}}", id)
	if output, err := check.CombinedOutput(); err != nil {
		if isMissing(string(output)) {
			return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
		}
		return fmt.Errorf("inspecting container: %w\noutput: %s", err, string(output))
	}

	cmd := r.docker(ctx, "rm", "-f", id)
	output, err := cmd.CombinedOutput()
	if isMissing(string(output)) {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	check := r.docker(ctx, "network", "inspect", name)
	if check.Run() == nil {
		return nil
	}

	cmd := r.docker(ctx, "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

func isMissing(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no such object") ||
		strings.Contains(lower, "no such image") ||
		strings.Contains(lower, "is not running")
}

var _ sandbox.Runtime = (*Runtime)(nil)
