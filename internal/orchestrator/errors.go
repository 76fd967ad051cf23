package orchestrator

import "fmt"

// Provisioning and resume steps.
const (
	StepCreate   = "create"
	StepImage    = "image"
	StepIdentity = "identity"
	StepClone    = "clone"
	StepBranch   = "branch"
	StepAgent    = "agent"
	StepProbe    = "probe"
	StepTunnel   = "tunnel"
)

var stepMessages = map[string]string{
	StepCreate:   "Failed to create sandbox",
	StepImage:    "Failed to restore image from snapshot",
	StepIdentity: "Failed to configure git identity",
	StepClone:    "Failed to clone repository",
	StepAgent:    "Failed to start agent server",
	StepProbe:    "Agent server failed to start",
	StepTunnel:   "Failed to get tunnel URL",
}

func stepMessage(step string) string {
	if msg, ok := stepMessages[step]; ok {
		return msg
	}
	return "Failed at " + step
}

// ProvisionError is a fatal create failure. The partially created instance
// has already been cleaned up when it is returned.
type ProvisionError struct {
	Step      string
	SandboxID string // empty when the runtime never issued a handle
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: %v", stepMessage(e.Step), e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ResumeError is a fatal resume failure.
type ResumeError struct {
	Step       string
	SnapshotID string
	SandboxID  string
	Err        error
}

func (e *ResumeError) Error() string {
	if e.Step == StepProbe {
		return fmt.Sprintf("Agent server failed to start after resume: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", stepMessage(e.Step), e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// SnapshotError is a recoverable pause failure: the sandbox was left running.
type SnapshotError struct {
	SandboxID string
	Err       error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("Snapshot failed: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// TerminateError is a best-effort terminate failure. It is reported, never
// escalated.
type TerminateError struct {
	SandboxID string
	Err       error
}

func (e *TerminateError) Error() string { return e.Err.Error() }

func (e *TerminateError) Unwrap() error { return e.Err }
