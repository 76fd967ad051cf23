// Package model defines the core data types shared across sandboxd.
package model

import "time"

// Sandbox is a sandbox handle as issued by the runtime, together with the
// attributes the orchestrator derived while provisioning it.
type Sandbox struct {
	ID        string    `json:"sandboxId"`
	Repo      string    `json:"repo,omitempty"`
	TunnelURL string    `json:"tunnelUrl"`
	Branch    string    `json:"branchName,omitempty"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// SourceSnapshot is set on sandboxes spawned by a resume.
	SourceSnapshot string `json:"sourceSnapshot,omitempty"`
}

// Snapshot is a captured filesystem state. SourceSandboxID is an audit
// back-reference only; a snapshot outlives the sandbox it was taken from.
type Snapshot struct {
	ID              string    `json:"snapshotId"`
	SourceSandboxID string    `json:"sourceSandboxId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Identity is the commit identity configured inside a sandbox.
type Identity struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Event is one recorded lifecycle transition or step outcome.
type Event struct {
	ID        int64     `json:"id"`
	SandboxID string    `json:"sandboxId"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Op        string    `json:"op,omitempty"`   // lifecycle operation, e.g. "pause"
	OpID      string    `json:"opId,omitempty"` // correlates the events of one operation
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
