// Package agent defines the agent servers sandboxd can run inside a sandbox.
// Each implementation describes how to launch a long-lived HTTP server for a
// headless coding agent and how to tell that it is healthy.
package agent

import (
	"fmt"
	"sort"
)

// Server describes an in-sandbox agent HTTP server.
type Server interface {
	// Name returns the agent identifier (e.g. "opencode").
	Name() string

	// Port is the port the server listens on inside the sandbox. It is the
	// port exposed through the runtime tunnel.
	Port() int

	// HealthPath is the GET endpoint that answers 200 once the server is ready.
	HealthPath() string

	// SessionPath is the POST endpoint that opens an agent session. It is
	// used for diagnostics only.
	SessionPath() string

	// ServeArgs returns the argv that runs the server in the foreground.
	ServeArgs() []string

	// ConfigFile returns a file to write into the clone before the server
	// starts. An empty name means no file is needed.
	ConfigFile() (name string, content []byte)
}

// Registry holds named Server implementations.
var registry = map[string]Server{}

// Register adds a Server to the global registry.
func Register(s Server) {
	registry[s.Name()] = s
}

// Get returns a Server by name, or an error if not found.
func Get(name string) (Server, error) {
	if s, ok := registry[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown agent server: %q", name)
}

// Default returns the default Server (OpenCode).
func Default() Server {
	return registry["opencode"]
}

// Resolve returns the Server for the given name.
// Empty string or "auto" returns the default server.
func Resolve(name string) Server {
	if name == "" || name == "auto" {
		return Default()
	}
	if s, ok := registry[name]; ok {
		return s
	}
	return Default()
}

// Names returns all registered server names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthURL is the in-sandbox URL of the server's health endpoint.
func HealthURL(s Server) string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port(), s.HealthPath())
}

// SessionURL is the in-sandbox URL of the server's session endpoint.
func SessionURL(s Server) string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port(), s.SessionPath())
}

func init() {
	Register(&OpenCode{})
}
