package agent

import (
	"encoding/json"
	"strconv"
)

// OpenCodePort is the port opencode serve listens on.
const OpenCodePort = 4096

// OpenCode wraps `opencode serve`, the headless OpenCode HTTP server.
// OpenCode is model-agnostic and MIT licensed.
type OpenCode struct{}

func (a *OpenCode) Name() string        { return "opencode" }
func (a *OpenCode) Port() int           { return OpenCodePort }
func (a *OpenCode) HealthPath() string  { return "/global/health" }
func (a *OpenCode) SessionPath() string { return "/session" }

func (a *OpenCode) ServeArgs() []string {
	return []string{"opencode", "serve", "--port", strconv.Itoa(OpenCodePort), "--hostname", "0.0.0.0"}
}

// ConfigFile returns opencode.json binding the server to all interfaces so
// the tunnel can reach it. The model is left to OpenCode's default.
func (a *OpenCode) ConfigFile() (string, []byte) {
	cfg := map[string]any{
		"server": map[string]any{
			"port":     OpenCodePort,
			"hostname": "0.0.0.0",
		},
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return "opencode.json", data
}
