// sandboxd
//
// Provisions isolated, snapshot-able development sandboxes running a
// headless coding agent server, and exposes their lifecycle over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	serverURL  string
	apiToken   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - agent sandbox lifecycle service",
	Long: `sandboxd provisions development sandboxes that run a coding agent server,
and pauses, resumes and terminates them on request.

  sandboxd serve                                   Start the server
  sandboxd create --repo owner/repo                Create a sandbox (PAT from $GITHUB_TOKEN)
  sandboxd pause <sandbox-id>                      Snapshot and stop a sandbox
  sandboxd resume <snapshot-id>                    Start a new sandbox from a snapshot
  sandboxd terminate <sandbox-id>                  Destroy a sandbox
  sandboxd status <sandbox-id>                     Check whether a sandbox exists
  sandboxd logs <sandbox-id>                       Agent server diagnostics
  sandboxd history <sandbox-id>                    Recorded lifecycle of a sandbox`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOXD_SERVER", "http://localhost:7080"), "sandboxd server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $SANDBOXD_CONFIG or ./sandboxd.yaml)")
	apiToken = os.Getenv("SANDBOXD_API_SECRET")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
