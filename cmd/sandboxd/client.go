package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a sandboxd server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		token:   apiToken,
		// Create waits for clone and readiness probe.
		http: &http.Client{Timeout: 6 * time.Minute},
	}
}

// do sends a request and decodes the JSON response into a generic map. An
// {"error": ...} payload is returned as an error.
func (c *apiClient) do(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	// terminate and status report errors alongside a result.
	_, partial := out["success"]
	if _, ok := out["exists"]; ok {
		partial = true
	}
	if msg, ok := out["error"].(string); ok && msg != "" && !partial {
		return nil, errors.New(msg)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sandboxCommand builds a command that posts {"sandboxId": <arg>} to path.
func sandboxCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <sandbox-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient().do(http.MethodPost, path, map[string]string{"sandboxId": args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

var (
	createRepo     string
	createPATStdin bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox for a repository",
	Long: `Create a sandbox, clone the repository into it and start the agent server.

The personal access token is read from $GITHUB_TOKEN, or from the first line
of stdin with --pat-stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pat, err := readPAT(cmd.InOrStdin())
		if err != nil {
			return err
		}
		out, err := newAPIClient().do(http.MethodPost, "/api/create", map[string]string{
			"repo": createRepo,
			"pat":  pat,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func readPAT(stdin io.Reader) (string, error) {
	if !createPATStdin {
		if v := os.Getenv("GITHUB_TOKEN"); v != "" {
			return v, nil
		}
		return "", errors.New("no token: set GITHUB_TOKEN or use --pat-stdin")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	pat := strings.TrimSpace(line)
	if pat == "" {
		return "", errors.New("empty token on stdin")
	}
	return pat, nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume <snapshot-id>",
	Short: "Start a new sandbox from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newAPIClient().do(http.MethodPost, "/api/resume", map[string]string{"snapshotId": args[0]})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <sandbox-id>",
	Short: "Show the recorded lifecycle of a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newAPIClient().do(http.MethodGet, "/api/sandboxes/"+args[0], nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	createCmd.Flags().StringVarP(&createRepo, "repo", "r", "", "Repository (owner/repo)")
	createCmd.Flags().BoolVar(&createPATStdin, "pat-stdin", false, "Read the personal access token from stdin")
	createCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(
		createCmd,
		sandboxCommand("pause", "Snapshot a sandbox and stop it", "/api/pause"),
		resumeCmd,
		sandboxCommand("terminate", "Destroy a sandbox without saving state", "/api/terminate"),
		sandboxCommand("status", "Check whether a sandbox still exists", "/api/status"),
		sandboxCommand("logs", "Collect agent server diagnostics", "/api/logs"),
		historyCmd,
	)
}
