package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/sandboxd/internal/config"
)

// secretKeys are masked when printed.
var secretKeys = map[string]bool{
	"SANDBOXD_API_SECRET": true,
	"MODAL_TOKEN_ID":      true,
	"MODAL_TOKEN_SECRET":  true,
	"GITHUB_TOKEN":        true,
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sandboxd configuration",
	Long: `Manage sandboxd configuration.

Settings come from built-in defaults, an optional YAML file, the
~/.sandboxd/config.env file and SANDBOXD_* environment variables, in
increasing precedence.

  sandboxd config show               Show the effective configuration
  sandboxd config set KEY VALUE      Set a value in config.env
  sandboxd config path               Print config file paths`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Load the configuration the server would use and print it as YAML. Secrets are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		if cfg.File != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", cfg.File)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a value in config.env",
	Long: `Set a single environment value in ~/.sandboxd/config.env. Example:
  sandboxd config set SANDBOXD_API_SECRET my-shared-secret`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		yamlPath := config.DiscoverFile(configPath)
		if yamlPath == "" {
			yamlPath = "(none)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "yaml: %s\nenv:  %s\n", yamlPath, envFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// config.env helpers
// ---------------------------------------------------------------------------

// envFilePath returns ~/.sandboxd/config.env.
func envFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sandboxd", "config.env")
	}
	return filepath.Join(home, ".sandboxd", "config.env")
}

// loadEnvFile reads key=value pairs from config.env.
func loadEnvFile() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(envFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			values[key] = value
		}
	}
	return values, scanner.Err()
}

// saveEnvFile writes key=value pairs to config.env in sorted order.
func saveEnvFile(values map[string]string) error {
	path := envFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# sandboxd configuration")
	fmt.Fprintln(f, "# Managed by: sandboxd config set")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}
	return nil
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	values, err := loadEnvFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	values[key] = value
	if err := saveEnvFile(values); err != nil {
		return err
	}

	display := value
	if secretKeys[key] {
		display = maskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, display)
	return nil
}
