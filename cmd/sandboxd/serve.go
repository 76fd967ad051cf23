package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/sandboxd"
	"github.com/jxucoder/sandboxd/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandboxd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := sandboxd.NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		app, err := sandboxd.NewBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			Build()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
