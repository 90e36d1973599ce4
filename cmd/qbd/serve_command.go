// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/uchouT/qb-downloader/internal/app"
	"github.com/uchouT/qb-downloader/internal/config"
)

const shutdownBudget = 15 * time.Second

func runServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the qbd engine: poll qBittorrent, drive task state, relay to Rclone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application.Start(ctx)
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
			defer cancel()
			application.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to the TOML configuration file")

	return cmd
}
