// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags, matching the teacher's own
// build-time version stamping convention.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "qbd",
		Short:   "qbd splits oversized torrents into parts and relays each through qBittorrent and Rclone",
		Version: version,
	}

	root.AddCommand(runServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
