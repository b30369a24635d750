// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath   string
	logLevelFlag string // CLI override for log_level (debug/info/warn/error)
	portFlag     int    // CLI override for server.port
	goalContext  string // free-text background submitted with the goal

	rootCmd = &cobra.Command{
		Use:   "explorer",
		Short: "A goal-exploration engine that decomposes goals into task graphs",
		Long: `Explorer decomposes a goal into dependency graphs of questions,
resolves each node by web search, user input, or sandboxed calculation,
and escalates unanswerable searches through query refinement to
first-principles estimation.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the session server (REST + websocket)",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	exploreCmd = &cobra.Command{
		Use:   "explore [goal]",
		Short: "Explore one goal in the terminal and print the resulting graphs",
		Args:  cobra.ExactArgs(1),
		RunE:  runExplore, // Defined in cmd_explore.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML config file (defaults + env vars used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Override the configured log level (debug/info/warn/error)")

	serveCmd.Flags().IntVar(&portFlag, "port", 0,
		"Override the configured listen port")

	exploreCmd.Flags().StringVar(&goalContext, "context", "",
		"Additional background for the goal")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exploreCmd)
}
