// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/adiadia/browsertest-runner/internal/logging"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "runctl",
		Short:        "Drive the browser test runner",
		Long:         "runctl triggers test runs, follows their live events and prints test case state.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("server", "s", serverFromEnv(), "Base URL of the runner API")

	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReplayCommand())
	return rootCmd
}

func serverFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("RUNCTL_SERVER")); v != "" {
		return v
	}
	return defaultServer
}

func newLogger() *slog.Logger {
	return logging.NewLoggerTo(os.Getenv("ENV"), os.Stderr)
}
