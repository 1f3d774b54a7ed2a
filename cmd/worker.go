// Package cmd holds the cobra subcommands of the viewhost binary.
package cmd

import (
	"errors"
	"os"

	"github.com/glasspane/viewhost/internal/logging"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/worker"
	"github.com/spf13/cobra"
)

// CreateWorkerCmd creates the worker command. The supervisor re-executes
// its own binary with this subcommand; the connection endpoint and mode
// arrive through the environment, not flags.
func CreateWorkerCmd() *cobra.Command {
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the view worker process",
		Long: `Connects back to the supervising viewhost process using the endpoint ` +
			`from the environment and serves the view protocol until told to quit. ` +
			`Not intended to be run by hand.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			// Initialize minimal logging
			loggingConfig := logging.Config{
				Level:  "info",
				Format: "text",
			}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("worker").With("pid", os.Getpid())

			if err := worker.Run(logger); err != nil {
				if errors.Is(err, worker.ErrVersionMismatch) {
					// The supervisor keys on this exact code: respawning
					// cannot fix a version skew.
					logger.Error("Protocol version mismatch", "error", err)
					os.Exit(protocol.ExitCodeVersionMismatch)
				}
				logger.Error("Worker failed", "error", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	return cmd
}
