package worker

import (
	"errors"
	"log/slog"
	"os"

	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
)

// Run is the out-of-process entry point: it reads the environment contract
// set by the launcher, dials the endpoint, and serves until the host asks
// it to quit or disappears. The caller maps ErrVersionMismatch to
// protocol.ExitCodeVersionMismatch.
func Run(logger *slog.Logger) error {
	endpoint := os.Getenv(protocol.EnvEndpoint)
	if endpoint == "" {
		return errors.New("worker: " + protocol.EnvEndpoint + " is not set; run under a viewhost supervisor")
	}
	headless := os.Getenv(protocol.EnvMode) == protocol.ModeHeadless

	logger.Info("Worker connecting",
		"endpoint", endpoint,
		"host_version", os.Getenv(protocol.EnvVersion),
		"headless", headless)

	conn, err := transport.Dial(endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	return Serve(conn, Options{Headless: headless, Logger: logger})
}
