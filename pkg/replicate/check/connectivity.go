package check

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/utils"
)

func init() {
	registerCheck("connectivity", connectivityCheck, ScopePreflight)
}

// connectivityCheck verifies both servers accept connections
// before any work starts.
func connectivityCheck(ctx context.Context, r Resources, logger *slog.Logger) error {
	for _, side := range []struct {
		name     string
		endpoint backend.Endpoint
	}{{"source", r.Source}, {"target", r.Target}} {
		conn, err := side.endpoint.Open(ctx, "")
		if err != nil {
			return fmt.Errorf("could not connect to %s %s: %w", side.name, side.endpoint, err)
		}
		version, err := conn.ServerVersion(ctx)
		utils.CloseAndLog(conn)
		if err != nil {
			return fmt.Errorf("could not query %s %s: %w", side.name, side.endpoint, err)
		}
		logger.Info("connected", "side", side.name, "server", side.endpoint.String(), "version", version)
	}
	return nil
}
