package check

import (
	"context"
	"log/slog"

	"github.com/block/replicator/pkg/dbconn"
	"github.com/block/replicator/pkg/utils"
)

func init() {
	registerCheck("version", versionCheck, ScopePreflight)
}

// versionCheck warns when the source and target run different major
// versions. DDL from a newer server may not be accepted by an older one,
// but that is reported per object rather than failing the run.
func versionCheck(ctx context.Context, r Resources, logger *slog.Logger) error {
	source, err := serverVersion(ctx, r, true)
	if err != nil {
		return err
	}
	target, err := serverVersion(ctx, r, false)
	if err != nil {
		return err
	}
	if dbconn.MajorVersion(source) != dbconn.MajorVersion(target) {
		logger.Warn("source and target run different MySQL versions, some objects may fail to replicate",
			"source-version", source, "target-version", target)
	}
	return nil
}

func serverVersion(ctx context.Context, r Resources, source bool) (string, error) {
	endpoint := r.Target
	if source {
		endpoint = r.Source
	}
	conn, err := endpoint.Open(ctx, "")
	if err != nil {
		return "", err
	}
	defer utils.CloseAndLog(conn)
	return conn.ServerVersion(ctx)
}
