package check

import (
	"context"
	"errors"
	"log/slog"

	"github.com/block/replicator/pkg/utils"
)

func init() {
	registerCheck("target_state", targetStateCheck, ScopePreflight)
}

// targetStateCheck verifies the target accepts writes. A read only
// target would otherwise only fail after the schema has been read.
func targetStateCheck(ctx context.Context, r Resources, logger *slog.Logger) error {
	conn, err := r.Target.Open(ctx, "")
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(conn)
	readOnly, err := conn.ReadOnly(ctx)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("target server is read only")
	}
	return nil
}
