// Package check provides the configuration and health checks
// that are run before and after a replication.
package check

import (
	"context"
	"log/slog"
	"sync"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/table"
)

// ScopeFlag scopes a check
type ScopeFlag uint8

const (
	ScopeNone ScopeFlag = iota
	ScopePreflight
	ScopePostRun
)

// Resources contains the resources needed for checks
type Resources struct {
	Source    backend.Endpoint
	Target    backend.Endpoint
	Databases []string // source databases being replicated
	Filter    table.Filter
	// For PostRun checks, the tables that were replicated.
	Tables []*table.TableInfo
}

type check struct {
	callback func(context.Context, Resources, *slog.Logger) error
	scope    ScopeFlag
}

var (
	checks map[string]check
	lock   sync.Mutex
)

// registerCheck registers a check (callback func) and a scope (aka time) that it is expected to be run
func registerCheck(name string, callback func(context.Context, Resources, *slog.Logger) error, scope ScopeFlag) {
	lock.Lock()
	defer lock.Unlock()
	if checks == nil {
		checks = make(map[string]check)
	}
	checks[name] = check{callback: callback, scope: scope}
}

// RunChecks runs all checks that are registered for the given scope
func RunChecks(ctx context.Context, r Resources, logger *slog.Logger, scope ScopeFlag) error {
	for _, check := range checks {
		if check.scope != scope {
			continue
		}
		err := check.callback(ctx, r, logger)
		if err != nil {
			return err
		}
	}
	return nil
}
