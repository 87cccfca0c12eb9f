// Package checksum verifies that a copied table matches its source.
// Every table has its row count compared, and smaller tables also have
// a checksum of their contents compared.
package checksum

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// FingerprintThreshold is the row count at and above which only row counts are compared.
const FingerprintThreshold = 100000

// Result is the verification outcome of one table.
type Result struct {
	Table             string `json:"table"`
	SourceRows        uint64 `json:"source_rows"`
	TargetRows        uint64 `json:"target_rows"`
	Fingerprinted     bool   `json:"fingerprinted"`
	SourceFingerprint string `json:"source_fingerprint,omitempty"`
	TargetFingerprint string `json:"target_fingerprint,omitempty"`
	Err               error  `json:"-"`
}

// OK returns true if the table passed verification.
func (r Result) OK() bool {
	if r.Err != nil || r.SourceRows != r.TargetRows {
		return false
	}
	return !r.Fingerprinted || r.SourceFingerprint == r.TargetFingerprint
}

// Reason describes why verification failed.
func (r Result) Reason() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.SourceRows != r.TargetRows:
		return fmt.Sprintf("row count mismatch: source=%d target=%d", r.SourceRows, r.TargetRows)
	case r.Fingerprinted && r.SourceFingerprint != r.TargetFingerprint:
		return fmt.Sprintf("checksum mismatch: source=%s target=%s", r.SourceFingerprint, r.TargetFingerprint)
	}
	return ""
}

type VerifierConfig struct {
	Concurrency int
	Logger      *slog.Logger
}

func NewVerifierDefaultConfig() *VerifierConfig {
	return &VerifierConfig{
		Concurrency: 4,
		Logger:      slog.Default(),
	}
}

type Verifier struct {
	source         backend.Endpoint
	target         backend.Endpoint
	targetDatabase string
	concurrency    int
	logger         *slog.Logger
}

func NewVerifier(source, target backend.Endpoint, targetDatabase string, config *VerifierConfig) *Verifier {
	v := &Verifier{
		source:         source,
		target:         target,
		targetDatabase: targetDatabase,
		concurrency:    config.Concurrency,
		logger:         config.Logger,
	}
	if v.concurrency < 1 {
		v.concurrency = 1
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// VerifyTables verifies tables concurrently and returns
// the results in the same order as tables.
func (v *Verifier) VerifyTables(ctx context.Context, tables []*table.TableInfo) []Result {
	results := make([]Result, len(tables))
	g := new(errgroup.Group)
	g.SetLimit(v.concurrency)
	for i, tbl := range tables {
		g.Go(func() error {
			results[i] = v.VerifyTable(ctx, tbl)
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors
	return results
}

// VerifyTable compares the row counts of tbl on the source and the target.
// Tables with fewer than FingerprintThreshold rows on the source also have
// their checksums compared, with rows ordered by the primary key or by
// every column when the table has none. Errors reading either side are a failure.
func (v *Verifier) VerifyTable(ctx context.Context, tbl *table.TableInfo) Result {
	res := Result{Table: tbl.String()}
	defer func() {
		if res.OK() {
			v.logger.Info("table verified", "table", res.Table, "rows", res.SourceRows, "checksum", res.Fingerprinted)
		} else {
			v.logger.Error("table verification failed", "table", res.Table, "reason", res.Reason())
		}
	}()
	src, err := v.source.Open(ctx, tbl.SchemaName)
	if err != nil {
		res.Err = fmt.Errorf("could not open source connection: %w", err)
		return res
	}
	defer utils.CloseAndLog(src)
	dst, err := v.target.Open(ctx, v.targetDatabase)
	if err != nil {
		res.Err = fmt.Errorf("could not open target connection: %w", err)
		return res
	}
	defer utils.CloseAndLog(dst)

	if res.SourceRows, err = src.CountRows(ctx, tbl.TableName); err != nil {
		res.Err = fmt.Errorf("could not count source rows: %w", err)
		return res
	}
	if res.TargetRows, err = dst.CountRows(ctx, tbl.TableName); err != nil {
		res.Err = fmt.Errorf("could not count target rows: %w", err)
		return res
	}
	if res.SourceRows != res.TargetRows || res.SourceRows >= FingerprintThreshold {
		return res
	}
	res.Fingerprinted = true
	if res.SourceFingerprint, err = src.Fingerprint(ctx, tbl.TableName, tbl.NonGeneratedColumns, tbl.KeyColumns); err != nil {
		res.Err = fmt.Errorf("could not checksum source: %w", err)
		return res
	}
	if res.TargetFingerprint, err = dst.Fingerprint(ctx, tbl.TableName, tbl.NonGeneratedColumns, tbl.KeyColumns); err != nil {
		res.Err = fmt.Errorf("could not checksum target: %w", err)
		return res
	}
	return res
}
