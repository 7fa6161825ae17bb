// Package verification checks recovered data against the templates it was
// minted from, and cross-checks a finished run against its metrics.
package verification

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/availbench/internal/metrics"
	"github.com/gateway-fm/availbench/internal/workload"
	"github.com/gateway-fm/availbench/pkg/types"
)

var (
	// ErrUnknownCandidate is returned for a candidate the reverse index does
	// not know.
	ErrUnknownCandidate = errors.New("candidate not in reverse index")

	// ErrDataMismatch is returned when recovered data differs from its template.
	ErrDataMismatch = errors.New("recovered data does not match template")

	// ErrEmptyResult is returned for a result that carries no data.
	ErrEmptyResult = errors.New("empty recovery result")
)

// Index resolves a candidate to the template it was minted from.
type Index interface {
	TemplateIndex(hash common.Hash) (int, bool)
	Template(i int) (*workload.Template, bool)
}

// Verifier validates recovery results.
type Verifier struct {
	index  Index
	logger *slog.Logger
}

// NewVerifier creates a new verifier backed by index.
func NewVerifier(index Index, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{index: index, logger: logger}
}

// Check compares data recovered for candidate against its template and
// returns the template's encoded size.
func (v *Verifier) Check(candidate common.Hash, data *workload.AvailableData) (int, error) {
	if data == nil {
		return 0, fmt.Errorf("%w: %s", ErrEmptyResult, candidate)
	}
	i, ok := v.index.TemplateIndex(candidate)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidate)
	}
	tmpl, ok := v.index.Template(i)
	if !ok {
		return 0, fmt.Errorf("%w: template %d of %s", ErrUnknownCandidate, i, candidate)
	}

	want := tmpl.Data
	switch {
	case !bytes.Equal(data.PoV, want.PoV):
		return 0, fmt.Errorf("%w: candidate %s PoV differs (%d bytes, want %d)",
			ErrDataMismatch, candidate, len(data.PoV), len(want.PoV))
	case !bytes.Equal(data.ValidationData.ParentHead, want.ValidationData.ParentHead),
		data.ValidationData.RelayParentNumber != want.ValidationData.RelayParentNumber,
		data.ValidationData.RelayParentStorageRoot != want.ValidationData.RelayParentStorageRoot,
		data.ValidationData.MaxPoVSize != want.ValidationData.MaxPoVSize:
		return 0, fmt.Errorf("%w: candidate %s validation data differs", ErrDataMismatch, candidate)
	}
	return tmpl.EncodedSize(), nil
}

// VerifyRun cross-checks a finished report against the metrics registry
// snapshot taken at the end of the run. expectedRecoveries is blocks times
// cores per block.
func (v *Verifier) VerifyRun(report *types.RunReport, snap metrics.Snapshot, expectedRecoveries uint64) *types.RunVerification {
	result := &types.RunVerification{ExpectedRecoveries: expectedRecoveries}

	result.MetricsBytes = uint64(snap.SumBy(metrics.BytesRecoveredTotal))
	result.BytesMatch = result.MetricsBytes == report.BytesRecovered
	result.RecoveriesMatch = report.Recoveries == expectedRecoveries
	result.RoundsComplete = len(report.Blocks) == report.Params.Blocks

	if report.BytesRecovered > 0 {
		result.NetworkRatio = float64(report.NetworkBytesReceived) / float64(report.BytesRecovered)
	}

	v.logger.Info("verifying run",
		"bytesRecovered", report.BytesRecovered,
		"metricsBytes", result.MetricsBytes,
		"recoveries", report.Recoveries,
		"expectedRecoveries", expectedRecoveries,
		"blocks", len(report.Blocks))

	if !result.BytesMatch {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("report counts %d bytes recovered, metrics count %d", report.BytesRecovered, result.MetricsBytes))
	}
	if !result.RecoveriesMatch {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d recoveries completed", report.Recoveries, expectedRecoveries))
	}
	if !result.RoundsComplete {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d blocks completed", len(report.Blocks), report.Params.Blocks))
	}
	if report.PersistentOverrun {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d blocks overran their time budget", report.Overruns, len(report.Blocks)))
	}

	result.AllChecksPass = result.BytesMatch && result.RecoveriesMatch && result.RoundsComplete

	v.logger.Info("verification complete",
		"allChecksPass", result.AllChecksPass,
		"warnings", len(result.Warnings))

	return result
}
