package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/pkg/history"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

// MergeReport describes a completed merge.
type MergeReport struct {
	// Path is the main merged file that was written.
	Path string

	// RetryPath is the retry merged file, in retry mode only.
	RetryPath string

	// Results is the content written to Path.
	Results resultstore.Results
	Summary resultstore.Summary

	// Replaced counts main entries overridden by retry results.
	Replaced int

	// Ingested counts rows written to the history database.
	Ingested int

	// ReadErrors collects slot files that could not be read. Their jobs are
	// missing from Results; the merge itself still succeeded.
	ReadErrors error
}

// Merge combines the per-slot files into the merged file. In retry mode the
// retry slot files are merged into their own file first and then overlaid
// onto the main merged file. Unreadable slot files are reported in
// MergeReport.ReadErrors after everything readable has been written; the
// returned error is for write failures only.
func (o *Orchestrator) Merge(ctx context.Context, retry bool) (*MergeReport, error) {
	m := o.cfg.Manifest
	rep := &MergeReport{Path: m.MergedPath(false)}

	fresh, errs := resultstore.MergeAll(m.SlotFilePaths(retry)...)
	if errs != nil {
		o.log.Warn("Some slot files could not be read", zap.Error(errs))
		_ = o.cfg.Events.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeMerge, Message: errs.Error()})
	}

	final := fresh
	if retry {
		rep.RetryPath = m.MergedPath(true)
		if err := resultstore.WriteSorted(rep.RetryPath, fresh); err != nil {
			return nil, multierr.Append(errs, fmt.Errorf("write retry results: %w", err))
		}
		main, err := resultstore.Load(rep.Path)
		if err != nil {
			return nil, multierr.Append(errs, fmt.Errorf("load main results: %w", err))
		}
		final, rep.Replaced = resultstore.ApplyRetry(main, fresh)
	}

	if err := resultstore.WriteSorted(rep.Path, final); err != nil {
		return nil, multierr.Append(errs, fmt.Errorf("write merged results: %w", err))
	}
	rep.Results = final
	rep.Summary = resultstore.Summarize(final)
	rep.ReadErrors = errs

	if o.cfg.History != nil && len(fresh) > 0 {
		n, err := history.Ingest(ctx, o.cfg.History, o.cfg.RunID, fresh)
		rep.Ingested = n
		if err != nil {
			// History is advisory; a failed ingest does not fail the merge.
			o.log.Warn("History ingest failed", zap.Error(err))
		}
	}

	o.log.Info("Results merged",
		zap.String("path", rep.Path),
		zap.Int("jobs", len(final)),
		zap.Int("replaced", rep.Replaced),
		zap.Bool("retry", retry))
	return rep, nil
}
