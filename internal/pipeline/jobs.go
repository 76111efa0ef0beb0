package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"klinefeed/internal/gather"
	"klinefeed/internal/metrics"
	"klinefeed/internal/store"
)

// Compile-time interface checks.
var _ gather.Gatherer = (*BackfillJob)(nil)
var _ gather.Gatherer = (*RecentJob)(nil)

// Job kinds recorded in the run log.
const (
	KindBackfill = "backfill"
	KindRecent   = "recent"
)

// BackfillJob is one incremental backfill tick: plan, fetch the selected
// weekly partitions, then rebuild the symbols they touched.
type BackfillJob struct {
	runner *Runner
	runs   store.RunLog
	log    *slog.Logger
}

// NewBackfillJob creates a BackfillJob. runs may be nil.
func NewBackfillJob(r *Runner, runs store.RunLog) *BackfillJob {
	return &BackfillJob{runner: r, runs: runs, log: slog.Default().With("job", KindBackfill)}
}

// Name returns the job identifier.
func (j *BackfillJob) Name() string { return KindBackfill }

// Run performs one backfill tick. A tick with nothing to do is not an error;
// a tick where any partition failed is.
func (j *BackfillJob) Run(ctx context.Context) error {
	run := j.start(ctx)
	defer j.finish(ctx, &run)

	plan, err := j.runner.Plan(ctx)
	if err != nil {
		run.Err = err.Error()
		return err
	}
	if plan.Skipped() {
		run.SkipReason = plan.SkipReason
		j.log.Info("skipping tick", "runID", run.ID, "reason", plan.SkipReason)
		return nil
	}
	run.Planned = len(plan.Keys)

	batch := j.runner.RunWeekly(ctx, run.ID, plan.Keys)
	run.Succeeded, run.Failed = batch.Succeeded, batch.Failed

	if affected := batch.Symbols(); len(affected) > 0 {
		j.runner.Rebuild(ctx, run.ID, affected)
	}
	return batchResult(ctx, &run, batch)
}

func (j *BackfillJob) start(ctx context.Context) store.Run {
	return startRun(ctx, j.runs, KindBackfill, j.runner.now())
}

func (j *BackfillJob) finish(ctx context.Context, run *store.Run) {
	finishRun(ctx, j.runs, run, j.runner.now(), j.log)
}

// RecentJob refreshes the current partial week of every symbol and rebuilds
// the symbols whose refresh succeeded.
type RecentJob struct {
	runner *Runner
	runs   store.RunLog
	log    *slog.Logger
}

// NewRecentJob creates a RecentJob. runs may be nil.
func NewRecentJob(r *Runner, runs store.RunLog) *RecentJob {
	return &RecentJob{runner: r, runs: runs, log: slog.Default().With("job", KindRecent)}
}

// Name returns the job identifier.
func (j *RecentJob) Name() string { return KindRecent }

// Run performs one refresh pass.
func (j *RecentJob) Run(ctx context.Context) error {
	run := startRun(ctx, j.runs, KindRecent, j.runner.now())
	defer finishRun(ctx, j.runs, &run, j.runner.now(), j.log)

	symbols := j.runner.Symbols()
	run.Planned = len(symbols)

	batch := j.runner.RefreshRecent(ctx, run.ID, symbols)
	run.Succeeded, run.Failed = batch.Succeeded, batch.Failed

	if affected := batch.Symbols(); len(affected) > 0 {
		j.runner.Rebuild(ctx, run.ID, affected)
	}
	return batchResult(ctx, &run, batch)
}

// batchResult records batch failures on run and turns them into the job's
// error, so a tick where units failed is reported as failed.
func batchResult(ctx context.Context, run *store.Run, batch BatchReport) error {
	if err := ctx.Err(); err != nil {
		if batch.Failed > 0 {
			run.Err = err.Error()
		}
		return err
	}
	err := batch.Err()
	if err == nil {
		return nil
	}
	run.Err = err.Error()
	return fmt.Errorf("%d of %d %s units failed: %w", batch.Failed, len(batch.Outcomes), batch.Asset, err)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func startRun(ctx context.Context, runs store.RunLog, kind string, now time.Time) store.Run {
	run := store.Run{ID: NewRunID(), Kind: kind, StartedAt: now.UTC()}
	if runs != nil {
		if err := runs.SaveRun(ctx, run); err != nil {
			slog.Warn("saving run start failed", "runID", run.ID, "err", err)
		}
	}
	return run
}

func finishRun(ctx context.Context, runs store.RunLog, run *store.Run, now time.Time, log *slog.Logger) {
	run.FinishedAt = now.UTC()
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	metrics.RunDuration.WithLabelValues(run.Kind).Observe(elapsed.Seconds())
	log.Info("run finished", "runID", run.ID, "planned", run.Planned,
		"succeeded", run.Succeeded, "failed", run.Failed, "elapsed", elapsed.Round(time.Millisecond))

	if runs == nil {
		return
	}
	// Record the outcome even when ctx was cancelled mid-run.
	if err := runs.SaveRun(context.WithoutCancel(ctx), *run); err != nil {
		log.Warn("saving run failed", "runID", run.ID, "err", err)
	}
}
