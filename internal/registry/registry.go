// Package registry tracks generation jobs for progress polling.
//
// Each entry is owned by the pipeline task that runs the job: only that task
// advances it. Entries are immutable snapshots swapped atomically, so
// concurrent readers never observe a half-applied update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

type Registry struct {
	jobs   *xsync.Map[string, *domain.GenerationJob]
	store  store.JobStore
	logger *zap.Logger
}

func New(js store.JobStore, logger *zap.Logger) *Registry {
	return &Registry{
		jobs:   xsync.NewMap[string, *domain.GenerationJob](),
		store:  js,
		logger: logger,
	}
}

// Insert starts tracking a job that has already been opened in the JobStore.
func (r *Registry) Insert(job *domain.GenerationJob) {
	r.jobs.Store(job.RequestID, job.Clone())
}

// Get returns a copy of the job. Jobs not tracked in memory, such as those
// from before a restart, are read from the JobStore.
func (r *Registry) Get(ctx context.Context, requestID string) (*domain.GenerationJob, error) {
	if job, ok := r.jobs.Load(requestID); ok {
		return job.Clone(), nil
	}
	return r.store.GetJob(ctx, requestID)
}

// Advance records a stage output and raises progress. Progress never
// decreases. The update is persisted best-effort: the in-memory entry stays
// authoritative for polling while the process is alive.
func (r *Registry) Advance(ctx context.Context, requestID, stage, content string, progress int) (*domain.GenerationJob, error) {
	var opErr error
	next, _ := r.jobs.Compute(requestID, func(old *domain.GenerationJob, loaded bool) (*domain.GenerationJob, xsync.ComputeOp) {
		if !loaded {
			opErr = domain.ErrJobNotFound
			return old, xsync.CancelOp
		}
		if old.State.IsTerminal() {
			opErr = domain.ErrJobFinalized
			return old, xsync.CancelOp
		}
		job := old.Clone()
		if stage != "" {
			job.SetStage(stage, content)
		}
		if progress > job.Progress {
			job.Progress = min(progress, 99)
		}
		job.UpdatedAt = time.Now().UTC()
		return job, xsync.UpdateOp
	})
	if opErr != nil {
		return nil, opErr
	}

	if err := r.store.UpdateJob(ctx, next); err != nil {
		r.logger.Warn("Failed to persist job progress",
			zap.String("request_id", requestID),
			zap.Int("progress", next.Progress),
			zap.Error(err))
	}
	return next.Clone(), nil
}

// MarkDone completes the job in the JobStore and then in memory.
func (r *Registry) MarkDone(ctx context.Context, requestID string) error {
	job, ok := r.jobs.Load(requestID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State.IsTerminal() {
		return domain.ErrJobFinalized
	}
	if err := r.store.CompleteJob(ctx, requestID, job.Stages); err != nil {
		if errors.Is(err, domain.ErrJobFinalized) {
			r.settle(ctx, requestID)
		}
		return fmt.Errorf("complete job %s: %w", requestID, err)
	}
	r.finish(requestID, domain.JobDone)
	return nil
}

// MarkError fails the job and refunds its cost in the JobStore, then updates
// memory. refunded is false when the job had already been finalized, so a
// repeated call never refunds twice.
func (r *Registry) MarkError(ctx context.Context, requestID string) (refunded bool, err error) {
	refunded, err = r.store.FailJob(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", requestID, err)
	}
	if refunded {
		r.finish(requestID, domain.JobError)
	} else {
		r.settle(ctx, requestID)
	}
	return refunded, nil
}

// settle copies the terminal state recorded in the JobStore into memory when
// the job was finalized elsewhere, e.g. by another replica's recovery.
func (r *Registry) settle(ctx context.Context, requestID string) {
	if !r.Tracks(requestID) {
		return
	}
	stored, err := r.store.GetJob(ctx, requestID)
	if err != nil {
		r.logger.Warn("Failed to reload finalized job", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if !stored.State.IsTerminal() {
		return
	}
	r.jobs.Compute(requestID, func(old *domain.GenerationJob, loaded bool) (*domain.GenerationJob, xsync.ComputeOp) {
		if !loaded || old.State.IsTerminal() {
			return old, xsync.CancelOp
		}
		job := stored.Clone()
		job.Progress = 100
		job.UpdatedAt = time.Now().UTC()
		return job, xsync.UpdateOp
	})
	r.logger.Info("Job was finalized elsewhere",
		zap.String("request_id", requestID),
		zap.String("state", string(stored.State)))
}

func (r *Registry) finish(requestID string, state domain.JobState) {
	r.jobs.Compute(requestID, func(old *domain.GenerationJob, loaded bool) (*domain.GenerationJob, xsync.ComputeOp) {
		if !loaded || old.State.IsTerminal() {
			return old, xsync.CancelOp
		}
		job := old.Clone()
		job.State = state
		job.Progress = 100
		job.UpdatedAt = time.Now().UTC()
		return job, xsync.UpdateOp
	})
}

// Prune drops terminal jobs last updated before cutoff from memory. They
// remain readable through the JobStore.
func (r *Registry) Prune(cutoff time.Time) int {
	var stale []string
	r.jobs.Range(func(id string, job *domain.GenerationJob) bool {
		if job.State.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		r.jobs.Delete(id)
	}
	return len(stale)
}

// Tracks reports whether a non-terminal job is held in memory, meaning a
// pipeline in this process owns it.
func (r *Registry) Tracks(requestID string) bool {
	job, ok := r.jobs.Load(requestID)
	return ok && !job.State.IsTerminal()
}

// Len returns the number of jobs held in memory.
func (r *Registry) Len() int {
	return r.jobs.Size()
}
