package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/punchamoorthee/creditledger/internal/content"
	"github.com/punchamoorthee/creditledger/internal/docstore"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/registry"
	"github.com/punchamoorthee/creditledger/internal/retry"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PipelineConfig shapes generation jobs and their prices.
type PipelineConfig struct {
	PrimaryStage  string
	AssetStages   []string
	AssetFallback string
	SectionStage  string

	JobCost     decimal.Decimal
	SectionCost decimal.Decimal

	Workers int

	// StageRetry bounds retries of a rate-limited or unavailable provider
	// call. RefundRetry governs compensating credits; its attempt cap is
	// ignored because a refund is retried until it lands or the
	// orchestrator is stopped.
	StageRetry  retry.Config
	RefundRetry retry.Config
}

// Orchestrator runs paid generation jobs in the background and sells
// synchronous single sections.
type Orchestrator struct {
	store    store.Store
	registry *registry.Registry
	provider content.Provider
	docs     docstore.Store
	cfg      PipelineConfig
	logger   *zap.Logger

	jobPool   pond.Pool
	assetPool pond.Pool

	// ctx outlives individual requests and bounds background work.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

func NewOrchestrator(s store.Store, reg *registry.Registry, provider content.Provider, docs docstore.Store, cfg PipelineConfig, logger *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.PrimaryStage == "" {
		cfg.PrimaryStage = "content"
	}
	if cfg.SectionStage == "" {
		cfg.SectionStage = "section"
	}
	if docs == nil {
		docs = docstore.NewNoop()
	}
	if cfg.StageRetry == (retry.Config{}) {
		cfg.StageRetry = retry.Config{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			Multiplier:    2,
			JitterEnabled: true,
		}
	}
	if cfg.RefundRetry == (retry.Config{}) {
		cfg.RefundRetry = retry.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     s,
		registry:  reg,
		provider:  provider,
		docs:      docs,
		cfg:       cfg,
		logger:    logger,
		jobPool:   pond.NewPool(cfg.Workers),
		assetPool: pond.NewPool(cfg.Workers * max(len(cfg.AssetStages), 1)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartJob debits the job cost, records the job as RUNNING and schedules its
// pipeline. It returns as soon as the job is accepted.
func (o *Orchestrator) StartJob(ctx context.Context, address string, params map[string]string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("%w: address is required", domain.ErrInvalidInput)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", fmt.Errorf("orchestrator stopped: %w", domain.ErrUnavailable)
	}

	job := &domain.GenerationJob{
		RequestID: uuid.NewString(),
		Address:   address,
		Params:    copyParams(params),
		Cost:      o.cfg.JobCost,
	}
	if err := o.store.OpenJob(ctx, job); err != nil {
		return "", err
	}
	o.registry.Insert(job)
	jobsStarted.Inc()

	o.logger.Info("Generation job started",
		zap.String("request_id", job.RequestID),
		zap.String("address", address),
		zap.String("cost", job.Cost.String()))

	o.jobPool.Submit(func() { o.run(job.Clone()) })
	return job.RequestID, nil
}

func (o *Orchestrator) stageCount() int {
	return 1 + len(o.cfg.AssetStages)
}

func (o *Orchestrator) progressAfter(stages int) int {
	return stages * 100 / o.stageCount()
}

// run is the single writer of the job's registry entry.
func (o *Orchestrator) run(job *domain.GenerationJob) {
	ctx := o.ctx
	logger := o.logger.With(zap.String("request_id", job.RequestID))

	primary, err := o.generateStage(ctx, content.StageSpec{Name: o.cfg.PrimaryStage, Params: job.Params})
	if err != nil {
		o.fail(job, fmt.Errorf("primary stage %s: %w", o.cfg.PrimaryStage, err))
		return
	}
	if _, err := o.registry.Advance(ctx, job.RequestID, o.cfg.PrimaryStage, primary, o.progressAfter(1)); err != nil {
		logger.Warn("Job no longer advanceable", zap.Error(err))
		return
	}

	assets := o.generateAssets(ctx, job, primary)
	for i, name := range o.cfg.AssetStages {
		if _, err := o.registry.Advance(ctx, job.RequestID, name, assets[i], o.progressAfter(i+2)); err != nil {
			logger.Warn("Job no longer advanceable", zap.Error(err))
			return
		}
	}

	snapshot, err := o.registry.Get(ctx, job.RequestID)
	if err != nil {
		logger.Error("Job vanished before completion", zap.Error(err))
		return
	}

	err = retry.WithBackoff(ctx, o.cfg.StageRetry, logger, "save artifact", domain.IsRetryable, func() error {
		return o.docs.SaveArtifact(ctx, job.Address, job.RequestID, snapshot.Stages)
	})
	if err != nil {
		o.fail(job, fmt.Errorf("save artifact: %w", err))
		return
	}

	err = retry.WithBackoff(ctx, o.cfg.RefundRetry.UntilDone(), logger, "complete job", retryableFinalize, func() error {
		return o.registry.MarkDone(ctx, job.RequestID)
	})
	if errors.Is(err, domain.ErrJobFinalized) {
		logger.Warn("Job was finalized elsewhere", zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("Could not mark job done, leaving it for recovery", zap.Error(err))
		return
	}
	jobsFinished.WithLabelValues(string(domain.JobDone)).Inc()
	logger.Info("Generation job finished", zap.Int("stages", len(snapshot.Stages)))
}

// generateAssets runs every auxiliary stage concurrently. A failed asset is
// replaced by the configured fallback; results are in AssetStages order.
func (o *Orchestrator) generateAssets(ctx context.Context, job *domain.GenerationJob, primary string) []string {
	out := make([]string, len(o.cfg.AssetStages))
	if len(out) == 0 {
		return out
	}

	group := o.assetPool.NewGroupContext(ctx)
	groupCtx := group.Context()
	prompt := summarize(primary)

	for i, name := range o.cfg.AssetStages {
		group.Submit(func() {
			out[i] = o.cfg.AssetFallback
			if groupCtx.Err() != nil {
				return
			}
			data, err := o.generateAsset(groupCtx, content.AssetSpec{Name: name, Prompt: prompt, Params: job.Params})
			if err != nil {
				o.logger.Warn("Auxiliary stage failed, using fallback",
					zap.String("request_id", job.RequestID),
					zap.String("stage", name),
					zap.Error(err))
				return
			}
			out[i] = encodeAsset(data)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		o.logger.Warn("Asset group encountered error", zap.String("request_id", job.RequestID), zap.Error(err))
	}
	return out
}

func (o *Orchestrator) generateStage(ctx context.Context, spec content.StageSpec) (string, error) {
	var out string
	err := o.timed(spec.Name, func() error {
		return retry.WithBackoff(ctx, o.cfg.StageRetry, o.logger, "generate "+spec.Name, domain.IsRetryable, func() error {
			var err error
			out, err = o.provider.GenerateStage(ctx, spec)
			return err
		})
	})
	return out, err
}

func (o *Orchestrator) generateAsset(ctx context.Context, spec content.AssetSpec) ([]byte, error) {
	var out []byte
	err := o.timed(spec.Name, func() error {
		var err error
		out, err = o.provider.GenerateAsset(ctx, spec)
		return err
	})
	return out, err
}

func (o *Orchestrator) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
	return err
}

// fail moves the job to ERROR and refunds its cost. The refund is retried
// until it is applied or the orchestrator is stopped; a job left RUNNING by
// a stop is refunded by RecoverInterrupted on the next start.
func (o *Orchestrator) fail(job *domain.GenerationJob, cause error) {
	logger := o.logger.With(zap.String("request_id", job.RequestID), zap.String("address", job.Address))
	logger.Error("Generation job failed", zap.Error(cause))

	var refunded bool
	err := retry.WithBackoff(o.ctx, o.cfg.RefundRetry.UntilDone(), logger, "refund job", retryableFinalize, func() error {
		var err error
		refunded, err = o.registry.MarkError(o.ctx, job.RequestID)
		return err
	})
	if err != nil {
		logger.Error("Refund deferred to recovery", zap.Error(err))
		return
	}
	jobsFinished.WithLabelValues(string(domain.JobError)).Inc()
	if refunded {
		refundsIssued.WithLabelValues("job").Inc()
		logger.Info("Job cost refunded", zap.String("amount", job.Cost.String()))
	}
}

// retryableFinalize keeps retrying everything except errors that no retry
// can fix.
func retryableFinalize(err error) bool {
	return !domain.IsNotFound(err) && !errors.Is(err, domain.ErrJobFinalized)
}

// RefreshSection sells a single synchronous content block. The section is
// recorded as a job row opened with its debit, so a refund that cannot be
// applied before shutdown is left RUNNING for RecoverInterrupted. The cost is
// only kept once the section is both generated and recorded as done.
func (o *Orchestrator) RefreshSection(ctx context.Context, address string, params map[string]string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("%w: address is required", domain.ErrInvalidInput)
	}
	section := &domain.GenerationJob{
		RequestID: uuid.NewString(),
		Address:   address,
		Params:    copyParams(params),
		Cost:      o.cfg.SectionCost,
	}
	if err := o.store.OpenJob(ctx, section); err != nil {
		return "", err
	}
	logger := o.logger.With(zap.String("request_id", section.RequestID), zap.String("address", address))

	out, err := o.generateStage(ctx, content.StageSpec{Name: o.cfg.SectionStage, Params: section.Params})
	if err != nil {
		logger.Warn("Section generation failed, refunding", zap.Error(err))
		var refunded bool
		refundErr := retry.WithBackoff(o.ctx, o.cfg.RefundRetry.UntilDone(), logger, "refund section", retryableFinalize, func() error {
			var err error
			refunded, err = o.store.FailJob(o.ctx, section.RequestID)
			return err
		})
		switch {
		case refundErr != nil:
			logger.Error("Section refund deferred to recovery",
				zap.String("amount", section.Cost.String()),
				zap.Error(refundErr))
		case refunded:
			refundsIssued.WithLabelValues("section").Inc()
		}
		return "", fmt.Errorf("refresh section: %w", err)
	}

	stages := []domain.StageOutput{{Name: o.cfg.SectionStage, Content: out}}
	err = retry.WithBackoff(o.ctx, o.cfg.RefundRetry.UntilDone(), logger, "complete section", retryableFinalize, func() error {
		return o.store.CompleteJob(o.ctx, section.RequestID, stages)
	})
	if err != nil {
		logger.Error("Section not recorded, leaving it for recovery", zap.Error(err))
		return "", fmt.Errorf("refresh section: %w: %w", domain.ErrUnavailable, err)
	}
	return out, nil
}

// GetProgress returns the polling view of a job.
func (o *Orchestrator) GetProgress(ctx context.Context, requestID string) (domain.Progress, error) {
	job, err := o.registry.Get(ctx, requestID)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.Progress{State: job.State, Progress: job.Progress}, nil
}

// GetResult returns the stage outputs of a finished job.
func (o *Orchestrator) GetResult(ctx context.Context, requestID string) ([]domain.StageOutput, error) {
	job, err := o.registry.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.JobDone {
		return nil, domain.ErrJobNotReady
	}
	return job.Stages, nil
}

// RecoverInterrupted fails and refunds RUNNING jobs this process is not
// running that have not been updated for staleAfter. At startup staleAfter
// may be zero. Returns the number of jobs refunded.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, staleAfter time.Duration) (int, error) {
	jobs, err := o.store.ListJobs(ctx, domain.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter)
	refunded := 0
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if o.registry.Tracks(job.RequestID) {
			continue
		}
		ok, err := o.registry.MarkError(ctx, job.RequestID)
		if err != nil {
			o.logger.Error("Failed to recover interrupted job", zap.String("request_id", job.RequestID), zap.Error(err))
			continue
		}
		if ok {
			refunded++
			refundsIssued.WithLabelValues("recovered_job").Inc()
			jobsFinished.WithLabelValues(string(domain.JobError)).Inc()
			o.logger.Warn("Interrupted job refunded",
				zap.String("request_id", job.RequestID),
				zap.String("address", job.Address),
				zap.String("amount", job.Cost.String()))
		}
	}
	return refunded, nil
}

// Shutdown stops accepting jobs and waits for running pipelines. If ctx
// expires first, background work is cancelled; unfinished jobs stay RUNNING
// for RecoverInterrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.stopOnce.Do(func() {
			o.jobPool.StopAndWait()
			o.assetPool.StopAndWait()
		})
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// summarize returns the first non-empty line of text, trimmed for use as an
// asset prompt.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}

func encodeAsset(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
