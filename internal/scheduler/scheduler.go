// Package scheduler runs the periodic maintenance tasks: the deposit sweep,
// recovery of interrupted jobs and pruning of finished jobs from memory.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context) service.SweepReport
}

type Recoverer interface {
	RecoverInterrupted(ctx context.Context, staleAfter time.Duration) (int, error)
}

type Pruner interface {
	Prune(cutoff time.Time) int
}

// Config holds cron specs in six-field (seconds) form. An empty spec
// disables the task.
type Config struct {
	SweepCron    string
	RecoverCron  string
	RecoverAfter time.Duration
	PruneCron    string
	RetainFor    time.Duration
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron      *cron.Cron
	Sweeper   Sweeper
	Recoverer Recoverer
	Pruner    Pruner
	cfg       Config
	ctx       context.Context
	logger    *zap.Logger
}

func New(ctx context.Context, cfg Config, sw Sweeper, rec Recoverer, pr Pruner, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		Cron:      cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		Sweeper:   sw,
		Recoverer: rec,
		Pruner:    pr,
		cfg:       cfg,
		ctx:       ctx,
		logger:    logger,
	}
}

// RegisterAll registers every configured task.
func (s *Scheduler) RegisterAll() error {
	if s.cfg.SweepCron != "" && s.Sweeper != nil {
		if _, err := s.Cron.AddFunc(s.cfg.SweepCron, s.sweepTask); err != nil {
			return fmt.Errorf("register sweep task: %w", err)
		}
	}
	if s.cfg.RecoverCron != "" && s.Recoverer != nil {
		if _, err := s.Cron.AddFunc(s.cfg.RecoverCron, s.recoverTask); err != nil {
			return fmt.Errorf("register recover task: %w", err)
		}
	}
	if s.cfg.PruneCron != "" && s.Pruner != nil {
		if _, err := s.Cron.AddFunc(s.cfg.PruneCron, s.pruneTask); err != nil {
			return fmt.Errorf("register prune task: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info("Scheduler started", zap.Int("tasks", len(s.Cron.Entries())))
}

// Stop stops the scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunSweepNow executes the deposit sweep immediately (RUN_ON_START).
func (s *Scheduler) RunSweepNow() service.SweepReport {
	return s.Sweeper.Sweep(s.ctx)
}

func (s *Scheduler) sweepTask() {
	s.logger.Info("Running deposit sweep")
	s.Sweeper.Sweep(s.ctx)
}

func (s *Scheduler) recoverTask() {
	n, err := s.Recoverer.RecoverInterrupted(s.ctx, s.cfg.RecoverAfter)
	if err != nil {
		s.logger.Error("Job recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("Recovered stale jobs", zap.Int("refunded", n))
	}
}

func (s *Scheduler) pruneTask() {
	if n := s.Pruner.Prune(time.Now().Add(-s.cfg.RetainFor)); n > 0 {
		s.logger.Debug("Pruned finished jobs from memory", zap.Int("count", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
