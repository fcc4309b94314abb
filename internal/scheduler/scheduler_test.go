package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSweeper struct{ runs atomic.Int64 }

func (c *countingSweeper) Sweep(context.Context) service.SweepReport {
	c.runs.Add(1)
	return service.SweepReport{Accounts: 2}
}

type countingRecoverer struct {
	runs       atomic.Int64
	staleAfter atomic.Int64
	err        error
}

func (c *countingRecoverer) RecoverInterrupted(_ context.Context, d time.Duration) (int, error) {
	c.runs.Add(1)
	c.staleAfter.Store(int64(d))
	return 1, c.err
}

type countingPruner struct{ runs atomic.Int64 }

func (c *countingPruner) Prune(time.Time) int {
	c.runs.Add(1)
	return 0
}

func TestRunSweepNow(t *testing.T) {
	sw := &countingSweeper{}
	s := New(context.Background(), Config{}, sw, nil, nil, zaptest.NewLogger(t))

	report := s.RunSweepNow()
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, int64(1), sw.runs.Load())
}

func TestRegisterAllRejectsBadSpec(t *testing.T) {
	s := New(context.Background(), Config{SweepCron: "not a cron"}, &countingSweeper{}, nil, nil, zaptest.NewLogger(t))
	assert.Error(t, s.RegisterAll())
}

func TestEmptySpecsRegisterNothing(t *testing.T) {
	s := New(context.Background(), Config{}, &countingSweeper{}, &countingRecoverer{}, &countingPruner{}, zaptest.NewLogger(t))
	require.NoError(t, s.RegisterAll())
	assert.Empty(t, s.Cron.Entries())
}

func TestTasksFire(t *testing.T) {
	sw := &countingSweeper{}
	rec := &countingRecoverer{err: errors.New("db down")}
	pr := &countingPruner{}
	s := New(context.Background(), Config{
		SweepCron:    "* * * * * *",
		RecoverCron:  "* * * * * *",
		RecoverAfter: 30 * time.Minute,
		PruneCron:    "* * * * * *",
		RetainFor:    time.Hour,
	}, sw, rec, pr, zaptest.NewLogger(t))
	require.NoError(t, s.RegisterAll())
	assert.Len(t, s.Cron.Entries(), 3)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return sw.runs.Load() > 0 && rec.runs.Load() > 0 && pr.runs.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(30*time.Minute), rec.staleAfter.Load())
}
