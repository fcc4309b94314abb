package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/seen"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Feed is one external chain the reconciler pulls deposits from.
// chainfeed.Client implements it.
type Feed interface {
	Name() string
	CoinType() domain.CoinType
	// ListDeposits never fails: feed errors yield an empty slice.
	ListDeposits(ctx context.Context, address string) []domain.RawDepositEvent
	Qualifies(ev domain.RawDepositEvent, address string) bool
	Normalize(raw string) (decimal.Decimal, error)
	Credits(amount decimal.Decimal) decimal.Decimal
}

// SweepReport summarizes one pass over every account.
type SweepReport struct {
	Accounts int           `json:"accounts"`
	Failed   int           `json:"failed"`
	Applied  int           `json:"applied"`
	Duration time.Duration `json:"duration"`
}

// Reconciler credits accounts for qualifying deposits exactly once per
// external transaction. Exactly-once rests on Ledger.RecordDepositIfNew; the
// seen cache only saves round trips.
type Reconciler struct {
	ledger    store.Ledger
	feeds     []Feed
	seen      seen.Cache
	feedPool  pond.Pool
	sweepPool pond.Pool
	logger    *zap.Logger
}

func NewReconciler(ledger store.Ledger, feeds []Feed, cache seen.Cache, sweepWorkers int, logger *zap.Logger) *Reconciler {
	if cache == nil {
		cache = seen.NewMemory()
	}
	if sweepWorkers <= 0 {
		sweepWorkers = 1
	}
	return &Reconciler{
		ledger:    ledger,
		feeds:     feeds,
		seen:      cache,
		feedPool:  pond.NewPool(max(len(feeds), 1) * (sweepWorkers + 1)),
		sweepPool: pond.NewPool(sweepWorkers),
		logger:    logger,
	}
}

// Close waits for in-flight fetches and stops the worker pools.
func (r *Reconciler) Close() {
	r.sweepPool.StopAndWait()
	r.feedPool.StopAndWait()
}

// ReconcileAccount pulls recent history from every feed, credits each new
// qualifying deposit and returns the resulting balance.
func (r *Reconciler) ReconcileAccount(ctx context.Context, address string) (decimal.Decimal, error) {
	acc, _, err := r.reconcile(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (r *Reconciler) reconcile(ctx context.Context, address string) (*domain.Account, int, error) {
	timer := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(timer).Seconds()) }()

	if _, err := r.ledger.GetAccount(ctx, address); err != nil {
		return nil, 0, err
	}

	batches := r.fetchAll(ctx, address)

	applied := 0
	for i, feed := range r.feeds {
		n, err := r.applyBatch(ctx, feed, address, batches[i])
		applied += n
		if err != nil {
			return nil, applied, err
		}
	}

	acc, err := r.ledger.GetAccount(ctx, address)
	if err != nil {
		return nil, applied, err
	}
	if applied > 0 {
		r.logger.Info("Account reconciled",
			zap.String("address", address),
			zap.Int("applied", applied),
			zap.String("balance", acc.Balance.String()))
	}
	return acc, applied, nil
}

// fetchAll queries every feed concurrently. batches[i] belongs to r.feeds[i].
func (r *Reconciler) fetchAll(ctx context.Context, address string) [][]domain.RawDepositEvent {
	batches := make([][]domain.RawDepositEvent, len(r.feeds))
	group := r.feedPool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, feed := range r.feeds {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			batches[i] = feed.ListDeposits(groupCtx, address)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("Feed fetch group encountered error", zap.String("address", address), zap.Error(err))
	}
	return batches
}

// applyBatch credits the new qualifying events of one feed. It stops at the
// first storage error; deposits recorded before it stay recorded.
func (r *Reconciler) applyBatch(ctx context.Context, feed Feed, address string, events []domain.RawDepositEvent) (int, error) {
	coin := feed.CoinType()
	coinLabel := string(coin)
	inBatch := make(map[string]struct{}, len(events))
	applied := 0

	for _, ev := range events {
		if !feed.Qualifies(ev, address) {
			depositsSkipped.WithLabelValues(coinLabel, "not_qualifying").Inc()
			continue
		}
		if _, dup := inBatch[ev.TxID]; dup {
			depositsSkipped.WithLabelValues(coinLabel, "duplicate_in_batch").Inc()
			continue
		}
		inBatch[ev.TxID] = struct{}{}

		if r.seen.Seen(ctx, address, coin, ev.TxID) {
			depositsSkipped.WithLabelValues(coinLabel, "already_recorded").Inc()
			continue
		}

		amount, err := feed.Normalize(ev.RawAmount)
		if err != nil || !amount.IsPositive() {
			depositsSkipped.WithLabelValues(coinLabel, "bad_amount").Inc()
			r.logger.Warn("Skipping deposit with unusable amount",
				zap.String("chain", feed.Name()),
				zap.String("tx_id", ev.TxID),
				zap.String("raw_amount", ev.RawAmount),
				zap.Error(err))
			continue
		}
		credited := feed.Credits(amount)
		if !credited.IsPositive() {
			depositsSkipped.WithLabelValues(coinLabel, "bad_amount").Inc()
			continue
		}

		ok, err := r.ledger.RecordDepositIfNew(ctx, domain.ProcessedDeposit{
			Address:  address,
			TxID:     ev.TxID,
			CoinType: coin,
			Amount:   amount,
			Credited: credited,
		})
		if err != nil {
			return applied, fmt.Errorf("record deposit %s: %w", ev.TxID, err)
		}
		r.seen.Mark(ctx, address, coin, ev.TxID)
		if !ok {
			depositsSkipped.WithLabelValues(coinLabel, "already_recorded").Inc()
			continue
		}

		applied++
		depositsApplied.WithLabelValues(coinLabel).Inc()
		r.logger.Info("Deposit credited",
			zap.String("address", address),
			zap.String("chain", feed.Name()),
			zap.String("tx_id", ev.TxID),
			zap.String("amount", amount.String()),
			zap.String("credited", credited.String()))
	}
	return applied, nil
}

// Sweep reconciles every account with bounded parallelism. A failing account
// is logged and counted; it never stops the others.
func (r *Reconciler) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	accounts, err := r.ledger.ListAccounts(ctx)
	if err != nil {
		r.logger.Error("Sweep could not list accounts", zap.Error(err))
		return SweepReport{Failed: 1, Duration: time.Since(start)}
	}

	var failed, applied atomic.Int64
	group := r.sweepPool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, acc := range accounts {
		address := acc.Address
		group.Submit(func() {
			if groupCtx.Err() != nil {
				failed.Add(1)
				return
			}
			_, n, err := r.reconcile(groupCtx, address)
			applied.Add(int64(n))
			if err != nil {
				failed.Add(1)
				r.logger.Warn("Sweep failed for account", zap.String("address", address), zap.Error(err))
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("Sweep group encountered error", zap.Error(err))
	}

	report := SweepReport{
		Accounts: len(accounts),
		Failed:   int(failed.Load()),
		Applied:  int(applied.Load()),
		Duration: time.Since(start),
	}
	r.logger.Info("Deposit sweep finished",
		zap.Int("accounts", report.Accounts),
		zap.Int("failed", report.Failed),
		zap.Int("applied", report.Applied),
		zap.Duration("duration", report.Duration))
	return report
}
