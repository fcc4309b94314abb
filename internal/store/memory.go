package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
)

type depositKey struct {
	address string
	coin    domain.CoinType
	txID    string
}

// Memory is an in-process Store with the same atomicity guarantees as
// Postgres: every primitive runs inside one critical section.
type Memory struct {
	mu sync.Mutex

	accounts map[string]*domain.Account
	deposits map[depositKey]domain.ProcessedDeposit
	jobs     map[string]*domain.GenerationJob
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*domain.Account),
		deposits: make(map[depositKey]domain.ProcessedDeposit),
		jobs:     make(map[string]*domain.GenerationJob),
	}
}

func (s *Memory) Close() {}

func (s *Memory) CreateAccount(_ context.Context, address string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[address]; exists {
		return nil, domain.ErrAccountExists
	}
	acc := &domain.Account{Address: address, Balance: decimal.Zero, CreatedAt: time.Now().UTC()}
	s.accounts[address] = acc
	out := *acc
	return &out, nil
}

func (s *Memory) GetAccount(_ context.Context, address string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[address]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (s *Memory) ListAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// debitLocked requires s.mu.
func (s *Memory) debitLocked(address string, amount decimal.Decimal) (*domain.Account, error) {
	acc, ok := s.accounts[address]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if acc.Balance.LessThan(amount) {
		return nil, domain.ErrInsufficientFunds
	}
	acc.Balance = acc.Balance.Sub(amount)
	out := *acc
	return &out, nil
}

// creditLocked requires s.mu.
func (s *Memory) creditLocked(address string, amount decimal.Decimal) (*domain.Account, error) {
	acc, ok := s.accounts[address]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	acc.Balance = acc.Balance.Add(amount)
	out := *acc
	return &out, nil
}

func (s *Memory) ConditionalDebit(_ context.Context, address string, amount decimal.Decimal) (*domain.Account, error) {
	if !validAmount(amount) {
		return nil, domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(address, amount)
}

func (s *Memory) Credit(_ context.Context, address string, amount decimal.Decimal) (*domain.Account, error) {
	if !validAmount(amount) {
		return nil, domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(address, amount)
}

func (s *Memory) RecordDepositIfNew(_ context.Context, dep domain.ProcessedDeposit) (bool, error) {
	if !dep.Credited.IsPositive() || !dep.CoinType.Valid() || dep.TxID == "" {
		return false, domain.ErrInvalidInput
	}
	if dep.ObservedAt.IsZero() {
		dep.ObservedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[dep.Address]; !ok {
		return false, domain.ErrAccountNotFound
	}
	key := depositKey{address: dep.Address, coin: dep.CoinType, txID: dep.TxID}
	if _, seen := s.deposits[key]; seen {
		return false, nil
	}
	s.deposits[key] = dep
	if _, err := s.creditLocked(dep.Address, dep.Credited); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Memory) ListDeposits(_ context.Context, address string) ([]domain.ProcessedDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[address]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.ProcessedDeposit
	for key, dep := range s.deposits {
		if key.address == address {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func (s *Memory) OpenJob(_ context.Context, job *domain.GenerationJob) error {
	if !validAmount(job.Cost) || job.RequestID == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.RequestID]; exists {
		return domain.ErrInvalidInput
	}
	if _, err := s.debitLocked(job.Address, job.Cost); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.State = domain.JobRunning
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.RequestID] = job.Clone()
	return nil
}

// runningLocked requires s.mu.
func (s *Memory) runningLocked(requestID string) (*domain.GenerationJob, error) {
	job, ok := s.jobs[requestID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State.IsTerminal() {
		return nil, domain.ErrJobFinalized
	}
	return job, nil
}

func (s *Memory) UpdateJob(_ context.Context, update *domain.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.runningLocked(update.RequestID)
	if err != nil {
		return err
	}
	if update.Progress > job.Progress {
		job.Progress = update.Progress
	}
	job.Stages = update.Clone().Stages
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) CompleteJob(_ context.Context, requestID string, stages []domain.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.runningLocked(requestID)
	if err != nil {
		return err
	}
	job.State = domain.JobDone
	job.Progress = 100
	job.Stages = append([]domain.StageOutput(nil), stages...)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) FailJob(_ context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.runningLocked(requestID)
	if err == domain.ErrJobFinalized {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.creditLocked(job.Address, job.Cost); err != nil {
		return false, err
	}
	job.State = domain.JobError
	job.Progress = 100
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) GetJob(_ context.Context, requestID string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Memory) ListJobs(_ context.Context, state domain.JobState) ([]*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.GenerationJob
	for _, job := range s.jobs {
		if job.State == state {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
