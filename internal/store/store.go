package store

import (
	"context"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger is the balance side of the store. Balances change only through
// ConditionalDebit, Credit and RecordDepositIfNew, each of which is atomic
// with respect to every other mutator.
type Ledger interface {
	CreateAccount(ctx context.Context, address string) (*domain.Account, error)
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// ConditionalDebit decrements the balance iff it is at least amount.
	// Returns domain.ErrInsufficientFunds without side effect otherwise.
	ConditionalDebit(ctx context.Context, address string, amount decimal.Decimal) (*domain.Account, error)
	Credit(ctx context.Context, address string, amount decimal.Decimal) (*domain.Account, error)

	// RecordDepositIfNew inserts dep and credits dep.Credited in one atomic
	// unit, unless (Address, CoinType, TxID) was already recorded, in which
	// case it reports applied=false and changes nothing.
	RecordDepositIfNew(ctx context.Context, dep domain.ProcessedDeposit) (applied bool, err error)
	ListDeposits(ctx context.Context, address string) ([]domain.ProcessedDeposit, error)
}

// JobStore is the durable job table. Job creation is coupled to its debit
// and failure is coupled to its refund so that neither half of the saga can
// be committed alone.
type JobStore interface {
	// OpenJob debits job.Cost from job.Address and inserts the job in
	// RUNNING state in a single transaction.
	OpenJob(ctx context.Context, job *domain.GenerationJob) error
	// UpdateJob persists progress and stage outputs of a RUNNING job.
	UpdateJob(ctx context.Context, job *domain.GenerationJob) error
	CompleteJob(ctx context.Context, requestID string, stages []domain.StageOutput) error
	// FailJob moves a RUNNING job to ERROR and credits its cost back in one
	// transaction. A job that is already terminal is left untouched and
	// refunded=false is returned, so repeated calls never refund twice.
	FailJob(ctx context.Context, requestID string) (refunded bool, err error)
	GetJob(ctx context.Context, requestID string) (*domain.GenerationJob, error)
	ListJobs(ctx context.Context, state domain.JobState) ([]*domain.GenerationJob, error)
}

type Store interface {
	Ledger
	JobStore
	Close()
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive()
}
