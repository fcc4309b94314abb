package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// Postgres implements Store on a pgx connection pool. Amounts travel as
// NUMERIC text so that no precision is lost in either direction.
type Postgres struct {
	Db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.Int32("max_conns", config.MaxConns),
		zap.Duration("conn_max_lifetime", config.MaxConnLifetime))

	return &Postgres{Db: pool, logger: logger}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classify maps driver errors onto the domain taxonomy. Server-side errors
// keep their identity; anything that never reached a server answer is
// reported as ErrUnavailable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrAccountNotFound)
		case pgCheckViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrInsufficientFunds)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
}

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var balance string
	if err := row.Scan(&acc.Address, &balance, &acc.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if acc.Balance, err = parseNumeric(balance); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateAccount creates a new account with 0 balance.
func (s *Postgres) CreateAccount(ctx context.Context, address string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"INSERT INTO accounts (address) VALUES ($1) RETURNING address, balance::text, created_at",
		address))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrAccountExists
		}
		return nil, classify("create account", err)
	}
	return acc, nil
}

// GetAccount retrieves a single account by address.
func (s *Postgres) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT address, balance::text, created_at FROM accounts WHERE address = $1", address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classify("get account", err)
	}
	return acc, nil
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx, "SELECT address, balance::text, created_at FROM accounts ORDER BY address")
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify("scan account", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list accounts", err)
	}
	return accounts, nil
}

// debit is the single conditional statement behind ConditionalDebit and
// OpenJob. The balance predicate and the decrement are evaluated under the
// row lock taken by UPDATE, so concurrent debits serialize per account.
func debit(ctx context.Context, q rowQuerier, address string, amount decimal.Decimal) (*domain.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx,
		`UPDATE accounts SET balance = balance - $2::numeric
		 WHERE address = $1 AND balance >= $2::numeric
		 RETURNING address, balance::text, created_at`,
		address, amount.String()))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify("debit", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)", address).Scan(&exists); err != nil {
		return nil, classify("debit lookup", err)
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}
	return nil, domain.ErrInsufficientFunds
}

func credit(ctx context.Context, q rowQuerier, address string, amount decimal.Decimal) (*domain.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2::numeric
		 WHERE address = $1
		 RETURNING address, balance::text, created_at`,
		address, amount.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classify("credit", err)
	}
	return acc, nil
}

func (s *Postgres) ConditionalDebit(ctx context.Context, address string, amount decimal.Decimal) (*domain.Account, error) {
	if !validAmount(amount) {
		return nil, domain.ErrInvalidInput
	}
	return debit(ctx, s.Db, address, amount)
}

func (s *Postgres) Credit(ctx context.Context, address string, amount decimal.Decimal) (*domain.Account, error) {
	if !validAmount(amount) {
		return nil, domain.ErrInvalidInput
	}
	return credit(ctx, s.Db, address, amount)
}

// RecordDepositIfNew relies on the primary key of processed_deposits: a
// concurrent insert of the same key blocks until the first transaction
// finishes and then becomes a no-op, so exactly one caller credits.
func (s *Postgres) RecordDepositIfNew(ctx context.Context, dep domain.ProcessedDeposit) (bool, error) {
	if !dep.Credited.IsPositive() || !dep.CoinType.Valid() || dep.TxID == "" {
		return false, domain.ErrInvalidInput
	}
	if dep.ObservedAt.IsZero() {
		dep.ObservedAt = time.Now().UTC()
	}

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return false, classify("tx begin", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_deposits (address, coin_type, tx_id, amount, credited, observed_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		 ON CONFLICT (address, coin_type, tx_id) DO NOTHING`,
		dep.Address, string(dep.CoinType), dep.TxID, dep.Amount.String(), dep.Credited.String(), dep.ObservedAt)
	if err != nil {
		return false, classify("deposit insert", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := credit(ctx, tx, dep.Address, dep.Credited); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify("tx commit", err)
	}
	return true, nil
}

func scanDeposit(row pgx.Row) (domain.ProcessedDeposit, error) {
	var d domain.ProcessedDeposit
	var coin, amount, credited string
	if err := row.Scan(&d.Address, &coin, &d.TxID, &amount, &credited, &d.ObservedAt); err != nil {
		return d, err
	}
	d.CoinType = domain.CoinType(coin)
	var err error
	if d.Amount, err = parseNumeric(amount); err != nil {
		return d, err
	}
	if d.Credited, err = parseNumeric(credited); err != nil {
		return d, err
	}
	return d, nil
}

// ListDeposits retrieves processed deposits for a specific account.
func (s *Postgres) ListDeposits(ctx context.Context, address string) ([]domain.ProcessedDeposit, error) {
	if _, err := s.GetAccount(ctx, address); err != nil {
		return nil, err
	}

	rows, err := s.Db.Query(ctx,
		`SELECT address, coin_type, tx_id, amount::text, credited::text, observed_at
		 FROM processed_deposits WHERE address = $1 ORDER BY observed_at DESC, tx_id`,
		address)
	if err != nil {
		return nil, classify("list deposits", err)
	}
	defer rows.Close()

	var deposits []domain.ProcessedDeposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, classify("scan deposit", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list deposits", err)
	}
	return deposits, nil
}
