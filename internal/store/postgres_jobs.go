package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/creditledger/internal/domain"
)

const jobColumns = `request_id, address, state, progress, stages, params, cost::text, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var job domain.GenerationJob
	var state, cost string
	var stages, params []byte
	if err := row.Scan(&job.RequestID, &job.Address, &state, &job.Progress, &stages, &params, &cost, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	if err := json.Unmarshal(stages, &job.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	var err error
	if job.Cost, err = parseNumeric(cost); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeStages(stages []domain.StageOutput) ([]byte, error) {
	if stages == nil {
		stages = []domain.StageOutput{}
	}
	return json.Marshal(stages)
}

// OpenJob executes the debit and the job insert within one transaction.
func (s *Postgres) OpenJob(ctx context.Context, job *domain.GenerationJob) error {
	if !validAmount(job.Cost) || job.RequestID == "" {
		return domain.ErrInvalidInput
	}

	stages, err := encodeStages(job.Stages)
	if err != nil {
		return err
	}
	params := job.Params
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return classify("tx begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := debit(ctx, tx, job.Address, job.Cost); err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO generation_jobs (request_id, address, state, progress, stages, params, cost)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::numeric)
		 RETURNING created_at, updated_at`,
		job.RequestID, job.Address, string(domain.JobRunning), job.Progress, stages, paramsJSON, job.Cost.String(),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return classify("job insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("tx commit", err)
	}
	job.State = domain.JobRunning
	return nil
}

// jobMissOrFinal distinguishes an unknown request id from a terminal job
// after a guarded UPDATE matched no row.
func (s *Postgres) jobMissOrFinal(ctx context.Context, q rowQuerier, requestID string) error {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM generation_jobs WHERE request_id = $1)", requestID).Scan(&exists); err != nil {
		return classify("job lookup", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return domain.ErrJobFinalized
}

// UpdateJob never lowers the stored progress.
func (s *Postgres) UpdateJob(ctx context.Context, job *domain.GenerationJob) error {
	stages, err := encodeStages(job.Stages)
	if err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE generation_jobs
		 SET progress = GREATEST(progress, $2), stages = $3::jsonb, updated_at = now()
		 WHERE request_id = $1 AND state = $4`,
		job.RequestID, job.Progress, stages, string(domain.JobRunning))
	if err != nil {
		return classify("job update", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMissOrFinal(ctx, s.Db, job.RequestID)
	}
	return nil
}

func (s *Postgres) CompleteJob(ctx context.Context, requestID string, stages []domain.StageOutput) error {
	encoded, err := encodeStages(stages)
	if err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE generation_jobs
		 SET state = $2, progress = 100, stages = $3::jsonb, updated_at = now()
		 WHERE request_id = $1 AND state = $4`,
		requestID, string(domain.JobDone), encoded, string(domain.JobRunning))
	if err != nil {
		return classify("job complete", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMissOrFinal(ctx, s.Db, requestID)
	}
	return nil
}

// FailJob transitions the job and refunds its cost in the same transaction.
func (s *Postgres) FailJob(ctx context.Context, requestID string) (bool, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return false, classify("tx begin", err)
	}
	defer tx.Rollback(ctx)

	var address, cost string
	err = tx.QueryRow(ctx,
		`UPDATE generation_jobs
		 SET state = $2, progress = 100, updated_at = now()
		 WHERE request_id = $1 AND state = $3
		 RETURNING address, cost::text`,
		requestID, string(domain.JobError), string(domain.JobRunning),
	).Scan(&address, &cost)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, classify("job fail", err)
		}
		missErr := s.jobMissOrFinal(ctx, tx, requestID)
		if errors.Is(missErr, domain.ErrJobFinalized) {
			return false, nil
		}
		return false, missErr
	}

	amount, err := parseNumeric(cost)
	if err != nil {
		return false, err
	}
	if _, err := credit(ctx, tx, address, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify("tx commit", err)
	}
	return true, nil
}

func (s *Postgres) GetJob(ctx context.Context, requestID string) (*domain.GenerationJob, error) {
	job, err := scanJob(s.Db.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM generation_jobs WHERE request_id = $1", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, classify("get job", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, state domain.JobState) ([]*domain.GenerationJob, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+jobColumns+" FROM generation_jobs WHERE state = $1 ORDER BY created_at", string(state))
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var jobs []*domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return jobs, nil
}
