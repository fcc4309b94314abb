// Package docstore persists finished job artifacts. It is append-only: an
// artifact is written once per request id and never changed.
package docstore

import (
	"context"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// Artifact is the persisted output of a completed generation job.
type Artifact struct {
	Address   string               `json:"address"`
	RequestID string               `json:"request_id"`
	Stages    []domain.StageOutput `json:"stages"`
	CreatedAt time.Time            `json:"created_at"`
}

type Store interface {
	SaveArtifact(ctx context.Context, address, requestID string, stages []domain.StageOutput) error
	ListArtifacts(ctx context.Context, address string) ([]Artifact, error)
	Close() error
}

// Noop discards artifacts. Used when no SQLite path is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) SaveArtifact(context.Context, string, string, []domain.StageOutput) error { return nil }
func (Noop) ListArtifacts(context.Context, string) ([]Artifact, error) { return nil, nil }
func (Noop) Close() error { return nil }
