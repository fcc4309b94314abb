// Package models holds the JSON request and response bodies of the HTTP API.
package models

import (
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/shopspring/decimal"
)

// CreateAccountRequest is the payload for opening an account.
type CreateAccountRequest struct {
	Address string `json:"address"`
}

// ReconcileResponse reports the balance after a reconciliation pass.
type ReconcileResponse struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// StartJobRequest asks for a paid generation job.
type StartJobRequest struct {
	Address string            `json:"address"`
	Params  map[string]string `json:"params"`
}

type StartJobResponse struct {
	RequestID string `json:"request_id"`
}

// SectionRequest asks for a single synchronous section.
type SectionRequest struct {
	Params map[string]string `json:"params"`
}

type SectionResponse struct {
	Content string `json:"content"`
}

// JobResultResponse is the artifact of a finished job.
type JobResultResponse struct {
	RequestID string               `json:"request_id"`
	Stages    []domain.StageOutput `json:"stages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
