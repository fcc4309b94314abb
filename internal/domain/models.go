package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds an address and its credit balance.
// The balance is never negative in any committed state.
type Account struct {
	Address   string          `json:"address"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// CoinType identifies the external ledger a deposit was observed on.
type CoinType string

const (
	CoinNative CoinType = "NATIVE"
	CoinToken  CoinType = "TOKEN"
)

func (c CoinType) Valid() bool {
	return c == CoinNative || c == CoinToken
}

// RawDepositEvent is one transaction-like record returned by a chain feed,
// before qualification and conversion.
type RawDepositEvent struct {
	TxID      string
	To        string
	RawAmount string // smallest chain unit, base-10 integer
	OpType    string
}

// ProcessedDeposit records an external transaction that has been credited.
// (Address, CoinType, TxID) is unique and the record is never modified.
type ProcessedDeposit struct {
	Address    string          `json:"address"`
	TxID       string          `json:"tx_id"`
	CoinType   CoinType        `json:"coin_type"`
	Amount     decimal.Decimal `json:"amount"`
	Credited   decimal.Decimal `json:"credited"`
	ObservedAt time.Time       `json:"observed_at"`
}

// JobState is the lifecycle state of a GenerationJob.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
	JobError   JobState = "ERROR"
)

// IsTerminal reports whether no further mutation is allowed.
func (s JobState) IsTerminal() bool {
	return s == JobDone || s == JobError
}

// StageOutput is the content produced by one pipeline stage.
type StageOutput struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// GenerationJob is a paid, multi-stage background task.
type GenerationJob struct {
	RequestID string            `json:"request_id"`
	Address   string            `json:"address"`
	State     JobState          `json:"state"`
	Progress  int               `json:"progress"`
	Stages    []StageOutput     `json:"stages"`
	Params    map[string]string `json:"params,omitempty"`
	Cost      decimal.Decimal   `json:"cost"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Stages != nil {
		c.Stages = make([]StageOutput, len(j.Stages))
		copy(c.Stages, j.Stages)
	}
	if j.Params != nil {
		c.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Stage returns the output recorded for name, if any.
func (j *GenerationJob) Stage(name string) (string, bool) {
	for _, s := range j.Stages {
		if s.Name == name {
			return s.Content, true
		}
	}
	return "", false
}

// SetStage records content for name, replacing an earlier output of the same
// stage in place so that the original stage order is kept.
func (j *GenerationJob) SetStage(name, content string) {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			j.Stages[i].Content = content
			return
		}
	}
	j.Stages = append(j.Stages, StageOutput{Name: name, Content: content})
}

// Progress is the polling view of a job.
type Progress struct {
	State    JobState `json:"state"`
	Progress int      `json:"progress"`
}
