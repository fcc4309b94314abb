package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateIsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobPending, false},
		{JobRunning, false},
		{JobDone, true},
		{JobError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestSetStageKeepsOrder(t *testing.T) {
	job := &GenerationJob{}
	job.SetStage("outline", "v1")
	job.SetStage("cover", "img")
	job.SetStage("outline", "v2")

	require.Len(t, job.Stages, 2)
	assert.Equal(t, StageOutput{Name: "outline", Content: "v2"}, job.Stages[0])
	assert.Equal(t, "cover", job.Stages[1].Name)

	content, ok := job.Stage("cover")
	assert.True(t, ok)
	assert.Equal(t, "img", content)
	_, ok = job.Stage("missing")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	job := &GenerationJob{
		RequestID: "r1",
		Stages:    []StageOutput{{Name: "outline", Content: "a"}},
		Params:    map[string]string{"topic": "go"},
	}
	c := job.Clone()
	c.Stages[0].Content = "changed"
	c.Params["topic"] = "rust"

	assert.Equal(t, "a", job.Stages[0].Content)
	assert.Equal(t, "go", job.Params["topic"])
	assert.Nil(t, (*GenerationJob)(nil).Clone())
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", ErrAccountNotFound)))
	assert.True(t, IsNotFound(ErrJobNotFound))
	assert.False(t, IsNotFound(ErrInsufficientFunds))

	assert.True(t, IsRetryable(fmt.Errorf("credit: %w", ErrUnavailable)))
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.False(t, IsRetryable(ErrMalformed))
}

func TestCoinTypeValid(t *testing.T) {
	assert.True(t, CoinNative.Valid())
	assert.True(t, CoinToken.Valid())
	assert.False(t, CoinType("BTC").Valid())
}
