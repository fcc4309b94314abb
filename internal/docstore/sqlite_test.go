package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMock(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_artifacts_address").WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := newSQLite(context.Background(), db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mock
}

func TestSaveArtifactWritesJSON(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("INSERT OR IGNORE INTO artifacts").
		WithArgs("addr1", "req1", `[{"name":"content","content":"body"}]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveArtifact(context.Background(), "addr1", "req1", []domain.StageOutput{{Name: "content", Content: "body"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArtifactFailureIsUnavailable(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("INSERT OR IGNORE INTO artifacts").WillReturnError(errors.New("disk I/O error"))

	err := s.SaveArtifact(context.Background(), "addr1", "req1", nil)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListArtifacts(t *testing.T) {
	s, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"request_id", "content", "created_at"}).
		AddRow("req1", `[{"name":"content","content":"a"},{"name":"cover_image","content":"b"}]`, int64(1700000000))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT request_id, content, created_at FROM artifacts WHERE address = ?")).
		WithArgs("addr1").
		WillReturnRows(rows)

	arts, err := s.ListArtifacts(context.Background(), "addr1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "req1", arts[0].RequestID)
	assert.Equal(t, "addr1", arts[0].Address)
	assert.Equal(t, []domain.StageOutput{{Name: "content", Content: "a"}, {Name: "cover_image", Content: "b"}}, arts[0].Stages)
	assert.Equal(t, int64(1700000000), arts[0].CreatedAt.Unix())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "artifacts.db")

	s, err := NewSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stages := []domain.StageOutput{{Name: "content", Content: "first"}}
	require.NoError(t, s.SaveArtifact(ctx, "addr1", "req1", stages))
	require.NoError(t, s.SaveArtifact(ctx, "addr1", "req1", []domain.StageOutput{{Name: "content", Content: "second"}}))
	require.NoError(t, s.SaveArtifact(ctx, "addr2", "req2", stages))

	arts, err := s.ListArtifacts(ctx, "addr1")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, stages, arts[0].Stages, "artifacts are append-only")
}
