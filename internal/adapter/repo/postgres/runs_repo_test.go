package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

func TestRunRepoRecordUpserts(t *testing.T) {
	pool := &fakePool{}
	repo := NewRunRepo(pool)

	err := repo.Record(context.Background(), domain.ProcessingRun{
		ContactID:        "c-1",
		AttachmentID:     "att-1",
		ContentHash:      "abc123",
		ExtractorVersion: "tika-1",
		ModelName:        "none",
		Status:           domain.RunSucceeded,
	})
	require.NoError(t, err)
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0], "ON CONFLICT", "reruns overwrite the previous outcome")
}

func TestRunRepoFindNotFound(t *testing.T) {
	pool := &fakePool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := NewRunRepo(pool)

	_, err := repo.Find(context.Background(), "c-1", "att-1", "tika-1", "none")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunRepoFindScansRow(t *testing.T) {
	now := time.Now().UTC()
	pool := &fakePool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				setString(dest[0], "c-1")
				setString(dest[1], "att-1")
				setString(dest[2], "abc123")
				setString(dest[3], "tika-1")
				setString(dest[4], "none")
				setString(dest[5], domain.RunSucceeded)
				setString(dest[6], "")
				if p, ok := dest[7].(*time.Time); ok {
					*p = now
				}
				return nil
			}}
		},
	}
	repo := NewRunRepo(pool)

	run, err := repo.Find(context.Background(), "c-1", "att-1", "tika-1", "none")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, "abc123", run.ContentHash)
	assert.Equal(t, now, run.ProcessedAt)
}
