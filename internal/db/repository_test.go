package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gayhub/tablo2hdhr/internal/model"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewRepository(conn)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	var n int
	require.NoError(t, second.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestJobLifecycle(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	job, err := repo.CreateJob(ctx, "guide_sync", "startup")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJob(ctx, job.ID, "running", "", ""))
	require.NoError(t, repo.UpdateJob(ctx, job.ID, "completed", "downloaded=3 skipped=1", ""))

	later, err := repo.CreateJob(ctx, "guide_sync", "cron")
	require.NoError(t, err)

	jobs, err := repo.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, later.ID, jobs[0].ID)
	assert.Equal(t, "completed", jobs[1].Status)
	assert.Equal(t, "downloaded=3 skipped=1", jobs[1].Details)
}

func TestStreamLedger(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateStream(ctx, model.StreamRecord{
		ID: "s1", ChannelID: "C1", Kind: model.ChannelBroadcast, ConsumesTuner: true,
		Status: "streaming", StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.CreateStream(ctx, model.StreamRecord{
		ID: "s2", ChannelID: "N1", Kind: model.ChannelInternet, Status: "streaming",
	}))

	active, err := repo.ListStreams(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, repo.EndStream(ctx, "s1", "ended", ""))
	assert.Error(t, repo.EndStream(ctx, "s1", "ended", ""))

	active, err = repo.ListStreams(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	all, err := repo.ListStreams(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rec := range all {
		if rec.ID == "s1" {
			assert.True(t, rec.ConsumesTuner)
			require.NotNil(t, rec.EndedAt)
		}
	}
}

func TestMarkInterrupted(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateStream(ctx, model.StreamRecord{ID: "s1", ChannelID: "C1", Kind: model.ChannelBroadcast, Status: "streaming"}))
	job, err := repo.CreateJob(ctx, "guide_sync", "")
	require.NoError(t, err)

	require.NoError(t, repo.MarkInterrupted(ctx))

	active, err := repo.ListStreams(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	jobs, err := repo.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "failed", jobs[0].Status)
}
