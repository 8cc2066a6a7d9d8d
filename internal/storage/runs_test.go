package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(model string) *Run {
	return &Run{
		Endpoint:     "http://localhost:8000",
		Model:        model,
		Concurrency:  3,
		MaxNewTokens: 50,
		PacingMS:     100,
		PromptCount:  5,
	}
}

func TestRunStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("qwen")
	require.NoError(t, store.Create(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "qwen", got.Model)
	assert.Equal(t, 3, got.Concurrency)
	assert.Equal(t, int64(100), got.PacingMS)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, time.Duration(0), got.Duration())
}

func TestRunStore_CreateDuplicate(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("qwen")
	require.NoError(t, store.Create(ctx, run))

	dup := newTestRun("qwen")
	dup.ID = run.ID
	assert.ErrorIs(t, store.Create(ctx, dup), ErrAlreadyExists)
}

func TestRunStore_GetNotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_Finish(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("qwen")
	require.NoError(t, store.Create(ctx, run))

	run.Status = RunStatusInterrupted
	run.Total = 40
	run.Success = 30
	run.HTTPError = 8
	run.Timeout = 2
	run.Tokens = 1500
	run.P50MS = 120.5
	run.P99MS = 900
	run.RequestsPerSecond = 4.2
	run.AbandonedWorkers = 1
	run.HTTPStatuses = map[int]int64{503: 6, 429: 2}
	require.NoError(t, store.Finish(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusInterrupted, got.Status)
	assert.Equal(t, int64(40), got.Total)
	assert.Equal(t, int64(30), got.Success)
	assert.Equal(t, int64(2), got.Timeout)
	assert.Equal(t, 120.5, got.P50MS)
	assert.Equal(t, 1, got.AbandonedWorkers)
	assert.Equal(t, map[int]int64{503: 6, 429: 2}, got.HTTPStatuses)
	require.NotNil(t, got.FinishedAt)
	assert.GreaterOrEqual(t, got.Duration(), time.Duration(0))

	// Finishing again replaces the status breakdown
	run.HTTPStatuses = map[int]int64{500: 1}
	require.NoError(t, store.Finish(ctx, run))
	got, err = store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{500: 1}, got.HTTPStatuses)
}

func TestRunStore_FinishNotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)

	err := store.Finish(context.Background(), &Run{ID: "missing", Status: RunStatusComplete})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_List(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, model := range []string{"qwen", "llama", "qwen"} {
		run := newTestRun(model)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, run))
	}

	all, err := store.List(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].StartedAt.After(all[1].StartedAt), "newest first")

	qwen, err := store.List(ctx, RunFilter{Model: "qwen"})
	require.NoError(t, err)
	assert.Len(t, qwen, 2)

	limited, err := store.List(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	running, err := store.List(ctx, RunFilter{Status: RunStatusComplete})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestRunStore_Delete(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db)
	ctx := context.Background()

	run := newTestRun("qwen")
	require.NoError(t, store.Create(ctx, run))
	run.Status = RunStatusComplete
	run.HTTPStatuses = map[int]int64{503: 1}
	require.NoError(t, store.Finish(ctx, run))

	require.NoError(t, store.Delete(ctx, run.ID))
	_, err := store.Get(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM run_http_statuses WHERE run_id = ?`, run.ID).Scan(&n))
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, store.Delete(ctx, run.ID), ErrNotFound)
}
