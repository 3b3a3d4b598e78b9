package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refreshTask(t *testing.T, taskID string) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(refreshTaskPayload{TaskID: taskID})
	require.NoError(t, err)
	return asynq.NewTask(taskTypeRefreshCatalog, b)
}

func TestProcessRefreshCatalogTask(t *testing.T) {
	root := t.TempDir()
	rdb := newFakeRedis()
	fetcher := &countingFetcher{sub: "Filtered", names: []string{"a.jpg", "b.jpg"}}
	st := &appState{
		cfg:     config{dataPath: root, imageSubdir: "Filtered"},
		redis:   rdb,
		catalog: newImageCatalog(fetcher, root, 0, redisGeneration{rdb: rdb}),
	}
	ctx := context.Background()

	require.NoError(t, st.processRefreshCatalogTask(ctx, refreshTask(t, "t-1")))
	rec, ok := getTaskState(ctx, rdb, "t-1")
	require.True(t, ok)
	assert.Equal(t, "SUCCESS", rec.Status)
	result := rec.Result.(map[string]any)
	assert.Equal(t, float64(2), result["images"])
	assert.Equal(t, float64(1), result["generation"])
	assert.FileExists(t, filepath.Join(root, "Filtered", "b.jpg"))

	require.NoError(t, st.processRefreshCatalogTask(ctx, refreshTask(t, "t-2")))
	assert.Equal(t, "2", rdb.data[catalogGenerationKey])
	assert.Equal(t, 2, fetcher.callCount())
}

func TestProcessRefreshCatalogTaskFailure(t *testing.T) {
	root := t.TempDir()
	rdb := newFakeRedis()
	fetcher := &countingFetcher{err: errors.New("drive quota exceeded")}
	st := &appState{
		cfg:     config{dataPath: root, imageSubdir: "Filtered"},
		redis:   rdb,
		catalog: newImageCatalog(fetcher, root, 0, nil),
	}
	ctx := context.Background()

	err := st.processRefreshCatalogTask(ctx, refreshTask(t, "t-9"))
	require.Error(t, err)
	rec, ok := getTaskState(ctx, rdb, "t-9")
	require.True(t, ok)
	assert.Equal(t, "FAILURE", rec.Status)
	assert.Contains(t, rec.Result.(map[string]any)["message"], "drive quota exceeded")
	_, bumped := rdb.data[catalogGenerationKey]
	assert.False(t, bumped)
}

func TestIsTrackedTaskBusy(t *testing.T) {
	rdb := newFakeRedis()
	st := &appState{redis: rdb}
	ctx := context.Background()

	assert.False(t, st.isTrackedTaskBusy(ctx, refreshLastTask))

	rdb.Set(ctx, refreshLastTask, "t-1", 0)
	assert.False(t, st.isTrackedTaskBusy(ctx, refreshLastTask), "recorded id whose state expired")

	for status, busy := range map[string]bool{"PENDING": true, "PROGRESS": true, "SUCCESS": false, "FAILURE": false} {
		setTaskState(ctx, rdb, "t-1", status, nil)
		assert.Equal(t, busy, st.isTrackedTaskBusy(ctx, refreshLastTask), status)
	}
}
