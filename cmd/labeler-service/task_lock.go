package main

import (
	"context"
	"strings"
)

// isTrackedTaskBusy reports whether the task recorded under taskKey is still
// pending or running. State is written before the id is recorded, so an id
// whose state has expired is not busy.
func (st *appState) isTrackedTaskBusy(ctx context.Context, taskKey string) bool {
	taskID, err := st.redis.Get(ctx, taskKey).Result()
	if err != nil || strings.TrimSpace(taskID) == "" {
		return false
	}
	rec, ok := getTaskState(ctx, st.redis, taskID)
	if !ok {
		return false
	}
	return rec.Status == "PENDING" || rec.Status == "PROGRESS"
}
