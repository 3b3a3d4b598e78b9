package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// processRefreshCatalogTask downloads the archive again and bumps the
// catalog generation so every API process rescans on its next listing.
func (st *appState) processRefreshCatalogTask(ctx context.Context, t *asynq.Task) error {
	var payload refreshTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	setTaskState(ctx, st.redis, taskID, "PROGRESS", map[string]any{"message": "Downloading archive..."})

	images, err := st.catalog.Refresh(ctx, st.cfg.imageDir())
	if err != nil {
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	gen, err := st.redis.Incr(ctx, catalogGenerationKey).Result()
	if err != nil {
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}

	res := refreshResult{
		Images:     len(images),
		Generation: gen,
		Message:    fmt.Sprintf("catalog refreshed with %d images", len(images)),
	}
	setTaskState(ctx, st.redis, taskID, "SUCCESS", toMap(res))
	return nil
}
