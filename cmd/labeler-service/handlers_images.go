package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

func (st *appState) handleImageFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !st.authenticated(r) {
		http.Error(w, "login required", http.StatusUnauthorized)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/images/")
	if name == "" || strings.ContainsAny(name, `/\`) {
		http.NotFound(w, r)
		return
	}
	img, ok, err := st.catalog.Lookup(r.Context(), st.cfg.imageDir(), name)
	if err != nil {
		logger.Error("failed to resolve image", "name", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, img.Path)
}

func (st *appState) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !st.authenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "login required"})
		return
	}
	ctx := r.Context()

	if st.asynqCli == nil || st.redis == nil {
		images, err := st.catalog.Refresh(ctx, st.cfg.imageDir())
		if err != nil {
			logger.Error("catalog refresh failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"queued":  false,
			"images":  len(images),
			"message": "Catalog refreshed. New sessions will see the updated images.",
		})
		return
	}

	if st.isTrackedTaskBusy(ctx, refreshLastTask) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Another catalog refresh is already running.",
		})
		return
	}
	taskID := uuid.NewString()
	payload := refreshTaskPayload{TaskID: taskID}
	if err := st.enqueueTask(taskTypeRefreshCatalog, st.cfg.queueName, taskID, payload, st.cfg.downloadTimeout+5*time.Minute); err != nil {
		logger.Error("failed to enqueue refresh task",
			"task_type", taskTypeRefreshCatalog,
			"task_id", taskID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue task"})
		return
	}
	setTaskState(ctx, st.redis, taskID, "PENDING", map[string]any{"message": "Catalog refresh queued"})
	if err := st.redis.Set(ctx, refreshLastTask, taskID, taskStateTTL).Err(); err != nil {
		logger.Warn("failed to record refresh task id", "task_id", taskID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"task_id": taskID,
		"message": "Catalog refresh queued",
	})
}

func (st *appState) enqueueTask(taskType, queue, taskID string, payload any, timeout time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = st.asynqCli.Enqueue(asynq.NewTask(taskType, b),
		asynq.Queue(queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

func (st *appState) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if st.redis == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "task tracking requires REDIS_ADDR"})
		return
	}
	ctx := r.Context()
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		taskID, _ = st.redis.Get(ctx, refreshLastTask).Result()
	}
	if taskID == "" {
		badRequest(w, "task_id is required")
		return
	}
	rec, ok := getTaskState(ctx, st.redis, taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"task_id": taskID, "state": "UNKNOWN"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":    taskID,
		"state":      rec.Status,
		"result":     rec.Result,
		"updated_at": rec.UpdatedAt,
	})
}
