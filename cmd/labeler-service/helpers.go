package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func setTaskState(ctx context.Context, rdb RedisClient, taskID, status string, result interface{}) {
	rec := queueTaskStatus{Status: status, Result: result, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	b, _ := json.Marshal(rec)
	if err := rdb.Set(ctx, taskMetaPrefix+taskID, b, taskStateTTL).Err(); err != nil {
		logger.Error("failed to persist task state", "task_id", taskID, "status", status, "error", err)
	}

	attrs := []any{"task_id", taskID, "status", status}
	if resultMap, ok := result.(map[string]any); ok {
		if s, ok := resultMap["message"].(string); ok && s != "" {
			attrs = append(attrs, "message", s)
		}
	}
	switch status {
	case "FAILURE":
		logger.Error("task state updated", attrs...)
	case "PROGRESS":
		logger.Debug("task state updated", attrs...)
	default:
		logger.Info("task state updated", attrs...)
	}
}

func getTaskState(ctx context.Context, rdb RedisClient, taskID string) (queueTaskStatus, bool) {
	raw, err := rdb.Get(ctx, taskMetaPrefix+taskID).Result()
	if err != nil || raw == "" {
		return queueTaskStatus{}, false
	}
	var rec queueTaskStatus
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return queueTaskStatus{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": message})
}

func decodeJSONOrBadRequest(w http.ResponseWriter, r *http.Request, dst any, message string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, message)
		return false
	}
	return true
}

func toMap(v interface{}) map[string]any {
	b, _ := json.Marshal(v)
	m := make(map[string]any)
	_ = json.Unmarshal(b, &m)
	return m
}

func resolvePathUnderRoot(root, rel string) (string, error) {
	cleanRel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if cleanRel == "." || cleanRel == "" || cleanRel == string(os.PathSeparator) {
		return "", errors.New("invalid path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(filepath.Join(absRoot, cleanRel))
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(os.PathSeparator)) {
		return "", errors.New("path traversal")
	}
	return absPath, nil
}

func isImageFile(name string) bool {
	_, ok := catalogExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

func joinDataPath(root, sub string) string {
	if strings.TrimSpace(sub) == "" {
		return root
	}
	return filepath.Join(root, sub)
}

// normalizeTags drops unknown and duplicate tags and returns the rest in
// vocabulary order.
func normalizeTags(raw []string) []string {
	selected := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		selected[strings.TrimSpace(tag)] = struct{}{}
	}
	tags := make([]string, 0, len(selected))
	for _, tag := range tagVocabulary {
		if _, ok := selected[tag]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// clientIP keys a request by its socket peer. X-Forwarded-For is honored
// only when the service runs behind a trusted proxy.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
