package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTags(t *testing.T) {
	cases := []struct {
		name string
		raw  []string
		want []string
	}{
		{name: "empty", raw: nil, want: []string{}},
		{name: "vocabulary order", raw: []string{"Boat", "traditional house"}, want: []string{"traditional house", "Boat"}},
		{name: "unknown dropped", raw: []string{"Castle", "Sprouts"}, want: []string{"Sprouts"}},
		{name: "duplicates collapse", raw: []string{"Vehicle", " Vehicle ", "Vehicle"}, want: []string{"Vehicle"}},
		{name: "case sensitive", raw: []string{"boat"}, want: []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeTags(tc.raw))
		})
	}
}

func TestIsImageFile(t *testing.T) {
	for _, name := range []string{"a.jpg", "a.JPG", "b.jpeg", "c.Png"} {
		assert.True(t, isImageFile(name), name)
	}
	for _, name := range []string{"a.gif", "a.webp", "jpg", "a.jpg.txt", ""} {
		assert.False(t, isImageFile(name), name)
	}
}

func TestResolvePathUnderRoot(t *testing.T) {
	root := t.TempDir()

	got, err := resolvePathUnderRoot(root, "Filtered/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Filtered", "a.jpg"), got)

	for _, rel := range []string{"../escape.jpg", "Filtered/../../escape.jpg", ".", ""} {
		_, err := resolvePathUnderRoot(root, rel)
		assert.Error(t, err, rel)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", clientIP(r, false))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.0.0.7", clientIP(r, false), "forwarded header ignored by default")
	assert.Equal(t, "203.0.113.9", clientIP(r, true))
}

func TestTaskStateRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	ctx := context.Background()

	_, ok := getTaskState(ctx, rdb, "missing")
	assert.False(t, ok)

	setTaskState(ctx, rdb, "t1", "SUCCESS", map[string]any{"message": "done", "images": 3})
	rec, ok := getTaskState(ctx, rdb, "t1")
	require.True(t, ok)
	assert.Equal(t, "SUCCESS", rec.Status)
	assert.Equal(t, map[string]any{"message": "done", "images": float64(3)}, rec.Result)
	assert.Equal(t, taskStateTTL, rdb.ttls[taskMetaPrefix+"t1"])
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"SUPABASE_URL", "LABEL_STORE", "DATA_PATH", "IMAGE_SUBDIR", "SESSION_TTL",
		"LOGIN_RATE_PER_MINUTE", "LABELER_API_ADDR", "S3_USE_SSL",
	} {
		t.Setenv(key, "")
	}

	cfg := loadConfig()
	assert.Equal(t, "sqlite", cfg.labelBackend)
	assert.Equal(t, filepath.Join("image_data", "Filtered"), cfg.imageDir())
	assert.Equal(t, 12*time.Hour, cfg.sessionTTL)
	assert.Equal(t, 10, cfg.loginRatePerMinute)
	assert.Equal(t, ":8501", cfg.apiAddr)
	assert.True(t, cfg.s3UseSSL)

	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SESSION_TTL", "45m")
	t.Setenv("S3_USE_SSL", "false")
	cfg = loadConfig()
	assert.Equal(t, "supabase", cfg.labelBackend)
	assert.Equal(t, 45*time.Minute, cfg.sessionTTL)
	assert.False(t, cfg.s3UseSSL)

	t.Setenv("LABEL_STORE", "Badger")
	assert.Equal(t, "badger", loadConfig().labelBackend)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestOpenLabelStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openLabelStore(config{labelBackend: "mongo"})
	assert.Error(t, err)
}
