package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/klauspost/compress/zip"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger = initLogger(io.Discard)
	os.Exit(m.Run())
}

type fakeLabelStore struct {
	mu      sync.Mutex
	rows    map[string][]string
	saves   int
	saveErr error
	listErr error
}

func newFakeLabelStore(labeled ...string) *fakeLabelStore {
	s := &fakeLabelStore{rows: make(map[string][]string)}
	for _, name := range labeled {
		s.rows[name] = []string{"Boat"}
	}
	return s
}

func (s *fakeLabelStore) SaveLabels(_ context.Context, filename string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if len(tags) == 0 {
		return errEmptyLabels
	}
	s.saves++
	s.rows[filename] = append([]string(nil), tags...)
	return nil
}

func (s *fakeLabelStore) ListLabeledFilenames(context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make(map[string]struct{}, len(s.rows))
	for name := range s.rows {
		out[name] = struct{}{}
	}
	return out, nil
}

func (s *fakeLabelStore) LabelsFor(_ context.Context, filename string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[filename], nil
}

func (s *fakeLabelStore) Close() error { return nil }

func (s *fakeLabelStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func (s *fakeLabelStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = fmt.Sprint(v)
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error { return nil }

type fakeAsynq struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeAsynq) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeAsynq) Close() error { return nil }

type staticCatalog struct {
	images []image
	err    error
}

func (c *staticCatalog) List(context.Context, string) ([]image, error) {
	return c.images, c.err
}

func imagesNamed(names ...string) []image {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := make([]image, 0, len(sorted))
	for _, name := range sorted {
		out = append(out, image{Name: name, Path: filepath.Join("images", name), Ext: filepath.Ext(name)})
	}
	return out
}

// writeFiles creates each named file under dir with its name as content.
func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// countingFetcher writes a fixed set of images into destDir/sub on each call.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	sub   string
	names []string
	err   error
}

func (f *countingFetcher) FetchAndExtract(ctx context.Context, destDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	dir := filepath.Join(destDir, f.sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range f.names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *countingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
