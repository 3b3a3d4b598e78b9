package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts Redis operations used by sessions, task state and
// the catalog generation counter.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// AsynqClient abstracts task enqueue operations.
type AsynqClient interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// LabelStore abstracts persistent label records keyed by filename.
type LabelStore interface {
	SaveLabels(ctx context.Context, filename string, tags []string) error
	ListLabeledFilenames(ctx context.Context) (map[string]struct{}, error)
	LabelsFor(ctx context.Context, filename string) ([]string, error)
	Close() error
}

// SessionStore keeps labelSession values between requests.
type SessionStore interface {
	Load(ctx context.Context, id string) (*labelSession, bool, error)
	Save(ctx context.Context, sess *labelSession) error
	Delete(ctx context.Context, id string) error
}

type archiveFetcher interface {
	FetchAndExtract(ctx context.Context, destDir string) error
}

type generationSource interface {
	Generation(ctx context.Context) (int64, error)
}

var _ RedisClient = (*redis.Client)(nil)
var _ AsynqClient = (*asynq.Client)(nil)
var _ LabelStore = (*store)(nil)
var _ LabelStore = (*badgerLabelStore)(nil)
var _ LabelStore = (*postgrestLabelStore)(nil)
var _ SessionStore = (*memorySessionStore)(nil)
var _ SessionStore = (*redisSessionStore)(nil)
var _ archiveFetcher = (*archiveDownloader)(nil)
