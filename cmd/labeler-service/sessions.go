package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newLabelSession(now time.Time) *labelSession {
	return &labelSession{
		ID:        uuid.NewString(),
		Queue:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type memorySessionEntry struct {
	sess      labelSession
	expiresAt time.Time
}

// memorySessionStore keeps sessions in process memory. Expired sessions are
// dropped lazily on access and by Sweep.
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySessionEntry
	ttl      time.Duration
	now      func() time.Time
}

func newMemorySessionStore(ttl time.Duration) *memorySessionStore {
	return &memorySessionStore{
		sessions: make(map[string]memorySessionEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *memorySessionStore) Load(_ context.Context, id string) (*labelSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	if s.ttl > 0 && !s.now().Before(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, false, nil
	}
	sess := entry.sess
	sess.Queue = append([]string(nil), entry.sess.Queue...)
	return &sess, true, nil
}

func (s *memorySessionStore) Save(_ context.Context, sess *labelSession) error {
	stored := *sess
	stored.Queue = append([]string(nil), sess.Queue...)
	s.mu.Lock()
	s.sessions[sess.ID] = memorySessionEntry{sess: stored, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *memorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *memorySessionStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// redisSessionStore stores sessions as JSON values with a sliding TTL.
type redisSessionStore struct {
	rdb RedisClient
	ttl time.Duration
}

func newRedisSessionStore(rdb RedisClient, ttl time.Duration) *redisSessionStore {
	return &redisSessionStore{rdb: rdb, ttl: ttl}
}

func (s *redisSessionStore) Load(ctx context.Context, id string) (*labelSession, bool, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	var sess labelSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &sess, true, nil
}

func (s *redisSessionStore) Save(ctx context.Context, sess *labelSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+sess.ID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *redisSessionStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKeyPrefix+id).Err()
}

// sessionLocks serializes transitions of one session across requests.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
