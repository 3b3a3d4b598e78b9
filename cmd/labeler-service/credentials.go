package main

import (
	"crypto/subtle"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

type credentialChecker interface {
	Check(password string) bool
}

type bcryptCredential struct {
	hash []byte
}

func (c bcryptCredential) Check(password string) bool {
	return bcrypt.CompareHashAndPassword(c.hash, []byte(password)) == nil
}

type plainCredential struct {
	secret []byte
}

func (c plainCredential) Check(password string) bool {
	return subtle.ConstantTimeCompare(c.secret, []byte(password)) == 1
}

type denyCredential struct{}

func (denyCredential) Check(string) bool { return false }

// newCredentialChecker prefers a bcrypt hash over the plaintext secret. With
// neither configured no password is accepted.
func newCredentialChecker(cfg config) credentialChecker {
	switch {
	case cfg.appPasswordHash != "":
		return bcryptCredential{hash: []byte(cfg.appPasswordHash)}
	case cfg.appPassword != "":
		return plainCredential{secret: []byte(cfg.appPassword)}
	default:
		logger.Warn("no APP_PASSWORD or APP_PASSWORD_HASH configured; logins are disabled")
		return denyCredential{}
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// loginLimiter throttles login attempts per client key.
type loginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newLoginLimiter(perMinute, burst int) *loginLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &loginLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *loginLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// prune forgets clients idle for longer than idle.
func (l *loginLimiter) prune(idle time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > idle {
			delete(l.limiters, key)
		}
	}
}
