// Package guard implements the Step Guard (§4.2): a short-lived lease that
// serializes concurrent WebSocket messages for the same session so at most
// one ReAct cycle runs per session at a time. Two implementations share one
// interface — a Redis-backed lease for multi-instance deployments and an
// in-process fallback for tests and single-instance runs — mirroring the
// teacher's pattern of swapping a Redis-backed collaborator for an
// in-memory one behind a shared interface.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned by Acquire when another cycle already holds the lease
// for a session.
var ErrBusy = errors.New("session busy")

// StepGuard serializes access to one session's ReAct loop. Acquire fails
// fast (§4.2: "no wait inside the protocol; the caller decides to back
// off") — one lease attempt, ErrBusy on contention. Engine.Execute owns the
// poll-until-backoff loop around the call site.
type StepGuard interface {
	// Acquire attempts the lease exactly once and returns ErrBusy
	// immediately on contention.
	Acquire(ctx context.Context, sessionID string, lease time.Duration) (Token, error)
	// Release drops the lease if token still owns it.
	Release(ctx context.Context, sessionID string, token Token)
}

// Token identifies one lease acquisition, so Release never drops a lease
// acquired by someone else after this holder's lease expired.
type Token string

// redisGuard implements StepGuard with a Redis SET NX PX lease, safe across
// multiple service instances.
type redisGuard struct {
	client *redis.Client
}

// NewRedisGuard builds a Redis-backed StepGuard.
func NewRedisGuard(client *redis.Client) StepGuard {
	return &redisGuard{client: client}
}

func (g *redisGuard) Acquire(ctx context.Context, sessionID string, lease time.Duration) (Token, error) {
	token := Token(newToken())
	key := guardKey(sessionID)

	ok, err := g.client.SetNX(ctx, key, string(token), lease).Result()
	if err != nil {
		return "", fmt.Errorf("acquire step guard %q: %w", sessionID, err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

func (g *redisGuard) Release(ctx context.Context, sessionID string, token Token) {
	key := guardKey(sessionID)
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		return
	}
	if val == string(token) {
		g.client.Del(ctx, key)
	}
}

func guardKey(sessionID string) string {
	return "reactor:guard:" + sessionID
}

// localLease is one held lease in the in-process fallback.
type localLease struct {
	token     Token
	expiresAt time.Time
}

// memoryGuard implements StepGuard in-process via a mutex-guarded map, for
// single-instance runs and tests where a Redis dependency would be
// incidental.
type memoryGuard struct {
	mu    sync.Mutex
	held  map[string]localLease
}

// NewMemoryGuard builds an in-process StepGuard.
func NewMemoryGuard() StepGuard {
	return &memoryGuard{held: make(map[string]localLease)}
}

func (g *memoryGuard) Acquire(ctx context.Context, sessionID string, lease time.Duration) (Token, error) {
	if token, ok := g.tryAcquire(sessionID, lease); ok {
		return token, nil
	}
	return "", ErrBusy
}

func (g *memoryGuard) tryAcquire(sessionID string, lease time.Duration) (Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.held[sessionID]; ok && time.Now().Before(existing.expiresAt) {
		return "", false
	}
	token := Token(newToken())
	g.held[sessionID] = localLease{token: token, expiresAt: time.Now().Add(lease)}
	return token, true
}

func (g *memoryGuard) Release(ctx context.Context, sessionID string, token Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.held[sessionID]; ok && existing.token == token {
		delete(g.held, sessionID)
	}
}

var tokenCounter struct {
	mu sync.Mutex
	n  uint64
}

// newToken generates a process-unique lease token without pulling in the
// snowflake generator for something this short-lived and this local.
func newToken() string {
	tokenCounter.mu.Lock()
	tokenCounter.n++
	n := tokenCounter.n
	tokenCounter.mu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}
