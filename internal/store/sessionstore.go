package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basegraph-relay/reactor/internal/domain"
)

// sessionTTL bounds how long a paused session's fast-tier snapshot survives
// without being touched before Redis reclaims it; a resume past this point
// falls through to the durable tier.
const sessionTTL = 24 * time.Hour

// SessionStore holds the live Session for every running or paused loop. The
// process-local map is authoritative for sessions this instance is actively
// driving; Redis is the fast tier for cross-request lookups (e.g. a status
// poll hitting a different gin worker goroutine) and the durable tier
// catches a session across process restarts.
type SessionStore struct {
	mu    sync.RWMutex
	local map[string]*domain.Session

	redis *redis.Client
	docs  DocStore
}

// NewSessionStore builds a SessionStore. redisClient may be nil, in which
// case the fast tier is skipped and every read goes to the process-local map
// then the durable DocStore.
func NewSessionStore(redisClient *redis.Client, docs DocStore) *SessionStore {
	return &SessionStore{
		local: make(map[string]*domain.Session),
		redis: redisClient,
		docs:  docs,
	}
}

// Put installs a session in the process-local map and mirrors it to the
// fast tier.
func (s *SessionStore) Put(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	s.local[sess.SessionID] = sess
	s.mu.Unlock()

	return s.syncFastTier(ctx, sess)
}

// Get returns the session by id, checking the process-local map first, then
// the Redis fast tier, then the durable document store (pause/resume across
// restarts). A tier hit below process-local repopulates the map.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	sess, ok := s.local[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if s.redis != nil {
		raw, err := s.redis.Get(ctx, redisKey(sessionID)).Bytes()
		if err == nil {
			var loaded domain.Session
			if jsonErr := json.Unmarshal(raw, &loaded); jsonErr == nil {
				s.mu.Lock()
				s.local[sessionID] = &loaded
				s.mu.Unlock()
				return &loaded, nil
			}
		} else if err != redis.Nil {
			return nil, fmt.Errorf("fast-tier get session %q: %w", sessionID, err)
		}
	}

	raw, err := s.docs.GetProjectState(ctx, durableDocID(sessionID))
	if err != nil {
		return nil, err
	}
	var loaded domain.Session
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("decode durable session %q: %w", sessionID, err)
	}

	s.mu.Lock()
	s.local[sessionID] = &loaded
	s.mu.Unlock()
	_ = s.syncFastTier(ctx, &loaded)
	return &loaded, nil
}

// Pause marks the session paused at its current step and snapshots it to
// the durable tier, so a resume can survive a process restart.
func (s *SessionStore) Pause(ctx context.Context, sess *domain.Session) error {
	sess.ReAct.Paused = true
	sess.ReAct.PausedAtStep = sess.ReAct.CurrentStepNumber

	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode paused session %q: %w", sess.SessionID, err)
	}
	if err := s.docs.PutProjectState(ctx, durableDocID(sess.SessionID), body); err != nil {
		return fmt.Errorf("persist paused session %q: %w", sess.SessionID, err)
	}
	return s.syncFastTier(ctx, sess)
}

// Resume clears the paused flag and reinstalls the session as live.
func (s *SessionStore) Resume(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.ReAct.Paused = false
	if err := s.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session from every tier, used once a loop terminates.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.local, sessionID)
	s.mu.Unlock()

	if s.redis != nil {
		s.redis.Del(ctx, redisKey(sessionID))
	}
}

func (s *SessionStore) syncFastTier(ctx context.Context, sess *domain.Session) error {
	if s.redis == nil {
		return nil
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %q for fast tier: %w", sess.SessionID, err)
	}
	if err := s.redis.Set(ctx, redisKey(sess.SessionID), body, sessionTTL).Err(); err != nil {
		return fmt.Errorf("fast-tier put session %q: %w", sess.SessionID, err)
	}
	return nil
}

func redisKey(sessionID string) string {
	return "reactor:session:" + sessionID
}

func durableDocID(sessionID string) string {
	return "session:" + sessionID
}
