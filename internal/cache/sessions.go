package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bot-topup/internal/convo"
)

const sessionKeyPrefix = "topup:session:"

// SessionStore keeps conversation sessions in Redis so a restart resumes
// in-flight flows. Each save refreshes the key's TTL.
type SessionStore struct {
	redis *Redis
	ttl   time.Duration
}

var _ convo.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a store whose keys expire after ttl of inactivity.
func NewSessionStore(r *Redis, ttl time.Duration) *SessionStore {
	return &SessionStore{redis: r, ttl: ttl}
}

func (s *SessionStore) Load(ctx context.Context, userID int64) (convo.Session, error) {
	var sess convo.Session
	found, err := s.redis.GetJSON(ctx, sessionKey(userID), &sess)
	if err != nil {
		return convo.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !found || sess.State == "" {
		return convo.IdleSession(), nil
	}
	return sess, nil
}

func (s *SessionStore) Save(ctx context.Context, userID int64, sess convo.Session) error {
	if sess.State == convo.StateIdle {
		return s.redis.Delete(ctx, sessionKey(userID))
	}
	return s.redis.SetJSON(ctx, sessionKey(userID), sess, s.ttl)
}

func sessionKey(userID int64) string {
	return sessionKeyPrefix + strconv.FormatInt(userID, 10)
}
