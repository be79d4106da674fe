package convo

import (
	"context"
	"sync"
	"time"
)

// State is where a user is in the top-up flow.
type State string

const (
	StateIdle                    State = "idle"
	StateAwaitingAmount          State = "awaiting_amount"
	StateAwaitingPaymentApproval State = "awaiting_payment_approval"
)

// Session is the persisted conversation state of one user.
type Session struct {
	State      State     `json:"state"`
	InvoiceRef string    `json:"invoice_ref,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleSession is the state of a user with no flow in progress.
func IdleSession() Session {
	return Session{State: StateIdle}
}

// SessionStore persists sessions. Load returns an idle session for users
// without one.
type SessionStore interface {
	Load(ctx context.Context, userID int64) (Session, error)
	Save(ctx context.Context, userID int64, s Session) error
}

// MemorySessionStore keeps sessions in process memory. Sessions older than
// ttl read back as idle; a zero ttl keeps them forever.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[int64]Session
	ttl      time.Duration
	now      func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[int64]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemorySessionStore) Load(_ context.Context, userID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return IdleSession(), nil
	}
	if m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl {
		delete(m.sessions, userID)
		return IdleSession(), nil
	}
	return s, nil
}

func (m *MemorySessionStore) Save(_ context.Context, userID int64, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.State == StateIdle {
		delete(m.sessions, userID)
		return nil
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}
	m.sessions[userID] = s
	return nil
}
