package cache

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"bot-topup/internal/convo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "topup:session:42", sessionKey(42))
}

func TestSessionStoreRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("set REDIS_TEST_ADDR to run redis tests")
	}

	ctx := context.Background()
	r := New(Config{Addr: addr}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Ping(ctx))

	store := NewSessionStore(r, time.Minute)
	user := rand.Int64N(1<<40) + 1
	t.Cleanup(func() { _ = r.Delete(ctx, sessionKey(user)) })

	s, err := store.Load(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, convo.StateIdle, s.State)

	saved := convo.Session{
		State:      convo.StateAwaitingPaymentApproval,
		InvoiceRef: "inv-1",
		UpdatedAt:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, user, saved))

	s, err = store.Load(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, saved.State, s.State)
	assert.Equal(t, saved.InvoiceRef, s.InvoiceRef)
	assert.True(t, saved.UpdatedAt.Equal(s.UpdatedAt))

	ttl, err := r.client.TTL(ctx, sessionKey(user)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Save(ctx, user, convo.IdleSession()))
	s, err = store.Load(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, convo.StateIdle, s.State)
}
