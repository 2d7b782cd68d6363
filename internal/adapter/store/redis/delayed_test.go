package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func delayedMsg(id string) *domain.TaskMessage {
	return &domain.TaskMessage{ID: id, TaskName: "emails.send", Queue: "default"}
}

func TestDelayedAddAndDue(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewDelayedStore(client, "taskq")
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Add(ctx, delayedMsg("a"), base.Add(-time.Second)))
	require.NoError(t, s.Add(ctx, delayedMsg("b"), base.Add(time.Hour)))

	due, err := s.DueMessages(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ID)

	// Claimed entries are gone; a second drain finds nothing.
	due, err = s.DueMessages(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, due)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestDelayedReAddReplacesSchedule(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewDelayedStore(client, "taskq")
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Add(ctx, delayedMsg("a"), base.Add(time.Hour)))
	require.NoError(t, s.Add(ctx, delayedMsg("a"), base.Add(-time.Second)))

	due, err := s.DueMessages(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDelayedRemove(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewDelayedStore(client, "taskq")
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, delayedMsg("a"), time.Now().Add(time.Hour)))

	removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDelayedNextDeliveryTime(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewDelayedStore(client, "taskq")
	ctx := context.Background()

	_, ok, err := s.NextDeliveryTime(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Now().Add(30 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.Add(ctx, delayedMsg("a"), at))
	require.NoError(t, s.Add(ctx, delayedMsg("b"), at.Add(time.Hour)))

	next, ok, err := s.NextDeliveryTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(at))
}
