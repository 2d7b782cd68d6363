package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func enqueueSignal(t *testing.T, s *SignalStore, id string, kind domain.SignalKind) {
	t.Helper()
	require.NoError(t, s.Enqueue(context.Background(), &domain.SignalMessage{
		ID:      id,
		Kind:    kind,
		Payload: []byte(`{"task_id":"` + id + `"}`),
	}))
}

func TestSignalStoreDequeueFIFO(t *testing.T) {
	s := NewSignalStore()
	ctx := context.Background()
	enqueueSignal(t, s, "sig-1", domain.SignalTaskSuccess)
	enqueueSignal(t, s, "sig-2", domain.SignalTaskFailure)
	enqueueSignal(t, s, "sig-3", domain.SignalTaskRetry)

	msgs, err := s.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sig-1", msgs[0].ID)
	assert.Equal(t, domain.SignalTaskSuccess, msgs[0].Kind)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, "sig-2", msgs[1].ID)
	assert.False(t, msgs[0].CreatedAt.IsZero())

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSignalStoreEnqueueAssignsID(t *testing.T) {
	s := NewSignalStore()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, &domain.SignalMessage{Kind: domain.SignalTaskPreRun}))

	msgs, err := s.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].ID)

	err = s.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSignalStoreAcknowledge(t *testing.T) {
	s := NewSignalStore()
	ctx := context.Background()
	enqueueSignal(t, s, "sig-1", domain.SignalTaskSuccess)

	msgs, err := s.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, s.Acknowledge(ctx, "sig-1"))

	err = s.Acknowledge(ctx, "sig-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSignalStoreRejectRequeuesToTail(t *testing.T) {
	s := NewSignalStore()
	ctx := context.Background()
	enqueueSignal(t, s, "sig-1", domain.SignalTaskSuccess)
	enqueueSignal(t, s, "sig-2", domain.SignalTaskFailure)

	msgs, err := s.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "sig-1", msgs[0].ID)
	require.NoError(t, s.Reject(ctx, "sig-1", true))

	msgs, err = s.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sig-2", msgs[0].ID)
	assert.Equal(t, "sig-1", msgs[1].ID)
	assert.Equal(t, 2, msgs[1].Attempts)
}

func TestSignalStoreRejectDrops(t *testing.T) {
	s := NewSignalStore()
	ctx := context.Background()
	enqueueSignal(t, s, "sig-1", domain.SignalTaskSuccess)

	msgs, err := s.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, s.Reject(ctx, "sig-1", false))

	msgs, err = s.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	err = s.Reject(ctx, "sig-9", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
