package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokermem "github.com/fairyhunter13/go-taskqueue/internal/adapter/broker/memory"
	storemem "github.com/fairyhunter13/go-taskqueue/internal/adapter/store/memory"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func newClient(t *testing.T) (*Client, *brokermem.Broker, *storemem.DelayedStore, *storemem.ResultBackend, *storemem.BatchStore) {
	t.Helper()
	broker := brokermem.New()
	delayed := storemem.NewDelayedStore()
	backend := storemem.NewResultBackend()
	batches := storemem.NewBatchStore()
	c := New(Options{}, broker, delayed, backend, batches)
	return c, broker, delayed, backend, batches
}

func pop(t *testing.T, broker *brokermem.Broker, queue string) domain.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deliveries, err := broker.Consume(ctx, queue)
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		return d
	case <-ctx.Done():
		t.Fatal("no delivery")
		return domain.Delivery{}
	}
}

func TestEnqueuePublishesImmediately(t *testing.T) {
	c, broker, _, _, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "emails.send", map[string]string{"to": "a@b.c"}, WithQueue("emails"), WithPriority(5))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	d := pop(t, broker, "emails")
	assert.Equal(t, id, d.Message.ID)
	assert.Equal(t, "emails.send", d.Message.TaskName)
	assert.Equal(t, 5, d.Message.Priority)
	assert.Equal(t, id, d.Message.RootID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(d.Message.Payload, &payload))
	assert.Equal(t, "a@b.c", payload["to"])
}

func TestEnqueueEmptyNameRejected(t *testing.T) {
	c, _, _, _, _ := newClient(t)
	_, err := c.Enqueue(context.Background(), "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueueFutureETAGoesToDelayedStore(t *testing.T) {
	c, _, delayed, _, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "reports.build", nil, WithCountdown(time.Hour))
	require.NoError(t, err)

	due, err := delayed.DueMessages(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = delayed.DueMessages(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
}

func TestCancelScheduled(t *testing.T) {
	c, _, delayed, _, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "reports.build", nil, WithCountdown(time.Hour))
	require.NoError(t, err)

	removed, err := c.CancelScheduled(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	due, err := delayed.DueMessages(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEnqueuePastETAPublishesDirectly(t *testing.T) {
	c, broker, _, _, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "emails.send", nil, WithETA(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	d := pop(t, broker, "default")
	assert.Equal(t, id, d.Message.ID)
}

func TestWaitResultDelegatesToBackend(t *testing.T) {
	c, _, _, backend, _ := newClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "emails.send", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = backend.StoreResult(ctx, &domain.TaskResult{
			TaskID: id,
			State:  domain.StateSuccess,
		}, time.Hour)
	}()

	res, err := c.WaitResult(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, res.State)
}

func TestEnqueueBatch(t *testing.T) {
	c, broker, _, _, batches := newClient(t)
	ctx := context.Background()

	batch, err := c.EnqueueBatch(ctx, "nightly", []BatchTask{
		{TaskName: "reports.build", Payload: map[string]int{"n": 1}},
		{TaskName: "reports.build", Payload: map[string]int{"n": 2}},
	})
	require.NoError(t, err)
	require.Len(t, batch.TaskIDs, 2)
	assert.Equal(t, domain.BatchPending, batch.State)

	stored, err := batches.Get(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.TaskIDs, stored.TaskIDs)

	for range batch.TaskIDs {
		d := pop(t, broker, "default")
		assert.Equal(t, batch.ID, d.Message.Headers[domain.HeaderBatchID])
	}
}

func TestEnqueueBatchEmptyRejected(t *testing.T) {
	c, _, _, _, _ := newClient(t)
	_, err := c.EnqueueBatch(context.Background(), "empty", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestIDsAreMonotonicallySortable(t *testing.T) {
	c, _, _, _, _ := newClient(t)
	ctx := context.Background()

	first, err := c.Enqueue(ctx, "emails.send", nil)
	require.NoError(t, err)
	second, err := c.Enqueue(ctx, "emails.send", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
