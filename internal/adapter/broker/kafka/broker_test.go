package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

func TestOptionsFill(t *testing.T) {
	o := Options{}
	o.fill()
	assert.Equal(t, "taskq.", o.TopicPrefix)
	assert.Equal(t, "taskq-workers", o.Group)
	assert.Equal(t, int32(8), o.Partitions)
	assert.Equal(t, int16(1), o.Replication)
	assert.Equal(t, time.Second, o.FetchMaxWait)
}

func TestTopicQueueMapping(t *testing.T) {
	o := Options{TopicPrefix: "jobs."}
	assert.Equal(t, "jobs.default", o.topicFor("default"))
	assert.Equal(t, "default", o.queueFor("jobs.default"))
	assert.Equal(t, "unprefixed", o.queueFor("unprefixed"))
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRecordRoundTrip(t *testing.T) {
	eta := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	msg := &domain.TaskMessage{
		ID:            "t1",
		TaskName:      "orders.process",
		Payload:       []byte(`{"order":42}`),
		ContentType:   domain.ContentTypeJSON,
		SentAt:        time.Now().UTC().Truncate(time.Millisecond),
		Queue:         "default",
		MaxRetries:    3,
		ETA:           &eta,
		CorrelationID: "corr-1",
		PartitionKey:  "customer-9",
		Headers:       map[string]string{domain.HeaderBatchID: "b1"},
	}

	rec, err := recordFromMessage(msg, "taskq.default")
	require.NoError(t, err)
	assert.Equal(t, "taskq.default", rec.Topic)
	assert.Equal(t, []byte("customer-9"), rec.Key)

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "t1", headers["task_id"])
	assert.Equal(t, "orders.process", headers["task_name"])
	assert.Equal(t, "corr-1", headers["correlation_id"])
	assert.Equal(t, "b1", headers[domain.HeaderBatchID])

	got, err := messageFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestRecordKeyDefaultsToTaskID(t *testing.T) {
	rec, err := recordFromMessage(&domain.TaskMessage{ID: "t1", Queue: "q"}, "taskq.q")
	require.NoError(t, err)
	assert.Equal(t, []byte("t1"), rec.Key)
}

func TestMessageFromRecordRejectsGarbage(t *testing.T) {
	_, err := messageFromRecord(&kgo.Record{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestTagFor(t *testing.T) {
	rec := &kgo.Record{Topic: "taskq.default", Partition: 2, Offset: 41}
	assert.Equal(t, "taskq.default/2/41", tagFor(rec))
}

func TestAckUnknownDelivery(t *testing.T) {
	b, err := New(Options{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	err = b.Ack(context.Background(), domain.Delivery{Tag: "taskq.default/0/0"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	err = b.Reject(context.Background(), domain.Delivery{Tag: "taskq.default/0/0"}, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPublishRequiresQueue(t *testing.T) {
	b, err := New(Options{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	err = b.Publish(context.Background(), &domain.TaskMessage{ID: "t1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestConsumeRequiresQueues(t *testing.T) {
	b, err := New(Options{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Consume(context.Background(), []string{}...)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPublishAfterClose(t *testing.T) {
	b, err := New(Options{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = b.Publish(context.Background(), &domain.TaskMessage{ID: "t1", Queue: "default"})
	assert.ErrorIs(t, err, domain.ErrClosed)
}
