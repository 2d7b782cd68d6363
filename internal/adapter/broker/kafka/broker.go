// Package kafka implements the broker on Kafka (or Redpanda) through
// franz-go. Every queue maps to one topic; consumers share a group with
// explicit per-record commits, so a delivery is redelivered after a crash
// until it is acked.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
)

const (
	defaultTopicPrefix = "taskq."
	defaultGroup       = "taskq-workers"
)

// Options tune the broker. Zero values fall back to defaults.
type Options struct {
	// Brokers are the seed broker addresses.
	Brokers []string
	// TopicPrefix is prepended to every queue name to form its topic.
	TopicPrefix string
	// Group is the consumer-group ID shared by all workers.
	Group string
	// Partitions is used when a queue's topic is created.
	Partitions int32
	// Replication is the topic replication factor.
	Replication int16
	// FetchMaxWait bounds one poll.
	FetchMaxWait time.Duration
}

func (o *Options) fill() {
	if o.TopicPrefix == "" {
		o.TopicPrefix = defaultTopicPrefix
	}
	if o.Group == "" {
		o.Group = defaultGroup
	}
	if o.Partitions <= 0 {
		o.Partitions = 8
	}
	if o.Replication <= 0 {
		o.Replication = 1
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = time.Second
	}
}

func (o Options) topicFor(queue string) string { return o.TopicPrefix + queue }

func (o Options) queueFor(topic string) string {
	return strings.TrimPrefix(topic, o.TopicPrefix)
}

// pendingRecord holds what Ack needs to commit one delivery.
type pendingRecord struct {
	record   *kgo.Record
	consumer *kgo.Client
}

// Broker is a Kafka implementation of domain.Broker.
type Broker struct {
	opts     Options
	logger   *slog.Logger
	producer *kgo.Client
	hooks    []kgo.Opt

	mu        sync.Mutex
	topics    map[string]bool
	pending   map[string]pendingRecord
	consumers []*kgo.Client
	closed    bool

	wg sync.WaitGroup
}

// New connects the producer client. logger may be nil.
func New(opts Options, logger *slog.Logger) (*Broker, error) {
	opts.fill()
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.new: %w: no seed brokers", domain.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	hooks := []kgo.Opt{kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...)}

	producer, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	}, hooks...)...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.new: %w", err)
	}
	return &Broker{
		opts:     opts,
		logger:   logger,
		producer: producer,
		hooks:    hooks,
		topics:   make(map[string]bool),
		pending:  make(map[string]pendingRecord),
	}, nil
}

// ensureTopic creates the queue's topic once per process.
func (b *Broker) ensureTopic(ctx domain.Context, queue string) error {
	b.mu.Lock()
	done := b.topics[queue]
	b.mu.Unlock()
	if done {
		return nil
	}
	err := createTopicIfNotExists(ctx, b.producer, b.opts.topicFor(queue), b.opts.Partitions, b.opts.Replication)
	if err != nil {
		// The topic may exist already on brokers that answer create
		// requests with a generic error; publishing will surface real
		// failures.
		b.logger.Warn("topic create failed", slog.String("queue", queue), slog.String("error", err.Error()))
	}
	b.mu.Lock()
	b.topics[queue] = true
	b.mu.Unlock()
	return nil
}

// recordFromMessage builds the produce record: the envelope rides in the
// value; routing and correlation fields are mirrored as record headers.
func recordFromMessage(msg *domain.TaskMessage, topic string) (*kgo.Record, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	key := msg.PartitionKey
	if key == "" {
		key = msg.ID
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(msg.ID)},
			{Key: "task_name", Value: []byte(msg.TaskName)},
		},
	}
	if msg.CorrelationID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "correlation_id", Value: []byte(msg.CorrelationID)})
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec, nil
}

func messageFromRecord(rec *kgo.Record) (*domain.TaskMessage, error) {
	var msg domain.TaskMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func tagFor(rec *kgo.Record) string {
	return rec.Topic + "/" + strconv.FormatInt(int64(rec.Partition), 10) + "/" + strconv.FormatInt(rec.Offset, 10)
}

// Publish produces one record synchronously.
func (b *Broker) Publish(ctx domain.Context, msg *domain.TaskMessage) error {
	if msg == nil || msg.Queue == "" {
		return fmt.Errorf("op=kafka.publish: %w: missing queue", domain.ErrInvalidArgument)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("op=kafka.publish: %w", domain.ErrClosed)
	}
	b.mu.Unlock()
	if err := b.ensureTopic(ctx, msg.Queue); err != nil {
		return fmt.Errorf("op=kafka.publish: %w", err)
	}
	rec, err := recordFromMessage(msg, b.opts.topicFor(msg.Queue))
	if err != nil {
		return fmt.Errorf("op=kafka.publish: %w", err)
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.publish: %w", err)
	}
	return nil
}

// Consume opens a group consumer over the queues' topics and returns its
// delivery channel. Offsets are committed per record on Ack.
func (b *Broker) Consume(ctx domain.Context, queues ...string) (<-chan domain.Delivery, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=kafka.consume: %w: no queues", domain.ErrInvalidArgument)
	}
	topics := make([]string, 0, len(queues))
	for _, q := range queues {
		if err := b.ensureTopic(ctx, q); err != nil {
			return nil, fmt.Errorf("op=kafka.consume: %w", err)
		}
		topics = append(topics, b.opts.topicFor(q))
	}

	consumer, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(b.opts.Brokers...),
		kgo.ConsumerGroup(b.opts.Group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(b.opts.FetchMaxWait),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
	}, b.hooks...)...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.consume: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		consumer.Close()
		return nil, fmt.Errorf("op=kafka.consume: %w", domain.ErrClosed)
	}
	b.consumers = append(b.consumers, consumer)
	b.mu.Unlock()

	out := make(chan domain.Delivery)
	b.wg.Add(1)
	go b.pollLoop(ctx, consumer, out)
	return out, nil
}

func (b *Broker) pollLoop(ctx context.Context, consumer *kgo.Client, out chan<- domain.Delivery) {
	defer b.wg.Done()
	defer close(out)
	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()))
		})
		for _, rec := range fetches.Records() {
			msg, err := messageFromRecord(rec)
			if err != nil {
				// Malformed records are committed away so the partition
				// does not stall.
				b.logger.Error("dropping malformed record",
					slog.String("topic", rec.Topic),
					slog.Int64("offset", rec.Offset),
					slog.String("error", err.Error()))
				if cerr := consumer.CommitRecords(ctx, rec); cerr != nil && ctx.Err() == nil {
					b.logger.Warn("commit failed", slog.String("error", cerr.Error()))
				}
				continue
			}
			tag := tagFor(rec)
			b.mu.Lock()
			b.pending[tag] = pendingRecord{record: rec, consumer: consumer}
			b.mu.Unlock()
			select {
			case out <- domain.Delivery{Message: msg, Tag: tag, Queue: b.opts.queueFor(rec.Topic)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Broker) takePending(tag string) (pendingRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[tag]
	if ok {
		delete(b.pending, tag)
	}
	return p, ok
}

// Ack commits the delivery's offset.
func (b *Broker) Ack(ctx domain.Context, d domain.Delivery) error {
	p, ok := b.takePending(d.Tag)
	if !ok {
		return fmt.Errorf("op=kafka.ack: %w: unknown delivery %s", domain.ErrNotFound, d.Tag)
	}
	if err := p.consumer.CommitRecords(ctx, p.record); err != nil {
		return fmt.Errorf("op=kafka.ack: %w", err)
	}
	return nil
}

// Reject commits the offset; with requeue the message is produced again
// as a fresh record at the topic tail.
func (b *Broker) Reject(ctx domain.Context, d domain.Delivery, requeue bool) error {
	p, ok := b.takePending(d.Tag)
	if !ok {
		return fmt.Errorf("op=kafka.reject: %w: unknown delivery %s", domain.ErrNotFound, d.Tag)
	}
	if err := p.consumer.CommitRecords(ctx, p.record); err != nil {
		return fmt.Errorf("op=kafka.reject: %w", err)
	}
	if !requeue || d.Message == nil {
		return nil
	}
	if err := b.Publish(ctx, d.Message); err != nil {
		return fmt.Errorf("op=kafka.reject: %w", err)
	}
	return nil
}

// IsHealthy pings the seed brokers.
func (b *Broker) IsHealthy(ctx domain.Context) error {
	if err := b.producer.Ping(ctx); err != nil {
		return fmt.Errorf("op=kafka.health: %w", err)
	}
	return nil
}

// Close shuts down the producer and every consumer client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.producer.Close()
	b.wg.Wait()
	return nil
}
