package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// DeliveryHandler processes one delivered job id. Errors are logged and
// the delivery is still committed: the ledger, not the broker, decides
// whether a job runs again.
type DeliveryHandler func(ctx context.Context, jobID string) error

// Consumer reads job ids from the topics of its claimed queues and
// feeds them to a bounded worker pool.
type Consumer struct {
	client  *kgo.Client
	handler DeliveryHandler
	topics  []string
	groupID string
	workers int

	records  chan *kgo.Record
	shutdown chan struct{}
	once     sync.Once
}

// NewConsumer constructs a group Consumer over the queue topics. An
// empty list claims only the default queue.
func NewConsumer(brokers []string, groupID string, topics []string, workers int, handler DeliveryHandler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.NewConsumer: missing required group ID")
	}
	cleaned := make([]string, 0, len(topics))
	seen := map[string]struct{}{}
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		cleaned = append(cleaned, t)
	}
	if len(cleaned) == 0 {
		cleaned = []string{DefaultTopic}
	}
	if workers < 1 {
		workers = 1
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(cleaned...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: %w", err)
	}
	for _, t := range cleaned {
		if err := createTopicIfNotExists(context.Background(), client, t, 8, 1); err != nil {
			slog.Warn("topic ensure failed", slog.String("topic", t), slog.Any("error", err))
		}
	}
	return &Consumer{
		client:   client,
		handler:  handler,
		topics:   cleaned,
		groupID:  groupID,
		workers:  workers,
		records:  make(chan *kgo.Record, workers*2),
		shutdown: make(chan struct{}),
	}, nil
}

// Start runs the fetch loop and worker pool until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer starting",
		slog.String("group_id", c.groupID),
		slog.Any("topics", c.topics),
		slog.Int("workers", c.workers))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.worker(ctx, n)
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			c.stop()
			wg.Wait()
			return ctx.Err()
		default:
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			c.stop()
			wg.Wait()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.records <- rec:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case rec := <-c.records:
			jobID := string(rec.Key)
			if jobID == "" {
				jobID = string(rec.Value)
			}
			if err := c.handler(ctx, jobID); err != nil {
				slog.Error("delivery handling failed",
					slog.Int("worker", n),
					slog.String("job_id", jobID),
					slog.Any("error", err))
			}
			c.client.MarkCommitRecords(rec)
		}
	}
}

func (c *Consumer) stop() {
	c.once.Do(func() { close(c.shutdown) })
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	c.stop()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
