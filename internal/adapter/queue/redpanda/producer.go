// Package redpanda provides Redpanda/Kafka queue integration.
//
// Dispatch carries job ids only; the durable state lives in Postgres.
// Delivery is at-least-once: a lost dispatch is recovered by the sweeper
// re-reading the ledger, so producers never block an enqueue on broker
// failure semantics beyond a plain produce.
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

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// DefaultTopic is the dispatch topic of the default queue. Named queues
// map 1:1 onto topics of the same name.
const DefaultTopic = "jobs.default"

// producerClient is the kgo surface the producer needs; narrowed for tests.
type producerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes job ids and implements domain.Queue.
type Producer struct {
	client producerClient
	topic  string
	clock  domain.Clock

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewProducer constructs a Producer and ensures the default topic plus
// one topic per named queue exist.
func NewProducer(brokers []string, topic string, queues ...string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewProducer: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewProducer: %w", err)
	}
	seen := map[string]struct{}{}
	for _, t := range append([]string{topic}, queues...) {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if err := createTopicIfNotExists(context.Background(), client, t, 8, 1); err != nil {
			slog.Warn("topic ensure failed", slog.String("topic", t), slog.Any("error", err))
		}
	}
	return newProducer(client, topic, domain.ClockFunc(time.Now)), nil
}

func newProducer(client producerClient, topic string, clock domain.Clock) *Producer {
	return &Producer{
		client: client,
		topic:  topic,
		clock:  clock,
		timers: map[*time.Timer]struct{}{},
	}
}

// Enqueue publishes the job id on its queue's topic, keyed by id for
// per-job ordering. An empty queue routes to the default topic. A runAt
// in the future holds the record in-process until due: delivering early
// is forbidden, while a record lost to a crash is re-dispatched by the
// sweeper once the grace period passes.
func (p *Producer) Enqueue(ctx domain.Context, jobID, queue string, runAt *time.Time) error {
	if jobID == "" {
		return fmt.Errorf("op=queue.Enqueue: %w", domain.ErrInvalidArgument)
	}
	topic := p.topicFor(queue)
	if runAt != nil {
		if delay := runAt.Sub(p.clock.Now()); delay > 0 {
			p.scheduleDelayed(jobID, topic, delay)
			return nil
		}
	}
	return p.produce(ctx, jobID, topic)
}

func (p *Producer) topicFor(queue string) string {
	if queue == "" {
		return p.topic
	}
	return queue
}

func (p *Producer) scheduleDelayed(jobID, topic string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.produce(context.Background(), jobID, topic); err != nil {
			// Advisory only: the sweeper re-dispatches from the ledger.
			slog.Warn("delayed dispatch failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	})
	p.timers[t] = struct{}{}
	slog.Debug("dispatch delayed", slog.String("job_id", jobID), slog.Duration("delay", delay))
}

func (p *Producer) produce(ctx context.Context, jobID, topic string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(jobID),
		Value: []byte(jobID),
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(jobID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.Enqueue: %w", err)
	}
	slog.Debug("job dispatched", slog.String("topic", topic), slog.String("job_id", jobID))
	return nil
}

// Ping probes broker connectivity for readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	if pinger, ok := p.client.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close stops pending delayed timers and closes the client.
func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
