package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

type fakeJobs struct {
	mu      sync.Mutex
	byKey   map[string]string
	nextID  int
	created []domain.Job
	err     error
}

func newFakeJobs() *fakeJobs { return &fakeJobs{byKey: map[string]string{}} }

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if j.IdempotencyKey != "" {
		if id, ok := f.byKey[j.IdempotencyKey]; ok {
			return id, false, nil
		}
	}
	f.nextID++
	id := string(rune('a' + f.nextID))
	if j.IdempotencyKey != "" {
		f.byKey[j.IdempotencyKey] = id
	}
	f.created = append(f.created, j)
	return id, true, nil
}

func (f *fakeJobs) Get(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (f *fakeJobs) MarkRunning(domain.Context, string, string) (bool, error) { return false, nil }
func (f *fakeJobs) MarkSucceeded(domain.Context, string, any) error          { return nil }
func (f *fakeJobs) MarkRetry(domain.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeJobs) MarkDead(domain.Context, string, string) error { return nil }
func (f *fakeJobs) Cancel(domain.Context, string) error           { return nil }
func (f *fakeJobs) ListDue(domain.Context, time.Time, time.Duration, int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) ReapStuck(domain.Context, time.Time, time.Duration, int) ([]domain.Job, error) {
	return nil, nil
}

type captureQueue struct {
	mu     sync.Mutex
	ids    []string
	queues []string
	errs   error
}

func (q *captureQueue) Enqueue(_ domain.Context, jobID, queue string, _ *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.errs != nil {
		return q.errs
	}
	q.ids = append(q.ids, jobID)
	q.queues = append(q.queues, queue)
	return nil
}

func TestEnqueueDispatchesNewJob(t *testing.T) {
	jobs := newFakeJobs()
	queue := &captureQueue{}
	svc := NewEnqueueService(jobs, queue, 8)

	res, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Type:           "crm.sync_people",
		Queue:          "jobs.sync",
		IdempotencyKey: "crm.sync_people:123",
		Kwargs:         map[string]any{"limit": 50},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{res.JobID}, queue.ids)
	assert.Equal(t, []string{"jobs.sync"}, queue.queues, "dispatch carries the job's queue")
	require.Len(t, jobs.created, 1)
	assert.Equal(t, 8, jobs.created[0].MaxAttempts)
	assert.JSONEq(t, `{"args":[],"kwargs":{"limit":50}}`, string(jobs.created[0].Payload))
}

func TestEnqueueDuplicateKeyDispatchesOnce(t *testing.T) {
	jobs := newFakeJobs()
	queue := &captureQueue{}
	svc := NewEnqueueService(jobs, queue, 8)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, EnqueueRequest{Type: "t", IdempotencyKey: "k"})
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, EnqueueRequest{Type: "t", IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, queue.ids, 1, "only the creating call dispatches")
}

func TestEnqueueSurvivesBrokerFailure(t *testing.T) {
	jobs := newFakeJobs()
	queue := &captureQueue{errs: errors.New("broker down")}
	svc := NewEnqueueService(jobs, queue, 8)

	res, err := svc.Enqueue(context.Background(), EnqueueRequest{Type: "t"})
	require.NoError(t, err, "durable record wins; sweeper recovers dispatch")
	assert.True(t, res.Created)
}

func TestEnqueueRequiresType(t *testing.T) {
	svc := NewEnqueueService(newFakeJobs(), &captureQueue{}, 8)
	_, err := svc.Enqueue(context.Background(), EnqueueRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuditServiceWritesInOrder(t *testing.T) {
	store := &memAuditStore{}
	svc := NewAuditService(store, 16)

	for i := 0; i < 5; i++ {
		svc.Record(domain.AuditEvent{
			Source:        domain.AuditSourceChat,
			Action:        "cmd.run",
			Result:        domain.AuditResultSuccess,
			ActorProvider: domain.ActorProviderChat,
			ActorSubject:  "actor-1",
			ResourceID:    string(rune('0' + i)),
		})
	}
	svc.Close()

	events := store.recorded()
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, string(rune('0'+i)), e.ResourceID, "per-actor order preserved")
	}
}

func TestAuditServiceDropsInvalidEvent(t *testing.T) {
	store := &memAuditStore{}
	svc := NewAuditService(store, 16)

	svc.Record(domain.AuditEvent{Action: "bad"})
	svc.Close()

	assert.Empty(t, store.recorded())
}
