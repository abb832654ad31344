package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

// memJobs is an in-memory JobRepository mirroring the ledger semantics.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemJobs(jobs ...domain.Job) *memJobs {
	m := &memJobs{jobs: map[string]*domain.Job{}}
	for i := range jobs {
		j := jobs[i]
		m.jobs[j.ID] = &j
	}
	return m
}

func (m *memJobs) Create(_ domain.Context, j domain.Job) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if j.IdempotencyKey != "" && existing.IdempotencyKey == j.IdempotencyKey {
			return existing.ID, false, nil
		}
	}
	m.jobs[j.ID] = &j
	return j.ID, true, nil
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (m *memJobs) MarkRunning(_ domain.Context, id, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != domain.JobQueued && j.Status != domain.JobFailed) {
		return false, nil
	}
	now := time.Now()
	j.Status = domain.JobRunning
	j.LockedAt = &now
	j.LockedBy = workerID
	j.RunAfter = nil
	j.LastError = ""
	return true, nil
}

func (m *memJobs) MarkSucceeded(_ domain.Context, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobSucceeded
	var payload domain.JobPayload
	_ = json.Unmarshal(j.Payload, &payload)
	payload.Result = result
	j.Payload, _ = json.Marshal(payload)
	j.LockedAt, j.LockedBy, j.RunAfter, j.LastError = nil, "", nil, ""
	return nil
}

func (m *memJobs) MarkRetry(_ domain.Context, id, errMsg string, runAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobFailed
	j.Attempts++
	j.LastError = errMsg
	j.RunAfter = &runAfter
	j.LockedAt, j.LockedBy = nil, ""
	return nil
}

func (m *memJobs) MarkDead(_ domain.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobDead
	j.Attempts++
	j.LastError = errMsg
	j.LockedAt, j.LockedBy, j.RunAfter = nil, "", nil
	return nil
}

func (m *memJobs) Cancel(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != domain.JobQueued && j.Status != domain.JobFailed) {
		return domain.ErrConflict
	}
	j.Status = domain.JobCanceled
	return nil
}

func (m *memJobs) ListDue(_ domain.Context, now time.Time, grace time.Duration, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != domain.JobQueued && j.Status != domain.JobFailed {
			continue
		}
		if j.RunAfter != nil && j.RunAfter.After(now) {
			continue
		}
		if j.UpdatedAt.After(now.Add(-grace)) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *memJobs) ReapStuck(_ domain.Context, now time.Time, lease time.Duration, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != domain.JobRunning || j.LockedAt == nil || j.LockedAt.After(now.Add(-lease)) {
			continue
		}
		j.Status = domain.JobQueued
		j.LockedAt, j.LockedBy = nil, ""
		out = append(out, *j)
	}
	return out, nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueues []string
	queues   []string
	runAts   []*time.Time
	err      error
}

func (q *memQueue) Enqueue(_ domain.Context, jobID, queue string, runAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueues = append(q.enqueues, jobID)
	q.queues = append(q.queues, queue)
	q.runAts = append(q.runAts, runAt)
	return nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueues)
}

func queuedJob(id, typ string, attempts, maxAttempts int) domain.Job {
	payload, _ := domain.EncodePayload([]any{"contact-1"}, nil)
	return domain.Job{
		ID:          id,
		Type:        typ,
		QueueName:   "jobs.default",
		Status:      domain.JobQueued,
		Payload:     payload,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func testRunner(jobs *memJobs, queue *memQueue, reg *Registry) *Runner {
	return NewRunner(jobs, queue, reg, RunnerConfig{
		WorkerName: "worker-a",
		RetryBase:  5 * time.Second,
		RetryMax:   300 * time.Second,
		JobTimeout: time.Second,
	})
}

func TestRunnerSuccessMergesResult(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "crm.sync_person", 0, 8))
	queue := &memQueue{}
	reg := NewRegistry()
	reg.Register("crm.sync_person", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		require.Equal(t, []any{"contact-1"}, args)
		return map[string]any{"synced": true}, nil
	})

	r := testRunner(jobs, queue, reg)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobSucceeded, j.Status)
	assert.Contains(t, string(j.Payload), `"synced":true`)
	assert.Empty(t, j.LockedBy)
}

func TestRunnerRetryThenSuccess(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "crm.sync_person", 0, 8))
	queue := &memQueue{}
	reg := NewRegistry()
	calls := 0
	reg.Register("crm.sync_person", func(context.Context, []any, map[string]any) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream 502")
		}
		return "ok", nil
	})

	r := testRunner(jobs, queue, reg)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.LastError, "upstream 502")
	require.NotNil(t, j.RunAfter)
	require.Equal(t, 1, queue.count(), "retry must be redispatched with a delay")
	assert.NotNil(t, queue.runAts[0])

	require.NoError(t, r.Run(context.Background(), "job-1"))
	j, _ = jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobSucceeded, j.Status)
	assert.Empty(t, j.LastError)
}

func TestRunnerExhaustedRetriesDead(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "crm.sync_person", 1, 2))
	queue := &memQueue{}
	reg := NewRegistry()
	reg.Register("crm.sync_person", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("still broken")
	})

	r := testRunner(jobs, queue, reg)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobDead, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Contains(t, j.LastError, "still broken")
	assert.Zero(t, queue.count(), "dead jobs are not redispatched")
}

func TestRunnerUnknownTypeDeadLetters(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "no.such.type", 0, 8))
	queue := &memQueue{}
	r := testRunner(jobs, queue, NewRegistry())
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobDead, j.Status)
	assert.True(t, strings.HasPrefix(j.LastError, "unknown-type:"), j.LastError)
	assert.Zero(t, queue.count())
}

func TestRunnerSkipsAbsentTerminalAndForeignLocked(t *testing.T) {
	terminal := queuedJob("job-done", "t", 0, 8)
	terminal.Status = domain.JobSucceeded
	foreign := queuedJob("job-foreign", "t", 0, 8)
	foreign.Status = domain.JobRunning
	foreign.LockedBy = "worker-b"
	jobs := newMemJobs(terminal, foreign)
	queue := &memQueue{}
	r := testRunner(jobs, queue, NewRegistry())

	require.NoError(t, r.Run(context.Background(), "job-missing"))
	require.NoError(t, r.Run(context.Background(), "job-done"))
	require.NoError(t, r.Run(context.Background(), "job-foreign"))

	j, _ := jobs.Get(context.Background(), "job-done")
	assert.Equal(t, domain.JobSucceeded, j.Status)
	j, _ = jobs.Get(context.Background(), "job-foreign")
	assert.Equal(t, domain.JobRunning, j.Status)
	assert.Equal(t, "worker-b", j.LockedBy)
}

func TestRunnerTimeoutCountsAsFailure(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "slow", 0, 8))
	queue := &memQueue{}
	reg := NewRegistry()
	reg.Register("slow", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	r := NewRunner(jobs, queue, reg, RunnerConfig{
		WorkerName: "worker-a",
		RetryBase:  5 * time.Second,
		RetryMax:   300 * time.Second,
		JobTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, j.LastError, "timeout")
}

func TestRunnerTruncatesLongErrors(t *testing.T) {
	jobs := newMemJobs(queuedJob("job-1", "noisy", 0, 8))
	queue := &memQueue{}
	reg := NewRegistry()
	reg.Register("noisy", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New(strings.Repeat("x", 5000))
	})
	r := testRunner(jobs, queue, reg)
	require.NoError(t, r.Run(context.Background(), "job-1"))

	j, _ := jobs.Get(context.Background(), "job-1")
	assert.Len(t, []rune(j.LastError), maxErrorRunes)
}

func TestRunnerRetryDelaySchedule(t *testing.T) {
	r := testRunner(newMemJobs(), &memQueue{}, NewRegistry())
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{50, 300 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.RetryDelay(tc.attempt), fmt.Sprintf("attempt %d", tc.attempt))
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func(context.Context, []any, map[string]any) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		reg.Register("a", func(context.Context, []any, map[string]any) (any, error) { return nil, nil })
	})
	assert.Equal(t, []string{"a"}, reg.Types())
}
