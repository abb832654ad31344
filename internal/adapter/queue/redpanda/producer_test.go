package redpanda

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ops-orchestrator/internal/domain"
)

type fakeClient struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rs...)
	return kgo.ProduceResults{{Err: f.err}}
}

func (f *fakeClient) Close() {}

func (f *fakeClient) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func TestProducerEnqueueImmediate(t *testing.T) {
	fc := &fakeClient{}
	p := newProducer(fc, DefaultTopic, domain.ClockFunc(time.Now))
	require.NoError(t, p.Enqueue(context.Background(), "job-1", "", nil))

	recs := fc.produced()
	require.Len(t, recs, 1)
	assert.Equal(t, "jobs.default", recs[0].Topic)
	assert.Equal(t, []byte("job-1"), recs[0].Key)
	require.Len(t, recs[0].Headers, 1)
	assert.Equal(t, "job_id", recs[0].Headers[0].Key)
}

func TestProducerEnqueueRoutesNamedQueueToItsTopic(t *testing.T) {
	fc := &fakeClient{}
	p := newProducer(fc, DefaultTopic, domain.ClockFunc(time.Now))
	require.NoError(t, p.Enqueue(context.Background(), "job-1", "jobs.sync", nil))
	require.NoError(t, p.Enqueue(context.Background(), "job-2", "", nil))

	recs := fc.produced()
	require.Len(t, recs, 2)
	assert.Equal(t, "jobs.sync", recs[0].Topic)
	assert.Equal(t, "jobs.default", recs[1].Topic, "empty queue falls back to the default topic")
}

func TestProducerEnqueuePastRunAtDeliversNow(t *testing.T) {
	fc := &fakeClient{}
	p := newProducer(fc, DefaultTopic, domain.ClockFunc(time.Now))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, p.Enqueue(context.Background(), "job-1", "", &past))
	assert.Len(t, fc.produced(), 1)
}

func TestProducerEnqueueFutureRunAtNeverDeliversEarly(t *testing.T) {
	fc := &fakeClient{}
	p := newProducer(fc, DefaultTopic, domain.ClockFunc(time.Now))
	future := time.Now().Add(time.Hour)
	require.NoError(t, p.Enqueue(context.Background(), "job-1", "", &future))
	assert.Empty(t, fc.produced(), "a future runAt must not produce immediately")

	require.NoError(t, p.Close())
	assert.Empty(t, fc.produced())
}

func TestProducerEnqueueShortDelayDeliversOnQueueTopic(t *testing.T) {
	fc := &fakeClient{}
	p := newProducer(fc, DefaultTopic, domain.ClockFunc(time.Now))
	soon := time.Now().Add(20 * time.Millisecond)
	require.NoError(t, p.Enqueue(context.Background(), "job-1", "jobs.sync", &soon))

	assert.Eventually(t, func() bool { return len(fc.produced()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "jobs.sync", fc.produced()[0].Topic)
}

func TestProducerEnqueueRejectsEmptyID(t *testing.T) {
	p := newProducer(&fakeClient{}, DefaultTopic, domain.ClockFunc(time.Now))
	assert.ErrorIs(t, p.Enqueue(context.Background(), "", "", nil), domain.ErrInvalidArgument)
}

func TestProducerEnqueueWrapsProduceError(t *testing.T) {
	boom := errors.New("broker down")
	p := newProducer(&fakeClient{err: boom}, DefaultTopic, domain.ClockFunc(time.Now))
	err := p.Enqueue(context.Background(), "job-1", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "op=queue.Enqueue")
}
