package serving

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStatefulScheduler(t *testing.T, n int) (*Scheduler, []*fakeBackend) {
	t.Helper()
	cfg := &ModelConfig{
		Name:             "seq-model",
		MaxBatchSize:     1,
		SequenceBatching: &SequenceBatchingConfig{MaxSequenceIdleMicroseconds: int64(time.Minute / time.Microsecond)},
	}
	backends := make([]*fakeBackend, n)
	instances := make([]*Instance, n)
	for i := 0; i < n; i++ {
		backends[i] = &fakeBackend{maxB: 1, run: echoBatch}
		instances[i] = NewInstance(string(rune('a'+i)), backends[i])
	}
	sched := NewScheduler(nil, "seq-model", cfg, instances, 50*time.Millisecond)
	sched.Start()
	return sched, backends
}

func TestSequenceRouterPinsCorrelationToSingleInstance(t *testing.T) {
	sched, backends := newStatefulScheduler(t, 2)
	defer sched.Shutdown(false)

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)
	var errs []error
	respond := func(_ Response, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		wg.Done()
	}

	r1 := &Request{Model: "seq-model", CorrelationID: "c1", SequenceStart: true, Respond: respond}
	require.NoError(t, sched.Enqueue(r1))

	r2 := &Request{Model: "seq-model", CorrelationID: "c1", Respond: respond}
	require.NoError(t, sched.Enqueue(r2))

	r3 := &Request{Model: "seq-model", CorrelationID: "c1", SequenceEnd: true, Respond: respond}
	require.NoError(t, sched.Enqueue(r3))

	waitTimeout(t, &wg, time.Second)
	for _, e := range errs {
		require.NoError(t, e)
	}

	calls := 0
	for _, b := range backends {
		if b.calls.Load() > 0 {
			calls++
		}
	}
	require.Equal(t, 1, calls, "all three requests in the sequence should land on the same instance")
}

func TestSequenceRouterRejectsContinuationWithoutStart(t *testing.T) {
	sched, _ := newStatefulScheduler(t, 1)
	defer sched.Shutdown(false)

	err := sched.Enqueue(&Request{Model: "seq-model", CorrelationID: "unknown", Respond: func(Response, error) {}})
	require.Error(t, err)
}

func TestSequenceRouterReleasesBindingAfterEnd(t *testing.T) {
	sched, backends := newStatefulScheduler(t, 1)
	defer sched.Shutdown(false)

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, sched.Enqueue(&Request{
		Model: "seq-model", CorrelationID: "c1", SequenceStart: true, SequenceEnd: true,
		Respond: func(Response, error) { wg.Done() },
	}))
	waitTimeout(t, &wg, time.Second)

	require.Equal(t, int32(1), backends[0].calls.Load())

	wg.Add(1)
	require.NoError(t, sched.Enqueue(&Request{
		Model: "seq-model", CorrelationID: "c2", SequenceStart: true, SequenceEnd: true,
		Respond: func(Response, error) { wg.Done() },
	}))
	waitTimeout(t, &wg, time.Second)
	require.Equal(t, int32(2), backends[0].calls.Load(), "the single instance must be reusable once its sequence ends")
}
