package serving

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory Backend used across scheduler tests.
// run is invoked synchronously for every dispatched batch.
type fakeBackend struct {
	device int
	maxB   uint
	run    func(ctx context.Context, batch []*Request) ([]Response, error)
	calls  atomic.Int32
}

func (f *fakeBackend) Run(ctx context.Context, batch []*Request) ([]Response, error) {
	f.calls.Add(1)
	return f.run(ctx, batch)
}
func (f *fakeBackend) MaxBatchSize() uint    { return f.maxB }
func (f *fakeBackend) Inputs() []TensorSpec  { return nil }
func (f *fakeBackend) Outputs() []TensorSpec { return nil }
func (f *fakeBackend) DeviceID() int         { return f.device }

func echoBatch(_ context.Context, batch []*Request) ([]Response, error) {
	out := make([]Response, len(batch))
	for i := range batch {
		out[i] = Response{Outputs: []Tensor{{Name: "out"}}}
	}
	return out, nil
}

func newTestRequest(respond func(Response, error)) *Request {
	return &Request{Model: "m", Respond: respond}
}

func collectingRespond(wg *sync.WaitGroup, resps *[]Response, errs *[]error, mu *sync.Mutex) func(Response, error) {
	return func(resp Response, err error) {
		mu.Lock()
		*resps = append(*resps, resp)
		*errs = append(*errs, err)
		mu.Unlock()
		wg.Done()
	}
}

func TestSchedulerDispatchesSingleRequestWithoutDynamicBatching(t *testing.T) {
	backend := &fakeBackend{maxB: 4, run: echoBatch}
	cfg := &ModelConfig{Name: "m", MaxBatchSize: 4}
	inst := NewInstance("i0", backend)
	sched := NewScheduler(nil, "m", cfg, []*Instance{inst}, 0)
	sched.Start()
	defer sched.Shutdown(false)

	var mu sync.Mutex
	var resps []Response
	var errs []error
	var wg sync.WaitGroup
	wg.Add(1)

	require.NoError(t, sched.Enqueue(newTestRequest(collectingRespond(&wg, &resps, &errs, &mu))))

	waitTimeout(t, &wg, time.Second)
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])
}

func TestSchedulerBatchesUpToPreferredSize(t *testing.T) {
	backend := &fakeBackend{maxB: 4, run: echoBatch}
	cfg := &ModelConfig{
		Name:         "m",
		MaxBatchSize: 4,
		DynamicBatching: &DynamicBatchingConfig{
			PreferredBatchSize:        []int{4},
			MaxQueueDelayMicroseconds: int64(time.Minute / time.Microsecond),
		},
	}
	inst := NewInstance("i0", backend)
	sched := NewScheduler(nil, "m", cfg, []*Instance{inst}, 0)
	sched.Start()
	defer sched.Shutdown(false)

	var mu sync.Mutex
	var resps []Response
	var errs []error
	var wg sync.WaitGroup
	wg.Add(4)

	for i := 0; i < 4; i++ {
		require.NoError(t, sched.Enqueue(newTestRequest(collectingRespond(&wg, &resps, &errs, &mu))))
	}

	waitTimeout(t, &wg, time.Second)
	require.Equal(t, int32(1), backend.calls.Load(), "four requests hitting the preferred size should land in exactly one batch")
}

func TestSchedulerRejectsEnqueueAfterShutdown(t *testing.T) {
	backend := &fakeBackend{maxB: 1, run: echoBatch}
	cfg := &ModelConfig{Name: "m", MaxBatchSize: 1}
	inst := NewInstance("i0", backend)
	sched := NewScheduler(nil, "m", cfg, []*Instance{inst}, 0)
	sched.Start()
	sched.Shutdown(false)

	err := sched.Enqueue(newTestRequest(func(Response, error) {}))
	require.Error(t, err)
}

func TestSchedulerDrainCompletesQueuedWorkOnShutdown(t *testing.T) {
	backend := &fakeBackend{maxB: 1, run: func(_ context.Context, batch []*Request) ([]Response, error) {
		time.Sleep(10 * time.Millisecond)
		return echoBatch(nil, batch)
	}}
	cfg := &ModelConfig{Name: "m", MaxBatchSize: 1}
	inst := NewInstance("i0", backend)
	sched := NewScheduler(nil, "m", cfg, []*Instance{inst}, 0)
	sched.Start()

	var mu sync.Mutex
	var resps []Response
	var errs []error
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, sched.Enqueue(newTestRequest(collectingRespond(&wg, &resps, &errs, &mu))))
	}

	sched.Shutdown(true)
	waitTimeout(t, &wg, 2*time.Second)
	for _, e := range errs {
		require.NoError(t, e)
	}
}

func TestSchedulerFatalErrorRemovesInstance(t *testing.T) {
	backend := &fakeBackend{maxB: 1, run: func(_ context.Context, _ []*Request) ([]Response, error) {
		return nil, Fatal(context.DeadlineExceeded)
	}}
	cfg := &ModelConfig{Name: "m", MaxBatchSize: 1}
	inst := NewInstance("i0", backend)
	sched := NewScheduler(nil, "m", cfg, []*Instance{inst}, 0)
	sched.Start()
	defer sched.Shutdown(false)

	var mu sync.Mutex
	var resps []Response
	var errs []error
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, sched.Enqueue(newTestRequest(collectingRespond(&wg, &resps, &errs, &mu))))
	waitTimeout(t, &wg, time.Second)
	require.Error(t, errs[0])

	require.Eventually(t, func() bool {
		return sched.instanceByID("i0") == nil
	}, time.Second, 5*time.Millisecond)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for requests to complete")
	}
}
