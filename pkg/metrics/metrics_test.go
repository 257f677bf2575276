package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-infer/server/pkg/gpupool"
	"github.com/nova-infer/server/pkg/loadmanager"
	"github.com/nova-infer/server/pkg/serving"
)

type stubBackend struct{}

func (stubBackend) Run(_ context.Context, batch []*serving.Request) ([]serving.Response, error) {
	out := make([]serving.Response, len(batch))
	return out, nil
}
func (stubBackend) MaxBatchSize() uint            { return 4 }
func (stubBackend) Inputs() []serving.TensorSpec  { return nil }
func (stubBackend) Outputs() []serving.TensorSpec { return nil }
func (stubBackend) DeviceID() int                 { return 0 }

type stubClient struct{}

func (stubClient) Infer(string, bool, bool) error { return nil }

func newTestScheduler(t *testing.T, model string) *serving.Scheduler {
	t.Helper()
	cfg := &serving.ModelConfig{Name: model, MaxBatchSize: 4}
	inst := serving.NewInstance("i0", stubBackend{})
	sched := serving.NewScheduler(nil, model, cfg, []*serving.Instance{inst}, 0)
	sched.Start()
	t.Cleanup(func() { sched.Shutdown(false) })
	return sched
}

func TestGatherIncludesRegisteredSchedulers(t *testing.T) {
	r := NewRegistry()
	r.RegisterScheduler(newTestScheduler(t, "resnet50"))

	families := r.Gather()
	var found bool
	for _, mf := range families {
		if mf.GetName() != "scheduler_queue_depth" {
			continue
		}
		found = true
		require.Len(t, mf.Metric, 1)
		require.Equal(t, "resnet50", mf.Metric[0].Label[0].GetValue())
	}
	require.True(t, found)
}

func TestGatherIncludesPoolDeviceGauges(t *testing.T) {
	pool, err := gpupool.Create(nil, map[int]int64{0: 1024})
	require.NoError(t, err)
	t.Cleanup(gpupool.ResetForTests)

	r := NewRegistry()
	r.RegisterPool("default", pool)

	ptr, err := pool.Alloc(512, 0)
	require.NoError(t, err)
	_ = ptr

	var free, total *float64
	for _, mf := range r.Gather() {
		switch mf.GetName() {
		case "gpu_pool_free_bytes":
			v := mf.Metric[0].GetGauge().GetValue()
			free = &v
		case "gpu_pool_total_bytes":
			v := mf.Metric[0].GetGauge().GetValue()
			total = &v
		}
	}
	require.NotNil(t, free)
	require.NotNil(t, total)
	require.Equal(t, float64(512), *free)
	require.Equal(t, float64(1024), *total)
}

func TestGatherOmitsLoadManagerWhenUnregistered(t *testing.T) {
	r := NewRegistry()
	for _, mf := range r.Gather() {
		require.NotEqual(t, "load_manager_worker_count", mf.GetName())
	}
}

func TestGatherIncludesLoadManagerWorkerCount(t *testing.T) {
	mgr := loadmanager.New(nil, loadmanager.Config{ModelName: "m", MaxThreads: 4}, stubClient{})
	require.NoError(t, mgr.ChangeConcurrencyLevel(context.Background(), 3))
	t.Cleanup(func() { _ = mgr.Stop() })

	r := NewRegistry()
	r.RegisterLoadManager(mgr)

	var got float64
	for _, mf := range r.Gather() {
		if mf.GetName() == "load_manager_worker_count" {
			got = mf.Metric[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, float64(3), got)
}

func TestServeHTTPWritesTextExposition(t *testing.T) {
	r := NewRegistry()
	r.RegisterScheduler(newTestScheduler(t, "bert"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "scheduler_queue_depth"))
	require.True(t, strings.Contains(body, `model="bert"`))
}
