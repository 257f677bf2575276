package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nova-infer/server/pkg/gpupool"
	"github.com/nova-infer/server/pkg/serving"
)

type stubBackend struct{}

func (stubBackend) Run(_ context.Context, batch []*serving.Request) ([]serving.Response, error) {
	return make([]serving.Response, len(batch)), nil
}
func (stubBackend) MaxBatchSize() uint            { return 4 }
func (stubBackend) Inputs() []serving.TensorSpec  { return nil }
func (stubBackend) Outputs() []serving.TensorSpec { return nil }
func (stubBackend) DeviceID() int                 { return 0 }

func newTestScheduler(t *testing.T, model string) *serving.Scheduler {
	t.Helper()
	cfg := &serving.ModelConfig{Name: model, MaxBatchSize: 4}
	inst := serving.NewInstance("i0", stubBackend{})
	sched := serving.NewScheduler(nil, model, cfg, []*serving.Instance{inst}, 0)
	sched.Start()
	t.Cleanup(func() { sched.Shutdown(false) })
	return sched
}

func TestBroadcastDeliversStateToConnectedClient(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // allow HandleWS to register the client

	b.Broadcast(&ClusterState{Models: []ModelState{{Model: "resnet50", QueueDepth: 2}}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got ClusterState
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Models, 1)
	require.Equal(t, "resnet50", got.Models[0].Model)
	require.Equal(t, 2, got.Models[0].QueueDepth)
}

func TestPublisherSnapshotIncludesSchedulersAndPools(t *testing.T) {
	pool, err := gpupool.Create(nil, map[int]int64{0: 1024})
	require.NoError(t, err)
	t.Cleanup(gpupool.ResetForTests)

	_, err = pool.Alloc(256, 0)
	require.NoError(t, err)

	b := NewBroadcaster(nil)
	p := NewPublisher(nil, b, time.Second)
	p.RegisterScheduler(newTestScheduler(t, "bert"))
	p.RegisterPool("default", pool)

	snap := p.snapshot()
	require.Len(t, snap.Models, 1)
	require.Equal(t, "bert", snap.Models[0].Model)

	require.Len(t, snap.Pools, 1)
	require.Equal(t, "default", snap.Pools[0].Pool)
	require.Equal(t, 0, snap.Pools[0].Device)
	require.Equal(t, int64(768), snap.Pools[0].FreeBytes)
	require.Equal(t, int64(1024), snap.Pools[0].TotalBytes)
}

func TestPublisherStartAndStopDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(nil)
	p := NewPublisher(nil, b, 10*time.Millisecond)
	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()
}
