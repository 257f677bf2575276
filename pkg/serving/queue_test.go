package serving

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestQueueFIFOOrdering(t *testing.T) {
	q := newRequestQueue()
	r1 := &Request{Model: "m", ArrivalTime: time.Now()}
	r2 := &Request{Model: "m", ArrivalTime: time.Now().Add(time.Millisecond)}
	q.Enqueue(r1)
	q.Enqueue(r2)

	require.Equal(t, 2, q.Len())
	taken := q.TakePrefix(1)
	require.Same(t, r1, taken[0])
	require.Equal(t, 1, q.Len())
}

func TestRequestQueueTakeForInstancePreservesOtherOrder(t *testing.T) {
	q := newRequestQueue()
	a1 := &Request{assignedInstance: "a"}
	b1 := &Request{assignedInstance: "b"}
	a2 := &Request{assignedInstance: "a"}
	q.Enqueue(a1)
	q.Enqueue(b1)
	q.Enqueue(a2)

	taken := q.TakeForInstance("a", 10)
	require.Equal(t, []*Request{a1, a2}, taken)
	require.Equal(t, 1, q.Len())
	require.Same(t, b1, q.Peek())
}

func TestRequestQueuePendingStatsForInstance(t *testing.T) {
	q := newRequestQueue()
	now := time.Now()
	q.Enqueue(&Request{assignedInstance: "a", ArrivalTime: now})
	q.Enqueue(&Request{assignedInstance: "a", ArrivalTime: now.Add(time.Second)})
	q.Enqueue(&Request{assignedInstance: "b", ArrivalTime: now})

	oldest, count, ok := q.PendingStatsForInstance("a")
	require.True(t, ok)
	require.Equal(t, 2, count)
	require.True(t, oldest.Equal(now))

	_, _, ok = q.PendingStatsForInstance("c")
	require.False(t, ok)
}

func TestRequestQueueRemoveAllDrains(t *testing.T) {
	q := newRequestQueue()
	q.Enqueue(&Request{})
	q.Enqueue(&Request{})
	out := q.RemoveAll()
	require.Len(t, out, 2)
	require.Equal(t, 0, q.Len())
}
