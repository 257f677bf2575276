package loadmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingClient struct {
	calls atomic.Int64
	err   error
}

func (c *countingClient) Infer(correlationID string, sequenceStart, sequenceEnd bool) error {
	c.calls.Add(1)
	if c.err != nil {
		return c.err
	}
	time.Sleep(time.Millisecond)
	return nil
}

func TestChangeConcurrencyLevelDistributesAcrossWorkers(t *testing.T) {
	client := &countingClient{}
	m := New(nil, Config{ModelName: "m", MaxThreads: 4}, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 4))
	require.Len(t, m.workers, 4)

	require.Eventually(t, func() bool {
		return client.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestChangeConcurrencyLevelNeverShrinksWorkerCount(t *testing.T) {
	client := &countingClient{}
	m := New(nil, Config{ModelName: "m", MaxThreads: 4}, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 4))
	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 1))
	require.Len(t, m.workers, 4)
}

func TestSwapTimestampsIsIdempotentWhenEmpty(t *testing.T) {
	client := &countingClient{}
	m := New(nil, Config{ModelName: "m", MaxThreads: 1}, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 1))
	require.Eventually(t, func() bool { return len(m.SwapTimestamps()) >= 0 }, time.Second, 5*time.Millisecond)

	_ = m.SwapTimestamps()
	second := m.SwapTimestamps()
	require.Empty(t, second)
}

func TestCheckHealthSurfacesWorkerError(t *testing.T) {
	client := &countingClient{err: errors.New("boom")}
	m := New(nil, Config{ModelName: "m", MaxThreads: 1}, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 1))

	require.Eventually(t, func() bool {
		return m.CheckHealth() != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSequentialModelUsesOneContextPerWorker(t *testing.T) {
	client := &countingClient{}
	m := New(nil, Config{ModelName: "seq", MaxThreads: 2, Sequential: true}, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.ChangeConcurrencyLevel(ctx, 2))
	require.Len(t, m.workers, 2)
	for _, w := range m.workers {
		_, ok := w.(*syncWorker)
		require.True(t, ok)
	}
}
