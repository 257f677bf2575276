package loadmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nova-infer/server/pkg/servingerrors"
)

// Manager is the Load Manager of spec section 4.4: it owns a pool of
// workers, distributes a target concurrency level across them, and
// surfaces per-worker health.
type Manager struct {
	log    logrus.FieldLogger
	cfg    Config
	client TargetClient

	mu         sync.Mutex
	workers    []worker
	recorders  []*recorder
	cancelFunc context.CancelFunc

	group   *errgroup.Group
	groupCtx context.Context
}

// New constructs a Manager. client is the connection to the server under
// test; wire-level details belong entirely to the caller's implementation
// of TargetClient.
func New(log logrus.FieldLogger, cfg Config, client TargetClient) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	return &Manager{log: log.WithField("model", cfg.ModelName), cfg: cfg, client: client}
}

// ChangeConcurrencyLevel distributes C across the worker pool as
// floor(C/W) with the first (C mod W) workers taking one extra, per spec
// section 4.4. It spawns new workers up to max_threads if C exceeds the
// current worker count, but never shrinks the pool — workers whose target
// becomes zero simply park.
func (m *Manager) ChangeConcurrencyLevel(ctx context.Context, c int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantWorkers := c
	if wantWorkers > m.cfg.MaxThreads {
		wantWorkers = m.cfg.MaxThreads
	}
	if wantWorkers < 1 {
		wantWorkers = 1
	}

	for len(m.workers) < wantWorkers {
		if err := m.spawnWorkerLocked(ctx); err != nil {
			return err
		}
	}

	w := len(m.workers)
	base := c / w
	extra := c % w
	for i, wk := range m.workers {
		target := base
		if i < extra {
			target++
		}
		wk.setTarget(target)
	}
	return nil
}

func (m *Manager) spawnWorkerLocked(ctx context.Context) error {
	if m.group == nil {
		ownCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ownCtx)
		m.group = g
		m.groupCtx = gctx
		m.cancelFunc = cancel
	}

	rec := &recorder{}
	m.recorders = append(m.recorders, rec)

	var wk worker
	if m.cfg.Sequential {
		wk = &syncWorker{client: m.client, rec: rec, correlationID: fmt.Sprintf("%s-ctx-%d", m.cfg.ModelName, len(m.workers))}
	} else {
		wk = &asyncWorker{client: m.client, rec: rec}
	}
	m.workers = append(m.workers, wk)

	groupCtx := m.groupCtx
	m.group.Go(func() error {
		return wk.run(groupCtx)
	})
	return nil
}

// CheckHealth returns an error if any worker goroutine has exited with an
// error. It does not block; a nil result only means no failure has been
// observed yet.
func (m *Manager) CheckHealth() error {
	m.mu.Lock()
	g := m.group
	gctx := m.groupCtx
	m.mu.Unlock()
	if g == nil {
		return nil
	}
	select {
	case <-gctx.Done():
		if err := g.Wait(); err != nil {
			return servingerrors.Wrap(servingerrors.Internal, err)
		}
	default:
	}
	return nil
}

// SwapTimestamps atomically drains and returns every timestamp record
// accumulated by every worker since the last call. A second immediate
// call returns empty, satisfying the idempotence law of spec section 8.
func (m *Manager) SwapTimestamps() []TimestampRecord {
	m.mu.Lock()
	recs := append([]*recorder(nil), m.recorders...)
	m.mu.Unlock()

	var out []TimestampRecord
	for _, r := range recs {
		out = append(out, r.swap()...)
	}
	return out
}

// WorkerCount reports how many workers have been spawned so far, used by
// the metrics exposition to report achieved concurrency.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Stop signals all workers to exit and waits for them to join, surfacing
// the first worker error if any.
func (m *Manager) Stop() error {
	m.mu.Lock()
	g := m.group
	cancel := m.cancelFunc
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if g == nil {
		return nil
	}
	if err := g.Wait(); err != nil {
		return servingerrors.Wrap(servingerrors.Internal, err)
	}
	return nil
}
