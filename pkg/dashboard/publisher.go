package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nova-infer/server/pkg/gpupool"
	"github.com/nova-infer/server/pkg/serving"
)

// Publisher periodically samples registered schedulers and GPU pools and
// pushes a ClusterState snapshot to the Broadcaster, generalizing the
// teacher's fixed poll-and-broadcast loop (pkg/router/router.go's
// StartPoller/broadcastState) across an arbitrary set of models and pools
// instead of a single worker registry.
type Publisher struct {
	log         logrus.FieldLogger
	broadcaster *Broadcaster
	interval    time.Duration

	mu         sync.Mutex
	schedulers map[string]*serving.Scheduler
	pools      map[string]*gpupool.Pool

	stop chan struct{}
}

// NewPublisher constructs a Publisher that pushes snapshots to b every
// interval.
func NewPublisher(log logrus.FieldLogger, b *Broadcaster, interval time.Duration) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Publisher{
		log:         log,
		broadcaster: b,
		interval:    interval,
		schedulers:  make(map[string]*serving.Scheduler),
		pools:       make(map[string]*gpupool.Pool),
	}
}

// RegisterScheduler adds s to the set of schedulers sampled on every tick.
func (p *Publisher) RegisterScheduler(s *serving.Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedulers[s.Model()] = s
}

// RegisterPool adds a named GPU pool to the set sampled on every tick.
func (p *Publisher) RegisterPool(name string, pool *gpupool.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[name] = pool
}

// Start launches the sampling loop in a background goroutine. Call Stop to
// end it.
func (p *Publisher) Start() {
	p.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.broadcaster.Broadcast(p.snapshot())
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop ends the sampling loop started by Start.
func (p *Publisher) Stop() {
	if p.stop != nil {
		close(p.stop)
	}
}

// snapshot builds the current ClusterState from registered schedulers and
// pools, sorted by name for deterministic output.
func (p *Publisher) snapshot() *ClusterState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := &ClusterState{
		Models: make([]ModelState, 0, len(p.schedulers)),
		Pools:  make([]PoolState, 0, len(p.pools)),
	}

	for _, s := range p.schedulers {
		stats := s.Stats()
		state.Models = append(state.Models, ModelState{
			Model:         stats.Model,
			QueueDepth:    stats.QueueDepth,
			IdleInstances: stats.IdleInstances,
			BusyInstances: stats.BusyInstances,
		})
	}
	sort.Slice(state.Models, func(i, j int) bool { return state.Models[i].Model < state.Models[j].Model })

	poolNames := make([]string, 0, len(p.pools))
	for name := range p.pools {
		poolNames = append(poolNames, name)
	}
	sort.Strings(poolNames)

	for _, name := range poolNames {
		pool := p.pools[name]
		devices := pool.Devices()
		sort.Ints(devices)
		for _, dev := range devices {
			free, ok := pool.FreeBytes(dev)
			if !ok {
				continue
			}
			total, _ := pool.TotalBytes(dev)
			state.Pools = append(state.Pools, PoolState{
				Pool:       name,
				Device:     dev,
				FreeBytes:  free,
				TotalBytes: total,
			})
		}
	}

	return state
}
