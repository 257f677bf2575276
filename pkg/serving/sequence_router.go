package serving

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nova-infer/server/pkg/servingerrors"
)

// sequenceRouter binds a stateful model's correlation IDs to instances for
// the lifetime of the sequence (spec section 4.2, "Sequence Table"). It
// sits in front of a Scheduler: SequenceStart requests claim an idle
// instance, subsequent requests for the same correlation are pinned to it,
// and SequenceEnd (or TTL eviction) releases the binding.
//
// This generalizes the teacher's worker Registry, which maps a stable key
// (address) to live state under a single mutex; here the stable key is a
// correlation ID instead of a worker address.
type sequenceRouter struct {
	log   logrus.FieldLogger
	sched *Scheduler

	mu      sync.Mutex
	table   map[string]string // correlationID -> instance ID
	ttl     time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// newSequenceRouter constructs a sequence router over sched. ttl is the
// idle eviction window: a binding with no activity for longer than ttl is
// released and treated as an implicit SequenceEnd, per spec section 4.2
// ("Edge case: client never sends END").
func newSequenceRouter(log logrus.FieldLogger, sched *Scheduler, ttl time.Duration) *sequenceRouter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &sequenceRouter{
		log:    log,
		sched:  sched,
		table:  make(map[string]string),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
}

// startEvictionLoop launches the background TTL sweep. Safe to call once.
func (sr *sequenceRouter) startEvictionLoop() {
	if sr.started {
		return
	}
	sr.started = true
	sr.wg.Add(1)
	go func() {
		defer sr.wg.Done()
		ticker := time.NewTicker(sr.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-sr.stopCh:
				return
			case <-ticker.C:
				sr.evictStale()
			}
		}
	}()
}

func (sr *sequenceRouter) stop() {
	close(sr.stopCh)
	sr.wg.Wait()
}

// Route assigns req.assignedInstance for a sequence-stateful request and
// enqueues it on the underlying scheduler. It implements the three
// correlation-lifecycle cases from spec section 4.2: start, continuation,
// end.
func (sr *sequenceRouter) Route(req *Request) error {
	if req.CorrelationID == "" {
		return servingerrors.New(servingerrors.InvalidArgument, "sequence-stateful model requires a correlation ID")
	}

	sr.mu.Lock()
	instanceID, bound := sr.table[req.CorrelationID]
	if !bound {
		if !req.SequenceStart {
			sr.mu.Unlock()
			return servingerrors.New(servingerrors.InvalidArgument, "correlation %s has no active sequence and request is not a sequence start", req.CorrelationID)
		}
		inst := sr.sched.claimForSequence(req.CorrelationID)
		if inst == nil {
			sr.mu.Unlock()
			return servingerrors.New(servingerrors.Unavailable, "no unbound instance available to start sequence %s", req.CorrelationID)
		}
		instanceID = inst.ID
		sr.table[req.CorrelationID] = instanceID
	}
	req.assignedInstance = instanceID
	ends := req.SequenceEnd
	sr.mu.Unlock()

	if ends {
		// Release the binding only once the sequence-end request has
		// actually completed (spec section 4.2: "On sequence-end: enqueue;
		// after completion, release the binding"), not merely once it has
		// been admitted to the queue. Releasing at enqueue time would let a
		// new SequenceStart claim this instance while the old correlation's
		// last request is still queued or dispatching, binding two
		// correlations to the same instance at once.
		correlationID := req.CorrelationID
		userRespond := req.Respond
		req.Respond = func(resp Response, err error) {
			sr.endSequence(correlationID, instanceID)
			userRespond(resp, err)
		}
	}

	if err := sr.sched.enqueueDirect(req); err != nil {
		if !bound || ends {
			// The request was rejected outright: Respond will never fire,
			// so release the binding here instead of waiting for a
			// completion that will never come.
			sr.mu.Lock()
			delete(sr.table, req.CorrelationID)
			sr.mu.Unlock()
			sr.sched.releaseSequenceBinding(instanceID)
		}
		return err
	}
	return nil
}

func (sr *sequenceRouter) endSequence(correlationID, instanceID string) {
	sr.mu.Lock()
	if sr.table[correlationID] == instanceID {
		delete(sr.table, correlationID)
	}
	sr.mu.Unlock()
	sr.sched.releaseSequenceBinding(instanceID)
}

// evictStale releases bindings whose instance has been idle for longer
// than ttl, treating the silence as an implicit end-of-sequence.
func (sr *sequenceRouter) evictStale() {
	now := time.Now()
	sr.mu.Lock()
	stale := make(map[string]string) // correlationID -> instance ID
	for correlationID, instanceID := range sr.table {
		inst := sr.sched.instanceByID(instanceID)
		if inst == nil {
			stale[correlationID] = instanceID
			continue
		}
		if now.Sub(inst.LastUsed()) > sr.ttl && inst.BoundCorrelation() == correlationID {
			stale[correlationID] = instanceID
		}
	}
	for c := range stale {
		delete(sr.table, c)
	}
	sr.mu.Unlock()

	for correlationID, instanceID := range stale {
		sr.sched.releaseSequenceBinding(instanceID)
		sr.log.WithField("correlation_id", correlationID).Warn("evicting idle sequence binding, client never sent a sequence end")
	}
}
