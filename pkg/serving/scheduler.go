package serving

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nova-infer/server/pkg/servingerrors"
)

// defaultPollInterval bounds how long the coordinator loop will sleep when
// the queue is empty, so it still notices a model-level Shutdown promptly.
const defaultPollInterval = time.Second

// Scheduler is the per-model dispatch coordinator: a single goroutine
// forms and dispatches every batch. It is not the only mutator of the
// queue and instance sets: Enqueue appends to the queue (which has its own
// lock) and a finished Run moves its instance back to the idle set under
// mu, and each then signals the coordinator.
type Scheduler struct {
	log   logrus.FieldLogger
	model string
	cfg   *ModelConfig

	queue *requestQueue

	mu           sync.Mutex
	idle         map[string]*Instance
	busy         map[string]*Instance
	allInstances map[string]*Instance
	shutdown     bool
	drainOnStop  bool

	seq *sequenceRouter

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Cumulative execution statistics, surfaced through ServerSideStats for
	// the control plane's ServerStats RPC (spec section 4.5 step 6's
	// server-side statistics differencing).
	inferCount    atomic.Int64
	computeTimeNs atomic.Int64
	queueTimeNs   atomic.Int64
}

// NewScheduler constructs a Scheduler for one model with the given
// instances and marks each of them ready (Loading -> Idle). sequenceTTL
// is only consulted when cfg declares sequence_batching; pass 0 to accept
// the sequence router's default.
func NewScheduler(log logrus.FieldLogger, model string, cfg *ModelConfig, instances []*Instance, sequenceTTL time.Duration) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		log:          log.WithField("model", model),
		model:        model,
		cfg:          cfg,
		queue:        newRequestQueue(),
		idle:         make(map[string]*Instance, len(instances)),
		busy:         make(map[string]*Instance, len(instances)),
		allInstances: make(map[string]*Instance, len(instances)),
		notify:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, inst := range instances {
		inst.MarkReady()
		s.idle[inst.ID] = inst
		s.allInstances[inst.ID] = inst
	}
	if cfg.Stateful() {
		s.seq = newSequenceRouter(s.log, s, sequenceTTL)
	}
	return s
}

// Start launches the coordinator goroutine (and the sequence eviction
// sweep, for stateful models).
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	if s.seq != nil {
		s.seq.startEvictionLoop()
	}
}

// Enqueue admits a request into the per-model queue and returns
// immediately. It returns a non-nil error, and never calls req.Respond,
// when the request is rejected outright (queue full, scheduler shutting
// down, or — for stateful models — no instance available to start a new
// sequence). Otherwise it returns nil and req.Respond will fire exactly
// once, asynchronously, once the request is dispatched (or times out, or
// the scheduler drains on Shutdown).
//
// For a sequence-stateful model, callers must set req.CorrelationID (and
// SequenceStart/SequenceEnd as appropriate); Enqueue routes the request
// through the model's sequence table to pin it to the correlation's bound
// instance.
func (s *Scheduler) Enqueue(req *Request) error {
	if s.seq != nil {
		return s.seq.Route(req)
	}
	return s.enqueueDirect(req)
}

func (s *Scheduler) enqueueDirect(req *Request) error {
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = time.Now()
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return servingerrors.New(servingerrors.Unavailable, "scheduler for model %s is shutting down", s.model)
	}
	if s.cfg.MaxQueueLength > 0 && s.queue.Len() >= s.cfg.MaxQueueLength {
		s.mu.Unlock()
		return servingerrors.New(servingerrors.Unavailable, "queue for model %s is full", s.model)
	}
	s.mu.Unlock()

	s.queue.Enqueue(req)
	s.signal()
	return nil
}

// Shutdown stops the coordinator. If drain is true, already-queued
// requests are dispatched to completion before Shutdown returns; if
// false, queued requests are failed immediately with Unavailable and only
// already-dispatched batches are allowed to finish in the background.
func (s *Scheduler) Shutdown(drain bool) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.drainOnStop = drain
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	if s.seq != nil {
		s.seq.stop()
	}
}

// signal wakes the coordinator without blocking; a pending, un-consumed
// signal is coalesced.
func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		cand, ready := s.tryFormBatchLocked(time.Now())
		if ready {
			s.moveToBusyLocked(cand.Instance)
		}
		wait := s.nextWaitLocked(time.Now())
		s.mu.Unlock()

		if ready {
			s.wg.Add(1)
			go s.dispatch(cand)
			continue // re-evaluate immediately, per spec step 5
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			s.handleShutdown()
			return
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) handleShutdown() {
	s.mu.Lock()
	drain := s.drainOnStop
	s.mu.Unlock()

	if !drain {
		for _, r := range s.queue.RemoveAll() {
			r.Respond(Response{}, servingerrors.New(servingerrors.Unavailable, "scheduler shut down"))
		}
		return
	}

	for {
		s.mu.Lock()
		cand, ready := s.tryFormBatchLocked(time.Now())
		if !ready {
			// Queued work may be waiting for a busy instance to return or
			// for its queue delay to elapse; keep waiting while any
			// instance remains to serve it.
			pending := s.queue.Len() > 0 && len(s.idle)+len(s.busy) > 0
			wait := s.nextWaitLocked(time.Now())
			s.mu.Unlock()
			if !pending {
				return
			}
			timer := time.NewTimer(wait)
			select {
			case <-s.notify:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		s.moveToBusyLocked(cand.Instance)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(cand)
	}
}

// nextWaitLocked estimates how long the coordinator can sleep before it
// must re-check readiness: either a pending head-of-queue deadline, or a
// conservative poll interval so shutdown and instance-return signals are
// never starved.
func (s *Scheduler) nextWaitLocked(now time.Time) time.Duration {
	if s.queue.Len() == 0 || len(s.idle) == 0 {
		return defaultPollInterval
	}
	age := s.queue.HeadAge(now)
	delay := maxQueueDelay(s.cfg)
	if age >= delay {
		return 0
	}
	return delay - age
}

// tryFormBatchLocked attempts to select a dispatchable batch candidate.
// Must be called with s.mu held.
func (s *Scheduler) tryFormBatchLocked(now time.Time) (*BatchCandidate, bool) {
	if len(s.idle) == 0 || s.queue.Len() == 0 {
		return nil, false
	}
	if s.cfg.Stateful() {
		return s.tryFormStatefulBatchLocked(now)
	}
	return s.tryFormStatelessBatchLocked(now)
}

func (s *Scheduler) tryFormStatelessBatchLocked(now time.Time) (*BatchCandidate, bool) {
	maxBatch := int(s.cfg.MaxBatchSize)
	if maxBatch == 0 {
		maxBatch = 1
	}
	qlen := s.queue.Len()

	var b int
	if fit := s.cfg.largestPreferredBatchSizeWithin(maxBatch); fit > 0 && qlen >= fit {
		b = fit
	} else if s.queue.HeadAge(now) >= maxQueueDelay(s.cfg) {
		if fit2 := s.cfg.largestPreferredBatchSizeWithin(qlen); fit2 > 0 {
			b = fit2
		} else {
			b = qlen
		}
	} else {
		return nil, false
	}
	if b > maxBatch {
		b = maxBatch
	}
	if b < 1 {
		return nil, false
	}

	inst := s.pickIdleInstanceLocked()
	reqs := s.queue.TakePrefix(b)
	return &BatchCandidate{Requests: reqs, Instance: inst}, true
}

func (s *Scheduler) tryFormStatefulBatchLocked(now time.Time) (*BatchCandidate, bool) {
	var bestID string
	var bestOldest time.Time
	var bestCount int
	found := false

	for id := range s.idle {
		oldest, count, ok := s.queue.PendingStatsForInstance(id)
		if !ok {
			continue
		}
		if !found || oldest.Before(bestOldest) {
			bestID, bestOldest, bestCount, found = id, oldest, count, true
		}
	}
	if !found {
		return nil, false
	}

	maxBatch := int(s.cfg.MaxBatchSize)
	if maxBatch == 0 {
		maxBatch = 1
	}
	limit := bestCount
	if limit > maxBatch {
		limit = maxBatch
	}

	var b int
	if fit := s.cfg.largestPreferredBatchSizeWithin(maxBatch); fit > 0 && bestCount >= fit {
		b = fit
	} else if now.Sub(bestOldest) >= maxQueueDelay(s.cfg) {
		if fit2 := s.cfg.largestPreferredBatchSizeWithin(limit); fit2 > 0 {
			b = fit2
		} else {
			b = limit
		}
	} else {
		return nil, false
	}
	if b > limit {
		b = limit
	}
	if b < 1 {
		return nil, false
	}

	inst := s.idle[bestID]
	reqs := s.queue.TakeForInstance(bestID, b)
	return &BatchCandidate{Requests: reqs, Instance: inst}, true
}

// pickIdleInstanceLocked returns an arbitrary idle instance. For
// non-stateful models every idle instance is equally "warm", so selection
// order does not matter; Go's map iteration order already randomizes it.
func (s *Scheduler) pickIdleInstanceLocked() *Instance {
	for _, inst := range s.idle {
		return inst
	}
	return nil
}

func (s *Scheduler) moveToBusyLocked(inst *Instance) {
	delete(s.idle, inst.ID)
	s.busy[inst.ID] = inst
	inst.setState(InstanceBusy)
}

// dispatch runs one batch candidate against its backend instance and
// fans the results (or error) back to each request's callback.
func (s *Scheduler) dispatch(cand *BatchCandidate) {
	defer s.wg.Done()

	now := time.Now()
	live := make([]*Request, 0, len(cand.Requests))
	for _, r := range cand.Requests {
		if !r.Deadline.IsZero() && now.After(r.Deadline) {
			r.Respond(Response{}, servingerrors.New(servingerrors.DeadlineExceeded, "request for model %s aged past its deadline", s.model))
			continue
		}
		live = append(live, r)
	}
	if len(live) == 0 {
		s.returnInstance(cand.Instance)
		return
	}

	for _, r := range live {
		s.queueTimeNs.Add(int64(now.Sub(r.ArrivalTime)))
	}

	computeStart := time.Now()
	resps, err := cand.Instance.Backend.Run(context.Background(), live)
	s.computeTimeNs.Add(int64(time.Since(computeStart)))
	s.inferCount.Add(int64(len(live)))

	if err != nil {
		wrapped := servingerrors.Wrap(servingerrors.Internal, err)
		for _, r := range live {
			r.Respond(Response{}, wrapped)
		}
		if IsFatal(err) {
			s.removeInstanceFatal(cand.Instance, err)
			return
		}
		s.returnInstance(cand.Instance)
		return
	}

	for i, r := range live {
		if i < len(resps) {
			r.Respond(resps[i], nil)
		} else {
			r.Respond(Response{}, servingerrors.New(servingerrors.Internal, "backend returned fewer responses than requests"))
		}
	}
	s.returnInstance(cand.Instance)
}

func (s *Scheduler) returnInstance(inst *Instance) {
	inst.touch(time.Now())
	s.mu.Lock()
	delete(s.busy, inst.ID)
	s.idle[inst.ID] = inst
	s.mu.Unlock()
	inst.setState(InstanceIdle)
	s.signal()
}

func (s *Scheduler) removeInstanceFatal(inst *Instance, cause error) {
	s.log.WithError(cause).WithField("instance", inst.ID).Warn("backend instance failed fatally, removing from rotation")
	inst.setState(InstanceFatal)
	s.mu.Lock()
	delete(s.busy, inst.ID)
	delete(s.idle, inst.ID)
	delete(s.allInstances, inst.ID)
	s.mu.Unlock()
}

// claimForSequence reserves an unbound instance for correlationID and
// returns it, or nil if every instance is already bound to some other
// sequence. The instance stays in whichever of the idle or busy sets it is
// in, so the coordinator dispatches its first batch normally once it is
// idle; binding only prevents other correlations from claiming it.
func (s *Scheduler) claimForSequence(correlationID string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.allInstances {
		if inst.BoundCorrelation() == "" {
			inst.bind(correlationID)
			return inst
		}
	}
	return nil
}

// releaseSequenceBinding clears instanceID's correlation binding, making it
// available for a new sequence to claim.
func (s *Scheduler) releaseSequenceBinding(instanceID string) {
	s.mu.Lock()
	inst := s.allInstances[instanceID]
	s.mu.Unlock()
	if inst != nil {
		inst.release()
	}
}

// instanceByID looks up an instance by ID regardless of its idle/busy
// state, or returns nil if it has been removed (e.g. fatal error).
func (s *Scheduler) instanceByID(id string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allInstances[id]
}

// maxQueueDelay returns the configured max queue delay as a duration, or
// zero (meaning "dispatch as soon as possible") if dynamic batching is not
// configured.
func maxQueueDelay(cfg *ModelConfig) time.Duration {
	if cfg.DynamicBatching == nil {
		return 0
	}
	return time.Duration(cfg.DynamicBatching.MaxQueueDelayMicroseconds) * time.Microsecond
}

// Stats is a point-in-time snapshot of scheduler state, consumed by the
// metrics and admin-plane packages. It is assembled under mu so the three
// counts are mutually consistent.
type Stats struct {
	Model         string
	QueueDepth    int
	IdleInstances int
	BusyInstances int
}

// Model returns the name this scheduler was constructed for.
func (s *Scheduler) Model() string { return s.model }

// Stats returns a snapshot of queue depth and instance occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Model:         s.model,
		QueueDepth:    s.queue.Len(),
		IdleInstances: len(s.idle),
		BusyInstances: len(s.busy),
	}
}

// CumulativeStats is a point-in-time snapshot of this scheduler's
// cumulative execution counters, the raw material for the control plane's
// ServerStats RPC and the profiler's server-side statistics differencing
// (spec section 4.5 step 6).
type CumulativeStats struct {
	InferCount    int64
	ComputeTimeNs int64
	QueueTimeNs   int64
}

// CumulativeStats returns the running totals accumulated since this
// scheduler was constructed. Callers diff two snapshots to attribute the
// cost of a measurement window.
func (s *Scheduler) CumulativeStats() CumulativeStats {
	return CumulativeStats{
		InferCount:    s.inferCount.Load(),
		ComputeTimeNs: s.computeTimeNs.Load(),
		QueueTimeNs:   s.queueTimeNs.Load(),
	}
}
