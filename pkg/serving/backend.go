package serving

import "context"

// Backend is the uniform interface every loaded model exposes to the
// scheduler, regardless of execution framework (graph-based, static-graph,
// ensemble). Run is synchronous from the scheduler's perspective: the
// dispatch loop blocks the owning goroutine on it, never the coordinator.
type Backend interface {
	// Run executes one batch and returns one Response per Request, in the
	// same order. An error fails the entire batch.
	Run(ctx context.Context, batch []*Request) ([]Response, error)

	// MaxBatchSize returns the largest batch this backend accepts. Zero
	// means batching is disabled and every dispatched batch has size 1.
	MaxBatchSize() uint

	// Inputs and Outputs describe the tensors this backend's model
	// exposes, used by the framework loader for validation.
	Inputs() []TensorSpec
	Outputs() []TensorSpec

	// DeviceID returns the backend's device, or -1 for CPU.
	DeviceID() int
}

// TensorSpec describes one configured or model-declared input/output.
type TensorSpec struct {
	Name     string
	DataType DataType
	// Dims holds the per-example shape (batch dimension excluded); -1
	// marks a wildcard dimension.
	Dims []int64
	// Reshape, if non-nil, overrides Dims for the wire-level shape the
	// model itself expects, per the model-config reshape rule.
	Reshape []int64
}

// InstanceKind distinguishes CPU and GPU instance groups.
type InstanceKind int

const (
	InstanceKindCPU InstanceKind = iota
	InstanceKindGPU
)

// InstanceGroupConfig is one instance_group[] entry from a model's
// configuration.
type InstanceGroupConfig struct {
	Kind  InstanceKind
	Count int
	GPUs  []int
}

// DynamicBatchingConfig configures opportunistic batch formation for a
// model. A nil DynamicBatchingConfig on ModelConfig disables batching
// preferences entirely (the scheduler falls back to queue-length-based
// sizing).
type DynamicBatchingConfig struct {
	PreferredBatchSize        []int
	MaxQueueDelayMicroseconds int64
}

// SequenceBatchingConfig marks a model sequence-stateful. Its presence on
// ModelConfig (a non-nil pointer) is the stateful flag itself.
type SequenceBatchingConfig struct {
	MaxSequenceIdleMicroseconds int64
	// StrictHomogeneous requires that a dispatched batch contain requests
	// from at most one correlation ID (B == 1 per instance when false is
	// not implied; false permits mixing correlations bound to the same
	// instance, which never happens since an instance is bound to exactly
	// one correlation — this flag instead governs whether multiple
	// sequence-bound instances may be coalesced into a single dispatch,
	// which this scheduler never does). Kept for config-shape parity with
	// spec section 6.
	StrictHomogeneous bool
}

// EnsembleStep names one composing model within an ensemble_scheduling
// list, referenced only for statistics recursion (spec section 9).
type EnsembleStep struct {
	ModelName    string
	ModelVersion string
}

// ModelConfig is the recognized, already-validated configuration for one
// model, as consumed by the Model Scheduler. Model repository parsing and
// framework-specific loading happen upstream in pkg/framework; this struct
// is their common output.
type ModelConfig struct {
	Name     string
	Platform string

	// MaxBatchSize of zero disables batching and forces every dispatched
	// batch to size 1.
	MaxBatchSize uint

	Inputs  []TensorSpec
	Outputs []TensorSpec

	DynamicBatching  *DynamicBatchingConfig
	SequenceBatching *SequenceBatchingConfig
	InstanceGroup    []InstanceGroupConfig

	EnsembleScheduling []EnsembleStep

	// MaxQueueLength bounds the FIFO queue; enqueues beyond it fail with
	// Unavailable. Zero means unbounded.
	MaxQueueLength int
}

// Stateful reports whether the model declares sequence_batching.
func (c *ModelConfig) Stateful() bool { return c.SequenceBatching != nil }

// largestPreferredBatchSizeWithin returns the largest preferred batch size
// that does not exceed limit, or 0 if none qualifies / dynamic batching is
// unconfigured.
func (c *ModelConfig) largestPreferredBatchSizeWithin(limit int) int {
	if c.DynamicBatching == nil {
		return 0
	}
	best := 0
	for _, b := range c.DynamicBatching.PreferredBatchSize {
		if b <= limit && b > best {
			best = b
		}
	}
	return best
}
