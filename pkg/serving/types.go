// Package serving implements the dynamic-batching request scheduler and
// backend lifecycle manager: per-model queueing, opportunistic batch
// formation, backend instance selection, and sequence-correlation routing.
package serving

import "time"

// DataType enumerates the tensor element types recognized by a model's
// input/output configuration.
type DataType int

const (
	DataTypeInvalid DataType = iota
	DataTypeBool
	DataTypeUint8
	DataTypeInt32
	DataTypeInt64
	DataTypeFP32
	DataTypeFP64
	DataTypeString
)

// Tensor is a single named input or output tensor attached to a Request or
// Response. Raw holds the tensor payload for non-string types; for
// DataTypeString, StringValues holds the decoded element values instead.
type Tensor struct {
	Name         string
	DataType     DataType
	Shape        []int64
	Raw          []byte
	StringValues []string
}

// Request is a single batch-1 inference request as it enters the Model
// Scheduler's queue.
type Request struct {
	Model        string
	ModelVersion string

	Inputs []Tensor

	// CorrelationID is the opaque client token identifying a sequence of
	// related requests, or the zero value if the request is not part of a
	// stateful sequence.
	CorrelationID string
	SequenceStart bool
	SequenceEnd   bool

	// Deadline, if non-zero, causes the request to fail with
	// DeadlineExceeded if its dequeue age exceeds the deadline at dispatch
	// time.
	Deadline time.Time

	ArrivalTime time.Time

	// Respond is invoked exactly once with either a response or an error.
	// The scheduler never calls it more than once per Request.
	Respond func(Response, error)

	// assignedInstance pins the request to a specific backend instance
	// once the sequence router has resolved one. Empty means "any idle
	// instance for this model may take it".
	assignedInstance string
}

// Response is the batch-1 result corresponding to one Request within a
// dispatched batch.
type Response struct {
	Outputs []Tensor
}

// BatchCandidate is an ordered set of requests taken from the per-model
// queue that the dispatch loop has selected to hand to a Backend Instance:
// a prefix of the queue for stateless models, or the oldest requests
// pinned to one instance for stateful models.
type BatchCandidate struct {
	Requests []*Request
	Instance *Instance
}

// Size returns the number of requests in the candidate.
func (c *BatchCandidate) Size() int { return len(c.Requests) }
