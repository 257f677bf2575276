// Package loadmanager drives a target inference server at a chosen
// concurrency level and records per-request latency samples for the
// profiler, per spec section 4.4. It has no request-rate mode.
package loadmanager

import "time"

// TargetClient is the minimal surface the load manager needs from a
// connection to the server under test. Wire protocol and request
// deserialization are explicitly out of scope (spec section 1
// Non-goals); this is the collaborator boundary.
type TargetClient interface {
	// Infer issues one synchronous inference call and returns when the
	// response is received.
	Infer(correlationID string, sequenceStart, sequenceEnd bool) error
}

// TimestampRecord is one completed request's send/receive times, matching
// spec section 4.4: "(send_start, recv_end, sequence_flags)".
type TimestampRecord struct {
	SendStart     time.Time
	RecvEnd       time.Time
	SequenceStart bool
	SequenceEnd   bool
}

// Config holds the manager's static configuration: model identity,
// concurrency bounds, and whether the model requires sequence affinity.
type Config struct {
	ModelName  string
	MaxThreads int
	Sequential bool // true when the model is sequence-stateful
}
