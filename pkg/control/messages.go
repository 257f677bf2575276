package control

// LoadModelRequest asks the host process to load a model's configuration
// from its model repository directory and bring up its scheduler.
type LoadModelRequest struct {
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
}

type LoadModelResponse struct {
	Instances int `json:"instances"`
}

// UnloadModelRequest asks the host process to drain and tear down a
// model's scheduler.
type UnloadModelRequest struct {
	Model string `json:"model"`
}

type UnloadModelResponse struct{}

// ModelStatusRequest queries a single model's current occupancy.
type ModelStatusRequest struct {
	Model string `json:"model"`
}

type ModelStatusResponse struct {
	Instances  int `json:"instances"`
	Idle       int `json:"idle"`
	Busy       int `json:"busy"`
	QueueDepth int `json:"queue_depth"`
}

// ServerStatsRequest queries a model's cumulative execution statistics,
// the profiler's server-side snapshot (spec section 4.5 step 6).
type ServerStatsRequest struct {
	Model string `json:"model"`
}

type ServerStatsResponse struct {
	Model         string                          `json:"model"`
	InferCount    int64                           `json:"infer_count"`
	ComputeTimeNs int64                            `json:"compute_time_ns"`
	QueueTimeNs   int64                            `json:"queue_time_ns"`
	CumulativeNs  int64                            `json:"cumulative_ns"`
	Children      map[string]*ServerStatsResponse `json:"children,omitempty"`
}

// InferRequest issues one inference call against a loaded model's
// scheduler, the wire shape the Load Manager's TargetClient drives over
// this control plane (spec section 1 #2: the profiler "drives a target
// server" over a real network client, not an in-process pointer). Tensor
// payloads are deliberately absent: request/response schema is out of
// scope per spec section 1's Non-goals, so only the scheduling-relevant
// fields travel over the wire.
type InferRequest struct {
	Model         string `json:"model"`
	CorrelationID string `json:"correlation_id,omitempty"`
	SequenceStart bool   `json:"sequence_start,omitempty"`
	SequenceEnd   bool   `json:"sequence_end,omitempty"`
}

type InferResponse struct{}
