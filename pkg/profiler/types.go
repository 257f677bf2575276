// Package profiler drives the inference profiler of spec section 4.5: a
// load-generating client that searches for a concurrency operating point
// satisfying a latency threshold while the server's throughput/latency
// measurements are stable. Only concurrency is searched; there is no
// request-rate search.
package profiler

import "time"

// Sample is one stability-window measurement at a fixed load point.
type Sample struct {
	Concurrency int
	Throughput  float64 // inferences per second
	MeanLatency time.Duration
	// Percentile, when non-nil, holds the configured percentile latency;
	// nil means the caller wants mean latency (percentile == -1 in the
	// CLI surface, per spec section 6).
	Percentile *time.Duration
}

// stabilizingLatency returns the latency value the stability criterion
// checks: the configured percentile if present, else the mean.
func (s Sample) stabilizingLatency() time.Duration {
	if s.Percentile != nil {
		return *s.Percentile
	}
	return s.MeanLatency
}

// ServerSideStats is one server-reported statistics snapshot for a model,
// recovered from original_source's InferenceProfiler (spec section 9):
// server cumulative time differenced against compute+queue time yields an
// "overhead" figure, and ensembles recurse into their composing models.
type ServerSideStats struct {
	ModelName string

	InferCount    int64
	ComputeTimeNs int64
	QueueTimeNs   int64
	CumulativeNs  int64

	// Overhead is CumulativeNs minus (ComputeTimeNs + QueueTimeNs),
	// attributing the remainder to framework/runtime overhead outside
	// the measured compute and queue phases.
	Overhead int64

	Children map[string]*ServerSideStats
}

// Diff computes the per-model delta between two snapshots taken at the
// start (s0) and end (s1) of a measurement window, recursing into
// Children for ensembles.
func Diff(s0, s1 *ServerSideStats) *ServerSideStats {
	if s1 == nil {
		return nil
	}
	var base ServerSideStats
	if s0 != nil {
		base = *s0
	}
	d := &ServerSideStats{
		ModelName:     s1.ModelName,
		InferCount:    s1.InferCount - base.InferCount,
		ComputeTimeNs: s1.ComputeTimeNs - base.ComputeTimeNs,
		QueueTimeNs:   s1.QueueTimeNs - base.QueueTimeNs,
		CumulativeNs:  s1.CumulativeNs - base.CumulativeNs,
	}
	d.Overhead = d.CumulativeNs - (d.ComputeTimeNs + d.QueueTimeNs)
	if d.Overhead < 0 {
		d.Overhead = 0
	}

	if len(s1.Children) > 0 {
		d.Children = make(map[string]*ServerSideStats, len(s1.Children))
		for name, child1 := range s1.Children {
			var child0 *ServerSideStats
			if s0 != nil {
				child0 = s0.Children[name]
			}
			d.Children[name] = Diff(child0, child1)
		}
	}
	return d
}
