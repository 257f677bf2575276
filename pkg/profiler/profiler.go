package profiler

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StatsClient queries the target server's control plane for a server-side
// statistics snapshot, used to compute the server-attributed portion of
// measured latency (spec section 4.5 step 6: "Compute server-side stats
// by differencing S1-S0 per model").
type StatsClient interface {
	ServerStats(model string) (*ServerSideStats, error)
}

// Config holds the profiler's run parameters, corresponding to the CLI
// surface of spec section 6.
type Config struct {
	Model                string
	MeasurementInterval   time.Duration
	StabilityWindow       int
	StabilityThreshold    float64 // as a fraction, e.g. 0.1 for 10%
	MaxTrials             int
	LatencyThresholdMs    int
	// Percentile records the configured stabilizing percentile; -1 means
	// the mean, matching spec section 6 ("--percentile {50..99|-1}"). The
	// Profiler does not read it: the stabilizing latency comes from each
	// Sample's own Percentile field, which the sampler fills in.
	Percentile int
}

// Profiler coordinates a Measurer (built from a load manager driving the
// target server) against Config's stability and threshold rules, and a
// StatsClient for server-side statistics differencing.
type Profiler struct {
	log   logrus.FieldLogger
	cfg   Config
	stats StatsClient
}

// New constructs a Profiler.
func New(log logrus.FieldLogger, cfg Config, stats StatsClient) *Profiler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 3
	}
	return &Profiler{log: log.WithField("model", cfg.Model), cfg: cfg, stats: stats}
}

// MeasurerFor adapts a raw single-window sampler (one measurement over
// MeasurementInterval at a fixed concurrency) into a Measurer that first
// waits for stability across StabilityWindow windows, then reports
// whether the stabilized sample meets LatencyThresholdMs.
func (p *Profiler) MeasurerFor(sampleAt func(concurrency int) (Sample, error)) Measurer {
	return func(concurrency int) (Sample, bool, error) {
		samples, err := MeasureUntilStable(func() (Sample, error) {
			return sampleAt(concurrency)
		}, p.cfg.StabilityWindow, p.cfg.StabilityThreshold, p.cfg.MaxTrials)
		if err != nil {
			// Never stabilized (or a measurement itself failed): propagate
			// the error so the search aborts instead of reporting an
			// unstable sample as a successful probe. The last observed
			// sample still travels with the error for callers that want to
			// report how far the search got.
			if len(samples) == 0 {
				return Sample{}, false, err
			}
			last := samples[len(samples)-1]
			return last, false, err
		}
		last := samples[len(samples)-1]
		return last, p.meetsThreshold(last), nil
	}
}

func (p *Profiler) meetsThreshold(s Sample) bool {
	if p.cfg.LatencyThresholdMs <= 0 {
		return true
	}
	thresholdMs := time.Duration(p.cfg.LatencyThresholdMs) * time.Millisecond
	return s.stabilizingLatency() <= thresholdMs
}

// DiffServerStats takes a before/after server-side statistics pair for
// the profiled model and returns the differenced, overhead-annotated
// result (spec section 9's overhead supplement).
func (p *Profiler) DiffServerStats(before, after *ServerSideStats) *ServerSideStats {
	return Diff(before, after)
}
