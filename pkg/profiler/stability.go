package profiler

import "github.com/nova-infer/server/pkg/servingerrors"

// IsStable implements spec section 4.5's stability criterion: given the
// last `window` measurements, the run is stable iff every sample's
// throughput and stabilizing latency lie within (1 ± threshold) of the
// window's mean. Fewer than `window` samples is never stable.
func IsStable(samples []Sample, window int, threshold float64) bool {
	if len(samples) < window {
		return false
	}
	w := samples[len(samples)-window:]

	meanThroughput := meanOf(w, func(s Sample) float64 { return s.Throughput })
	meanLatency := meanOf(w, func(s Sample) float64 { return float64(s.stabilizingLatency()) })

	for _, s := range w {
		if !withinTolerance(s.Throughput, meanThroughput, threshold) {
			return false
		}
		if !withinTolerance(float64(s.stabilizingLatency()), meanLatency, threshold) {
			return false
		}
	}
	return true
}

func withinTolerance(v, mean, threshold float64) bool {
	if mean == 0 {
		return v == 0
	}
	lo := mean * (1 - threshold)
	hi := mean * (1 + threshold)
	return v >= lo && v <= hi
}

func meanOf(samples []Sample, f func(Sample) float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += f(s)
	}
	return sum / float64(len(samples))
}

// MeasureUntilStable repeatedly calls measure (one stability-window
// sample per call) until IsStable reports true over the trailing window,
// or maxTrials measurements have been taken without stabilizing, in which
// case it returns the collected samples and a TimedOut-kind error.
func MeasureUntilStable(measure func() (Sample, error), window int, threshold float64, maxTrials int) ([]Sample, error) {
	var samples []Sample
	for trial := 0; trial < maxTrials; trial++ {
		s, err := measure()
		if err != nil {
			return samples, err
		}
		samples = append(samples, s)
		if IsStable(samples, window, threshold) {
			return samples, nil
		}
	}
	return samples, servingerrors.New(servingerrors.TimedOut, "profiler exhausted %d trials without reaching a stable measurement window", maxTrials)
}
