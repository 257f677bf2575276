package profiler

import (
	"github.com/sirupsen/logrus"

	"github.com/nova-infer/server/pkg/servingerrors"
)

// Measurer takes one stable measurement at a given concurrency and
// reports whether its stabilizing latency meets thresholdMs.
type Measurer func(concurrency int) (sample Sample, meetsThreshold bool, err error)

// SearchResult is the outcome of a concurrency search.
type SearchResult struct {
	Samples []Sample
	// Range is the final concurrency range the search examined: for
	// linear search, [start, last concurrency probed]; for binary search,
	// [lo, hi] at convergence.
	Range [2]int
}

// LinearSearch walks concurrency from start to end (inclusive) in steps
// of step, measuring at each point and stopping as soon as one exceeds
// the latency threshold, per spec scenario S4. The final emitted range is
// the full span actually walked.
func LinearSearch(log logrus.FieldLogger, start, end, step int, measure Measurer) (SearchResult, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if step <= 0 {
		step = 1
	}
	var samples []Sample
	last := start

	for c := start; (step > 0 && c <= end) || (step < 0 && c >= end); c += step {
		sample, ok, err := measure(c)
		if err != nil {
			return SearchResult{Samples: samples, Range: [2]int{start, last}}, err
		}
		samples = append(samples, sample)
		last = c
		log.WithFields(logrus.Fields{"concurrency": c, "meets_threshold": ok}).Info("linear search probe")
		if !ok {
			break
		}
	}
	return SearchResult{Samples: samples, Range: [2]int{start, last}}, nil
}

// BinarySearch narrows [lo, hi] until they are adjacent, maintaining the
// invariant that lo always meets the threshold and hi never does (spec
// invariant 5). Callers must ensure lo meets the threshold and hi does
// not before calling; this is checked and reported as InvalidArgument
// otherwise, since a malformed starting range makes the invariant
// unrecoverable.
func BinarySearch(log logrus.FieldLogger, lo, hi int, measure Measurer) (SearchResult, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var samples []Sample

	loSample, loOK, err := measure(lo)
	if err != nil {
		return SearchResult{}, err
	}
	samples = append(samples, loSample)
	if !loOK {
		return SearchResult{Samples: samples, Range: [2]int{lo, hi}}, servingerrors.New(servingerrors.InvalidArgument, "binary search lower bound %d does not meet the latency threshold", lo)
	}

	hiSample, hiOK, err := measure(hi)
	if err != nil {
		return SearchResult{Samples: samples}, err
	}
	samples = append(samples, hiSample)
	if hiOK {
		return SearchResult{Samples: samples, Range: [2]int{lo, hi}}, servingerrors.New(servingerrors.InvalidArgument, "binary search upper bound %d unexpectedly meets the latency threshold", hi)
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		sample, ok, err := measure(mid)
		if err != nil {
			return SearchResult{Samples: samples, Range: [2]int{lo, hi}}, err
		}
		samples = append(samples, sample)
		log.WithFields(logrus.Fields{"lo": lo, "hi": hi, "mid": mid, "meets_threshold": ok}).Info("binary search probe")
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return SearchResult{Samples: samples, Range: [2]int{lo, hi}}, nil
}
