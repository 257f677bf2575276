package control

import (
	"context"

	"github.com/nova-infer/server/pkg/profiler"
)

// StatsClient adapts Client into profiler.StatsClient, making the profiler
// a genuine network client of the control plane (spec section 1 #2,
// SPEC_FULL section 7): ServerStats differencing no longer assumes an
// in-process scheduler pointer.
type StatsClient struct {
	Client *Client
}

func (s StatsClient) ServerStats(model string) (*profiler.ServerSideStats, error) {
	resp, err := s.Client.ServerStats(context.Background(), &ServerStatsRequest{Model: model})
	if err != nil {
		return nil, err
	}
	return convertStats(resp), nil
}

func convertStats(resp *ServerStatsResponse) *profiler.ServerSideStats {
	if resp == nil {
		return nil
	}
	out := &profiler.ServerSideStats{
		ModelName:     resp.Model,
		InferCount:    resp.InferCount,
		ComputeTimeNs: resp.ComputeTimeNs,
		QueueTimeNs:   resp.QueueTimeNs,
		CumulativeNs:  resp.CumulativeNs,
	}
	if len(resp.Children) > 0 {
		out.Children = make(map[string]*profiler.ServerSideStats, len(resp.Children))
		for name, child := range resp.Children {
			out.Children[name] = convertStats(child)
		}
	}
	return out
}
