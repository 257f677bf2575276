package framework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-infer/server/pkg/serving"
)

func graphStaticConfig() *serving.ModelConfig {
	return &serving.ModelConfig{
		Name:         "resnet50",
		Platform:     "graph_static",
		MaxBatchSize: 8,
		Inputs:       []serving.TensorSpec{{Name: "input", DataType: serving.DataTypeFP32, Dims: []int64{-1, 3, 224, 224}}},
		Outputs:      []serving.TensorSpec{{Name: "output", DataType: serving.DataTypeFP32, Dims: []int64{-1, 1000}}},
	}
}

func TestGraphStaticLoaderLoadsAndRuns(t *testing.T) {
	l := &GraphStaticLoader{}
	backend, err := l.Load("/models/resnet50", graphStaticConfig())
	require.NoError(t, err)

	req := &serving.Request{Model: "resnet50"}
	resps, err := backend.Run(context.Background(), []*serving.Request{req})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	require.Len(t, resps[0].Outputs, 1)
	require.Equal(t, "output", resps[0].Outputs[0].Name)
}

func TestGraphBackendRejectsOversizedBatch(t *testing.T) {
	l := &GraphStaticLoader{}
	backend, err := l.Load("/models/resnet50", graphStaticConfig())
	require.NoError(t, err)

	batch := make([]*serving.Request, 9)
	for i := range batch {
		batch[i] = &serving.Request{Model: "resnet50"}
	}
	_, err = backend.Run(context.Background(), batch)
	require.Error(t, err)
}

func TestGraphBackendRejectsEmptyBatch(t *testing.T) {
	l := &GraphStaticLoader{}
	backend, err := l.Load("/models/resnet50", graphStaticConfig())
	require.NoError(t, err)

	_, err = backend.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestGraphPotentialLoaderLoadsConfiguredIO(t *testing.T) {
	l := &GraphPotentialLoader{}
	cfg := graphStaticConfig()
	cfg.Platform = "graph_potential"
	_, err := l.Load("/models/resnet50", cfg)
	require.NoError(t, err)
}

func TestDeviceFromInstanceGroupPrefersConfiguredGPU(t *testing.T) {
	cfg := graphStaticConfig()
	cfg.InstanceGroup = []serving.InstanceGroupConfig{{Kind: serving.InstanceKindGPU, GPUs: []int{2}}}
	require.Equal(t, 2, deviceFromInstanceGroup(cfg))
}

func TestDeviceFromInstanceGroupDefaultsToMinusOne(t *testing.T) {
	cfg := graphStaticConfig()
	require.Equal(t, -1, deviceFromInstanceGroup(cfg))
}
