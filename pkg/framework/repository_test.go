package framework

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-infer/server/pkg/serving"
)

const sampleConfig = `{
  "platform": "graph_static",
  "max_batch_size": 8,
  "input": [{"name": "input", "data_type": "FP32", "dims": [-1, 3, 224, 224]}],
  "output": [{"name": "output", "data_type": "FP32", "dims": [-1, 1000]}],
  "dynamic_batching": {"preferred_batch_size": [4, 8], "max_queue_delay_microseconds": 5000},
  "instance_group": [{"kind": "GPU", "count": 2, "gpus": [0]}]
}`

func writeModelConfig(t *testing.T, repoDir, model, contents string) {
	t.Helper()
	dir := filepath.Join(repoDir, model)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(contents), 0o644))
}

func TestLoadModelConfigParsesFullConfig(t *testing.T) {
	repo := t.TempDir()
	writeModelConfig(t, repo, "resnet50", sampleConfig)

	cfg, err := LoadModelConfig(filepath.Join(repo, "resnet50"))
	require.NoError(t, err)
	require.Equal(t, "resnet50", cfg.Name)
	require.Equal(t, "graph_static", cfg.Platform)
	require.Equal(t, uint(8), cfg.MaxBatchSize)
	require.Len(t, cfg.Inputs, 1)
	require.Equal(t, serving.DataTypeFP32, cfg.Inputs[0].DataType)
	require.NotNil(t, cfg.DynamicBatching)
	require.Equal(t, []int{4, 8}, cfg.DynamicBatching.PreferredBatchSize)
	require.Len(t, cfg.InstanceGroup, 1)
	require.Equal(t, serving.InstanceKindGPU, cfg.InstanceGroup[0].Kind)
}

func TestLoadModelConfigMissingFileIsNotFound(t *testing.T) {
	repo := t.TempDir()
	_, err := LoadModelConfig(filepath.Join(repo, "missing"))
	require.Error(t, err)
}

func TestDiscoverModelsListsModelDirectories(t *testing.T) {
	repo := t.TempDir()
	writeModelConfig(t, repo, "resnet50", sampleConfig)
	writeModelConfig(t, repo, "bert", sampleConfig)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("x"), 0o644))

	names, err := DiscoverModels(repo)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"resnet50", "bert"}, names)
}
