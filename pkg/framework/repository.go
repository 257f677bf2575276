package framework

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nova-infer/server/pkg/serving"
	"github.com/nova-infer/server/pkg/servingerrors"
)

// modelConfigFile is the on-disk JSON shape of a model's configuration,
// one per model directory: <repository>/<model-name>/config.json. This
// plays the role of Triton's config.pbtxt, ported to JSON per this
// repository's ambient config format.
type modelConfigFile struct {
	Platform     string               `json:"platform"`
	MaxBatchSize uint                 `json:"max_batch_size"`
	Inputs       []tensorSpecFile     `json:"input"`
	Outputs      []tensorSpecFile     `json:"output"`
	DynamicBatching *dynamicBatchingFile `json:"dynamic_batching,omitempty"`
	SequenceBatching *sequenceBatchingFile `json:"sequence_batching,omitempty"`
	InstanceGroup []instanceGroupFile `json:"instance_group,omitempty"`
	Ensemble     []ensembleStepFile   `json:"ensemble_scheduling,omitempty"`
	MaxQueueLength int                `json:"max_queue_length,omitempty"`
}

type tensorSpecFile struct {
	Name     string  `json:"name"`
	DataType string  `json:"data_type"`
	Dims     []int64 `json:"dims"`
	Reshape  []int64 `json:"reshape,omitempty"`
}

type dynamicBatchingFile struct {
	PreferredBatchSize       []int `json:"preferred_batch_size"`
	MaxQueueDelayMicroseconds int64 `json:"max_queue_delay_microseconds"`
}

type sequenceBatchingFile struct {
	MaxSequenceIdleMicroseconds int64 `json:"max_sequence_idle_microseconds"`
	StrictHomogeneous           bool  `json:"strict_homogeneous,omitempty"`
}

type instanceGroupFile struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
	GPUs  []int  `json:"gpus,omitempty"`
}

type ensembleStepFile struct {
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
}

var dataTypeNames = map[string]serving.DataType{
	"BOOL":   serving.DataTypeBool,
	"UINT8":  serving.DataTypeUint8,
	"INT32":  serving.DataTypeInt32,
	"INT64":  serving.DataTypeInt64,
	"FP32":   serving.DataTypeFP32,
	"FP64":   serving.DataTypeFP64,
	"STRING": serving.DataTypeString,
}

// LoadModelConfig reads and parses a model's config.json into the
// serving.ModelConfig the scheduler consumes.
func LoadModelConfig(modelDir string) (*serving.ModelConfig, error) {
	name := filepath.Base(modelDir)
	raw, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	if err != nil {
		return nil, servingerrors.Wrap(servingerrors.NotFound, err)
	}

	var f modelConfigFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, servingerrors.Wrap(servingerrors.InvalidArgument, err)
	}

	cfg := &serving.ModelConfig{
		Name:           name,
		Platform:       f.Platform,
		MaxBatchSize:   f.MaxBatchSize,
		Inputs:         convertTensorSpecs(f.Inputs),
		Outputs:        convertTensorSpecs(f.Outputs),
		MaxQueueLength: f.MaxQueueLength,
	}
	if f.DynamicBatching != nil {
		cfg.DynamicBatching = &serving.DynamicBatchingConfig{
			PreferredBatchSize:        f.DynamicBatching.PreferredBatchSize,
			MaxQueueDelayMicroseconds: f.DynamicBatching.MaxQueueDelayMicroseconds,
		}
	}
	if f.SequenceBatching != nil {
		cfg.SequenceBatching = &serving.SequenceBatchingConfig{
			MaxSequenceIdleMicroseconds: f.SequenceBatching.MaxSequenceIdleMicroseconds,
			StrictHomogeneous:           f.SequenceBatching.StrictHomogeneous,
		}
	}
	for _, g := range f.InstanceGroup {
		kind := serving.InstanceKindCPU
		if g.Kind == "GPU" {
			kind = serving.InstanceKindGPU
		}
		cfg.InstanceGroup = append(cfg.InstanceGroup, serving.InstanceGroupConfig{
			Kind: kind, Count: g.Count, GPUs: g.GPUs,
		})
	}
	for _, e := range f.Ensemble {
		cfg.EnsembleScheduling = append(cfg.EnsembleScheduling, serving.EnsembleStep{
			ModelName: e.ModelName, ModelVersion: e.ModelVersion,
		})
	}

	return cfg, nil
}

func convertTensorSpecs(files []tensorSpecFile) []serving.TensorSpec {
	out := make([]serving.TensorSpec, len(files))
	for i, f := range files {
		out[i] = serving.TensorSpec{
			Name:     f.Name,
			DataType: dataTypeNames[f.DataType],
			Dims:     f.Dims,
			Reshape:  f.Reshape,
		}
	}
	return out
}

// DiscoverModels lists model directories immediately under repoPath, each
// expected to contain a config.json.
func DiscoverModels(repoPath string) ([]string, error) {
	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return nil, servingerrors.Wrap(servingerrors.NotFound, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
