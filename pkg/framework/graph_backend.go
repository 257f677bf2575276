package framework

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nova-infer/server/pkg/serving"
	"github.com/nova-infer/server/pkg/servingerrors"
)

// GraphStaticLoader loads graph-based models whose exposed inputs/outputs
// must equal exactly the configured set (spec section 6: no potential I/O
// beyond what's declared).
type GraphStaticLoader struct{}

func (l *GraphStaticLoader) Load(path string, cfg *serving.ModelConfig) (serving.Backend, error) {
	exposed, err := probeGraphIO(path, cfg)
	if err != nil {
		return nil, loadError("graph_static", path, err)
	}
	if err := validateIO(cfg.Inputs, exposed.Inputs, true); err != nil {
		return nil, loadError("graph_static", path, err)
	}
	if err := validateIO(cfg.Outputs, exposed.Outputs, true); err != nil {
		return nil, loadError("graph_static", path, err)
	}
	return newGraphBackend(cfg, deviceFromInstanceGroup(cfg)), nil
}

// GraphPotentialLoader loads graph-based models that may expose a superset
// of I/O beyond the configured subset (spec section 6: "graph models may
// have 'potential' I/O sets larger than the config").
type GraphPotentialLoader struct{}

func (l *GraphPotentialLoader) Load(path string, cfg *serving.ModelConfig) (serving.Backend, error) {
	exposed, err := probeGraphIO(path, cfg)
	if err != nil {
		return nil, loadError("graph_potential", path, err)
	}
	if err := validateIO(cfg.Inputs, exposed.Inputs, false); err != nil {
		return nil, loadError("graph_potential", path, err)
	}
	if err := validateIO(cfg.Outputs, exposed.Outputs, false); err != nil {
		return nil, loadError("graph_potential", path, err)
	}
	return newGraphBackend(cfg, deviceFromInstanceGroup(cfg)), nil
}

// exposedIO is what probeGraphIO reports the on-disk model actually
// declares, independent of its serving configuration.
type exposedIO struct {
	Inputs  []serving.TensorSpec
	Outputs []serving.TensorSpec
}

// probeGraphIO stands in for reading a graph model's embedded signature
// (the on-disk framework's own I/O metadata). Model artifacts are not
// shipped with this repository, so absent a real graph to introspect this
// mirrors the configured I/O back — trusting the declared config rather
// than rejecting it outright — and still lets a test exercise a genuine
// mismatch by calling validateIO directly with a hand-built exposedIO.
// Real deployments replace this with the framework's native signature
// reader (e.g. a SavedModel / ONNX graph walk).
func probeGraphIO(path string, cfg *serving.ModelConfig) (exposedIO, error) {
	return exposedIO{Inputs: cfg.Inputs, Outputs: cfg.Outputs}, nil
}

// graphBackend executes a batch against a simulated numeric kernel,
// generalizing the teacher's SimulatedGPU (CPU matrix work plus a
// batch-scaled sleep) from opaque JSON payloads to typed Tensors.
type graphBackend struct {
	cfg      *serving.ModelConfig
	deviceID int
}

func newGraphBackend(cfg *serving.ModelConfig, deviceID int) *graphBackend {
	return &graphBackend{cfg: cfg, deviceID: deviceID}
}

func (b *graphBackend) MaxBatchSize() uint            { return b.cfg.MaxBatchSize }
func (b *graphBackend) Inputs() []serving.TensorSpec  { return b.cfg.Inputs }
func (b *graphBackend) Outputs() []serving.TensorSpec { return b.cfg.Outputs }
func (b *graphBackend) DeviceID() int                 { return b.deviceID }

func (b *graphBackend) Run(ctx context.Context, batch []*serving.Request) ([]serving.Response, error) {
	if len(batch) == 0 {
		return nil, servingerrors.New(servingerrors.InvalidArgument, "empty batch")
	}
	if b.cfg.MaxBatchSize > 0 && uint(len(batch)) > b.cfg.MaxBatchSize {
		return nil, servingerrors.New(servingerrors.InvalidArgument, "batch of %d exceeds max_batch_size %d", len(batch), b.cfg.MaxBatchSize)
	}

	// Base latency plus sublinear batch scaling, matching the shape of
	// real GPU kernel time: cost grows slower than batch size.
	latency := 5*time.Millisecond + time.Duration(float64(len(batch))*1.5)*time.Millisecond
	matrixWork(64)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	out := make([]serving.Response, len(batch))
	for i, req := range batch {
		outputs := make([]serving.Tensor, len(b.cfg.Outputs))
		for j, spec := range b.cfg.Outputs {
			outputs[j] = serving.Tensor{
				Name:     spec.Name,
				DataType: spec.DataType,
				Shape:    spec.Dims,
				Raw:      simulateOutput(spec, req),
			}
		}
		out[i] = serving.Response{Outputs: outputs}
	}
	return out, nil
}

func simulateOutput(spec serving.TensorSpec, req *serving.Request) []byte {
	n := 1
	for _, d := range spec.Dims {
		if d > 1 {
			n *= int(d)
		}
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := float32(rand.Float64())
		off := i * 4
		bits := math.Float32bits(v)
		out[off] = byte(bits)
		out[off+1] = byte(bits >> 8)
		out[off+2] = byte(bits >> 16)
		out[off+3] = byte(bits >> 24)
	}
	return out
}

// matrixWork performs an NxN matrix multiplication to create real CPU
// load in place of an actual GPU kernel launch.
func matrixWork(n int) {
	a := make([][]float64, n)
	b := make([][]float64, n)
	c := make([][]float64, n)
	for i := 0; i < n; i++ {
		a[i] = make([]float64, n)
		b[i] = make([]float64, n)
		c[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			a[i][j] = rand.Float64()
			b[i][j] = rand.Float64()
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += a[i][k] * b[k][j]
			}
			c[i][j] = sum
		}
	}
	_ = math.Sqrt(c[0][0])
}

func deviceFromInstanceGroup(cfg *serving.ModelConfig) int {
	for _, g := range cfg.InstanceGroup {
		if g.Kind == serving.InstanceKindGPU && len(g.GPUs) > 0 {
			return g.GPUs[0]
		}
	}
	return -1
}
