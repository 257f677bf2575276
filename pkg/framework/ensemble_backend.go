package framework

import (
	"context"

	"github.com/nova-infer/server/pkg/serving"
	"github.com/nova-infer/server/pkg/servingerrors"
)

// ModelLookup resolves a composing model's already-loaded Backend by name
// and version. The ensemble manager (not the scheduler) owns this
// resolution, per spec section 9: "children owned by the ensemble
// manager, not by the scheduler."
type ModelLookup func(name, version string) (serving.Backend, error)

// EnsembleLoader builds a Backend that fans a batch through its
// ensemble_scheduling composing models in sequence rather than executing
// anything itself.
type EnsembleLoader struct {
	registry *Registry
	Lookup   ModelLookup
}

func (l *EnsembleLoader) Load(path string, cfg *serving.ModelConfig) (serving.Backend, error) {
	if l.Lookup == nil {
		return nil, loadError("ensemble", path, servingerrors.New(servingerrors.Internal, "ensemble loader has no model lookup configured"))
	}
	if len(cfg.EnsembleScheduling) == 0 {
		return nil, loadError("ensemble", path, servingerrors.New(servingerrors.InvalidArgument, "ensemble model declares no ensemble_scheduling steps"))
	}

	children := make([]serving.Backend, 0, len(cfg.EnsembleScheduling))
	for _, step := range cfg.EnsembleScheduling {
		child, err := l.Lookup(step.ModelName, step.ModelVersion)
		if err != nil {
			return nil, loadError("ensemble", path, err)
		}
		children = append(children, child)
	}

	return &ensembleBackend{cfg: cfg, children: children, steps: cfg.EnsembleScheduling}, nil
}

// ensembleBackend dispatches a batch through its composing models in
// declared order. Only sequential, single-input/single-output-compatible
// pipelines are represented; a DAG with branching or tensor remapping
// would need per-step tensor routing that this repository's scope does
// not exercise (ensembles are referenced for statistics recursion only,
// per spec section 6).
type ensembleBackend struct {
	cfg      *serving.ModelConfig
	children []serving.Backend
	steps    []serving.EnsembleStep
}

func (b *ensembleBackend) MaxBatchSize() uint            { return b.cfg.MaxBatchSize }
func (b *ensembleBackend) Inputs() []serving.TensorSpec  { return b.cfg.Inputs }
func (b *ensembleBackend) Outputs() []serving.TensorSpec { return b.cfg.Outputs }
func (b *ensembleBackend) DeviceID() int                 { return -1 }

func (b *ensembleBackend) Run(ctx context.Context, batch []*serving.Request) ([]serving.Response, error) {
	if len(b.children) == 0 {
		return nil, servingerrors.New(servingerrors.Internal, "ensemble %s has no resolved composing models", b.cfg.Name)
	}

	var last []serving.Response
	for i, child := range b.children {
		resps, err := child.Run(ctx, batch)
		if err != nil {
			return nil, servingerrors.Wrap(servingerrors.Internal, err)
		}
		last = resps
		batch = chainResponsesIntoRequests(batch, resps, b.steps[i])
	}
	return last, nil
}

// chainResponsesIntoRequests feeds one step's outputs in as the next
// step's inputs, preserving each request's identity (Respond, deadline,
// correlation) while swapping its tensor payload.
func chainResponsesIntoRequests(batch []*serving.Request, resps []serving.Response, step serving.EnsembleStep) []*serving.Request {
	if len(resps) != len(batch) {
		return batch
	}
	next := make([]*serving.Request, len(batch))
	for i, req := range batch {
		cp := *req
		cp.Inputs = tensorsFromOutputs(resps[i])
		next[i] = &cp
	}
	return next
}

func tensorsFromOutputs(r serving.Response) []serving.Tensor {
	return append([]serving.Tensor(nil), r.Outputs...)
}
