// Package framework resolves a model's declared platform to a concrete
// Backend, validating the model-configured input/output tensors against
// what the underlying execution framework actually exposes.
package framework

import (
	"fmt"

	"github.com/nova-infer/server/pkg/serving"
	"github.com/nova-infer/server/pkg/servingerrors"
)

// Loader loads one model version from path into a ready serving.Backend.
// Implementations are selected by a model's configured platform string.
type Loader interface {
	Load(path string, cfg *serving.ModelConfig) (serving.Backend, error)
}

// Registry maps a model's platform string to the Loader that handles it.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry builds a registry pre-populated with the framework loaders
// this build supports.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	r.Register("graph_static", &GraphStaticLoader{})
	r.Register("graph_potential", &GraphPotentialLoader{})
	r.Register("ensemble", &EnsembleLoader{registry: r})
	return r
}

// Register associates a platform string with a Loader, overwriting any
// existing registration.
func (r *Registry) Register(platform string, l Loader) {
	r.loaders[platform] = l
}

// Load resolves cfg.Platform to a Loader and delegates to it.
func (r *Registry) Load(path string, cfg *serving.ModelConfig) (serving.Backend, error) {
	l, ok := r.loaders[cfg.Platform]
	if !ok {
		return nil, servingerrors.New(servingerrors.InvalidArgument, "no framework loader registered for platform %q", cfg.Platform)
	}
	return l.Load(path, cfg)
}

// validateIO checks that every tensor cfg declares is present in exposed
// with a compatible datatype and shape, per spec section 6: "declared
// inputs/outputs are a subset of those the model exposes ... each
// configured I/O must match the model's datatype and, if the model
// provides a rank > 0, the shape under the model-config reshape rule."
//
// strictSubset additionally rejects any exposed tensor absent from cfg
// (graph-static platforms); graph-potential platforms pass strictSubset =
// false, since the model may expose a superset of I/O the config doesn't
// use.
func validateIO(declared, exposed []serving.TensorSpec, strictSubset bool) error {
	exposedByName := make(map[string]serving.TensorSpec, len(exposed))
	for _, e := range exposed {
		exposedByName[e.Name] = e
	}

	for _, d := range declared {
		e, ok := exposedByName[d.Name]
		if !ok {
			return servingerrors.New(servingerrors.InvalidArgument, "configured tensor %q is not exposed by the model", d.Name)
		}
		if e.DataType != serving.DataTypeInvalid && e.DataType != d.DataType {
			return servingerrors.New(servingerrors.InvalidArgument, "tensor %q: configured dtype %v does not match model dtype %v", d.Name, d.DataType, e.DataType)
		}
		if err := validateShape(d, e); err != nil {
			return err
		}
	}

	if strictSubset {
		declaredByName := make(map[string]struct{}, len(declared))
		for _, d := range declared {
			declaredByName[d.Name] = struct{}{}
		}
		for _, e := range exposed {
			if _, ok := declaredByName[e.Name]; !ok {
				return servingerrors.New(servingerrors.InvalidArgument, "model exposes tensor %q that is not declared in its configuration", e.Name)
			}
		}
	}
	return nil
}

// validateShape implements the resolved Open Question from spec section 9:
// "rank unknown -> skip, rank known but incompatible -> reject." A model
// tensor with no declared Dims (rank unknown, len(e.Dims) == 0) is not
// shape-checked at all; one with a declared rank is checked dimension by
// dimension, where -1 is a wildcard on either side.
func validateShape(declared, exposed serving.TensorSpec) error {
	shape := exposed.Dims
	if exposed.Reshape != nil {
		shape = exposed.Reshape
	}
	if len(shape) == 0 {
		return nil // rank unknown: nothing to compare against
	}
	want := declared.Dims
	if declared.Reshape != nil {
		want = declared.Reshape
	}
	if len(want) != len(shape) {
		return servingerrors.New(servingerrors.InvalidArgument, "tensor %q: configured rank %d does not match model rank %d", declared.Name, len(want), len(shape))
	}
	for i := range want {
		if want[i] == -1 || shape[i] == -1 {
			continue
		}
		if want[i] != shape[i] {
			return servingerrors.New(servingerrors.InvalidArgument, "tensor %q: configured dim[%d]=%d incompatible with model dim %d", declared.Name, i, want[i], shape[i])
		}
	}
	return nil
}

func loadError(platform, path string, cause error) error {
	return servingerrors.Wrap(servingerrors.InvalidArgument, fmt.Errorf("loading %s model at %s: %w", platform, path, cause))
}
