package framework

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-infer/server/pkg/serving"
)

func TestValidateIORejectsUnexposedTensor(t *testing.T) {
	declared := []serving.TensorSpec{{Name: "input", DataType: serving.DataTypeFP32}}
	exposed := []serving.TensorSpec{}
	require.Error(t, validateIO(declared, exposed, true))
}

func TestValidateIORejectsDatatypeMismatch(t *testing.T) {
	declared := []serving.TensorSpec{{Name: "x", DataType: serving.DataTypeFP32}}
	exposed := []serving.TensorSpec{{Name: "x", DataType: serving.DataTypeInt32}}
	require.Error(t, validateIO(declared, exposed, true))
}

func TestValidateIOStrictSubsetRejectsExtraExposedTensor(t *testing.T) {
	declared := []serving.TensorSpec{{Name: "x", DataType: serving.DataTypeFP32}}
	exposed := []serving.TensorSpec{
		{Name: "x", DataType: serving.DataTypeFP32},
		{Name: "y", DataType: serving.DataTypeFP32},
	}
	require.Error(t, validateIO(declared, exposed, true))
	require.NoError(t, validateIO(declared, exposed, false))
}

func TestValidateShapeSkipsUnknownRank(t *testing.T) {
	declared := serving.TensorSpec{Name: "x", Dims: []int64{1, 3, 224, 224}}
	exposed := serving.TensorSpec{Name: "x"} // no Dims: rank unknown
	require.NoError(t, validateShape(declared, exposed))
}

func TestValidateShapeRejectsKnownIncompatibleRank(t *testing.T) {
	declared := serving.TensorSpec{Name: "x", Dims: []int64{1, 3}}
	exposed := serving.TensorSpec{Name: "x", Dims: []int64{1, 3, 224}}
	require.Error(t, validateShape(declared, exposed))
}

func TestValidateShapeWildcardDimensionsMatchAnything(t *testing.T) {
	declared := serving.TensorSpec{Name: "x", Dims: []int64{-1, 3, 224, 224}}
	exposed := serving.TensorSpec{Name: "x", Dims: []int64{8, 3, 224, 224}}
	require.NoError(t, validateShape(declared, exposed))
}

func TestValidateShapeRejectsIncompatibleKnownDimension(t *testing.T) {
	declared := serving.TensorSpec{Name: "x", Dims: []int64{1, 3, 224, 224}}
	exposed := serving.TensorSpec{Name: "x", Dims: []int64{1, 3, 128, 128}}
	require.Error(t, validateShape(declared, exposed))
}

func TestRegistryLoadRejectsUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	_, err := r.Load("/models/m", &serving.ModelConfig{Name: "m", Platform: "unknown_framework"})
	require.Error(t, err)
}
