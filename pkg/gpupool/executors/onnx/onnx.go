//go:build onnx

// Package onnx adapts ONNX Runtime's C API into a serving.Backend,
// generalizing the teacher's raw CGo executor from opaque JSON payloads to
// typed Tensor inputs/outputs. Only built with `-tags onnx`; the default
// build uses the pure-Go graph backends in pkg/framework instead.
package onnx

/*
#cgo LDFLAGS: -lonnxruntime
#include <onnxruntime_c_api.h>
#include <stdlib.h>

static const OrtApi* g_ort = NULL;
static OrtEnv* g_env = NULL;
static OrtSession* g_session = NULL;
static OrtSessionOptions* g_session_opts = NULL;
static OrtMemoryInfo* g_memory_info = NULL;
static OrtAllocator* g_allocator = NULL;

static int ort_init(const char* model_path, int use_gpu) {
    g_ort = OrtGetApiBase()->GetApi(ORT_API_VERSION);
    if (!g_ort) return -1;

    OrtStatus* status = NULL;

    status = g_ort->CreateEnv(ORT_LOGGING_LEVEL_WARNING, "nova-infer", &g_env);
    if (status) { g_ort->ReleaseStatus(status); return -2; }

    status = g_ort->CreateSessionOptions(&g_session_opts);
    if (status) { g_ort->ReleaseStatus(status); return -3; }

    if (use_gpu) {
        status = OrtSessionOptionsAppendExecutionProvider_CUDA(g_session_opts, 0);
        if (status) { g_ort->ReleaseStatus(status); }
    }

    g_ort->SetIntraOpNumThreads(g_session_opts, 4);
    g_ort->SetSessionGraphOptimizationLevel(g_session_opts, ORT_ENABLE_ALL);

    status = g_ort->CreateSession(g_env, model_path, g_session_opts, &g_session);
    if (status) { g_ort->ReleaseStatus(status); return -4; }

    status = g_ort->CreateCpuMemoryInfo(OrtArenaAllocator, OrtMemTypeDefault, &g_memory_info);
    if (status) { g_ort->ReleaseStatus(status); return -5; }

    status = g_ort->GetAllocatorWithDefaultOptions(&g_allocator);
    if (status) { g_ort->ReleaseStatus(status); return -6; }

    return 0;
}

static int ort_run_batch(float* input_data, int batch_size, int input_elems, float* output_data, int output_elems) {
    if (!g_session || !g_ort) return -1;

    OrtStatus* status = NULL;
    const int64_t input_shape[] = {batch_size, input_elems};
    const size_t input_len = (size_t)batch_size * input_elems * sizeof(float);

    OrtValue* input_tensor = NULL;
    status = g_ort->CreateTensorWithDataAsOrtValue(
        g_memory_info, input_data, input_len,
        input_shape, 2, ONNX_TENSOR_ELEMENT_DATA_TYPE_FLOAT,
        &input_tensor
    );
    if (status) { g_ort->ReleaseStatus(status); return -2; }

    char* input_name = NULL;
    char* output_name = NULL;
    g_ort->SessionGetInputName(g_session, 0, g_allocator, &input_name);
    g_ort->SessionGetOutputName(g_session, 0, g_allocator, &output_name);

    const char* input_names[] = { input_name };
    const char* output_names[] = { output_name };
    OrtValue* output_tensor = NULL;

    status = g_ort->Run(
        g_session, NULL,
        input_names, (const OrtValue* const*)&input_tensor, 1,
        output_names, 1,
        &output_tensor
    );

    g_ort->AllocatorFree(g_allocator, input_name);
    g_ort->AllocatorFree(g_allocator, output_name);
    g_ort->ReleaseValue(input_tensor);

    if (status) {
        g_ort->ReleaseStatus(status);
        return -3;
    }

    float* out_ptr = NULL;
    g_ort->GetTensorMutableData(output_tensor, (void**)&out_ptr);
    for (int i = 0; i < batch_size * output_elems; i++) {
        output_data[i] = out_ptr[i];
    }

    g_ort->ReleaseValue(output_tensor);
    return 0;
}

static void ort_cleanup() {
    if (g_session) g_ort->ReleaseSession(g_session);
    if (g_session_opts) g_ort->ReleaseSessionOptions(g_session_opts);
    if (g_memory_info) g_ort->ReleaseMemoryInfo(g_memory_info);
    if (g_env) g_ort->ReleaseEnv(g_env);
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/nova-infer/server/pkg/serving"
)

// Backend runs real ONNX Runtime inference for a single model instance,
// bound to one device (CPU, or a CUDA device when useGPU is set).
type Backend struct {
	mu       sync.Mutex
	cfg      *serving.ModelConfig
	deviceID int
	ready    bool
}

// New loads modelPath with ONNX Runtime and returns a ready Backend.
func New(modelPath string, cfg *serving.ModelConfig, deviceID int, useGPU bool) (*Backend, error) {
	cModelPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cModelPath))

	gpuFlag := C.int(0)
	if useGPU {
		gpuFlag = 1
	}

	rc := C.ort_init(cModelPath, gpuFlag)
	if rc != 0 {
		return nil, fmt.Errorf("onnxruntime init failed (code %d)", int(rc))
	}

	return &Backend{cfg: cfg, deviceID: deviceID, ready: true}, nil
}

func (b *Backend) MaxBatchSize() uint            { return b.cfg.MaxBatchSize }
func (b *Backend) Inputs() []serving.TensorSpec  { return b.cfg.Inputs }
func (b *Backend) Outputs() []serving.TensorSpec { return b.cfg.Outputs }
func (b *Backend) DeviceID() int                 { return b.deviceID }

// Run flattens every request's first input tensor into one contiguous
// batch, executes the ONNX session once, and splits the output back out
// per request, in request order.
func (b *Backend) Run(ctx context.Context, batch []*serving.Request) ([]serving.Response, error) {
	if !b.ready {
		return nil, fmt.Errorf("onnx backend not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batchSize := len(batch)
	if batchSize == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	inputElems := tensorElems(b.cfg.Inputs)
	outputElems := tensorElems(b.cfg.Outputs)

	inputData := make([]float32, batchSize*inputElems)
	for i, req := range batch {
		if len(req.Inputs) == 0 {
			continue
		}
		raw := req.Inputs[0].Raw
		for j := 0; j < inputElems && j*4+3 < len(raw); j++ {
			inputData[i*inputElems+j] = bytesToFloat32(raw[j*4 : j*4+4])
		}
	}

	outputData := make([]float32, batchSize*outputElems)

	rc := C.ort_run_batch(
		(*C.float)(unsafe.Pointer(&inputData[0])),
		C.int(batchSize),
		C.int(inputElems),
		(*C.float)(unsafe.Pointer(&outputData[0])),
		C.int(outputElems),
	)
	if rc != 0 {
		return nil, fmt.Errorf("onnxruntime inference failed (code %d)", int(rc))
	}

	resps := make([]serving.Response, batchSize)
	for i := range resps {
		slice := outputData[i*outputElems : (i+1)*outputElems]
		resps[i] = serving.Response{Outputs: []serving.Tensor{{
			Name:     outputName(b.cfg.Outputs),
			DataType: serving.DataTypeFP32,
			Raw:      float32sToBytes(slice),
		}}}
	}
	return resps, nil
}

// Cleanup releases ONNX Runtime session state. Call once at unload.
func (b *Backend) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.ort_cleanup()
	b.ready = false
}

func tensorElems(specs []serving.TensorSpec) int {
	if len(specs) == 0 {
		return 1
	}
	n := 1
	for _, d := range specs[0].Dims {
		if d > 1 {
			n *= int(d)
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

func outputName(specs []serving.TensorSpec) string {
	if len(specs) == 0 {
		return "output"
	}
	return specs[0].Name
}

func bytesToFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return *(*float32)(unsafe.Pointer(&bits))
}

func float32sToBytes(fs []float32) []byte {
	out := make([]byte, len(fs)*4)
	for i, f := range fs {
		bits := *(*uint32)(unsafe.Pointer(&f))
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
