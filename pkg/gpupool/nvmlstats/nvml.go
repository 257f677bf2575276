//go:build nvml

// Package nvmlstats back-fills observed device memory and utilization
// statistics from NVML for the dashboard and profiler. It never
// participates in the GPU pool's allocation decision (pkg/gpupool is pure
// Go bookkeeping over a fixed arena); this package only reports what the
// driver itself sees.
package nvmlstats

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include <string.h>

typedef int nvmlReturn_t;
typedef void* nvmlDevice_t;

typedef struct {
    unsigned long long total;
    unsigned long long free;
    unsigned long long used;
} nvmlMemory_t;

typedef struct {
    unsigned int gpu;
    unsigned int memory;
} nvmlUtilization_t;

static void* nvml_lib = NULL;

typedef nvmlReturn_t (*nvmlInit_t)(void);
typedef nvmlReturn_t (*nvmlShutdown_t)(void);
typedef nvmlReturn_t (*nvmlDeviceGetCount_t)(unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetHandleByIndex_t)(unsigned int, nvmlDevice_t*);
typedef nvmlReturn_t (*nvmlDeviceGetMemoryInfo_t)(nvmlDevice_t, nvmlMemory_t*);
typedef nvmlReturn_t (*nvmlDeviceGetUtilizationRates_t)(nvmlDevice_t, nvmlUtilization_t*);
typedef nvmlReturn_t (*nvmlDeviceGetTemperature_t)(nvmlDevice_t, int, unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetName_t)(nvmlDevice_t, char*, unsigned int);

static nvmlInit_t f_nvmlInit = NULL;
static nvmlShutdown_t f_nvmlShutdown = NULL;
static nvmlDeviceGetCount_t f_nvmlDeviceGetCount = NULL;
static nvmlDeviceGetHandleByIndex_t f_nvmlDeviceGetHandleByIndex = NULL;
static nvmlDeviceGetMemoryInfo_t f_nvmlDeviceGetMemoryInfo = NULL;
static nvmlDeviceGetUtilizationRates_t f_nvmlDeviceGetUtilizationRates = NULL;
static nvmlDeviceGetTemperature_t f_nvmlDeviceGetTemperature = NULL;
static nvmlDeviceGetName_t f_nvmlDeviceGetName = NULL;

static int nvml_load() {
    nvml_lib = dlopen("libnvidia-ml.so.1", RTLD_LAZY);
    if (!nvml_lib) {
        nvml_lib = dlopen("libnvidia-ml.so", RTLD_LAZY);
    }
    if (!nvml_lib) return -1;

    f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit_v2");
    if (!f_nvmlInit) f_nvmlInit = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit");
    f_nvmlShutdown = (nvmlShutdown_t)dlsym(nvml_lib, "nvmlShutdown");
    f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount_v2");
    if (!f_nvmlDeviceGetCount) f_nvmlDeviceGetCount = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount");
    f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex_v2");
    if (!f_nvmlDeviceGetHandleByIndex) f_nvmlDeviceGetHandleByIndex = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex");
    f_nvmlDeviceGetMemoryInfo = (nvmlDeviceGetMemoryInfo_t)dlsym(nvml_lib, "nvmlDeviceGetMemoryInfo");
    f_nvmlDeviceGetUtilizationRates = (nvmlDeviceGetUtilizationRates_t)dlsym(nvml_lib, "nvmlDeviceGetUtilizationRates");
    f_nvmlDeviceGetTemperature = (nvmlDeviceGetTemperature_t)dlsym(nvml_lib, "nvmlDeviceGetTemperature");
    f_nvmlDeviceGetName = (nvmlDeviceGetName_t)dlsym(nvml_lib, "nvmlDeviceGetName");

    if (!f_nvmlInit || !f_nvmlDeviceGetCount || !f_nvmlDeviceGetHandleByIndex) return -2;

    return f_nvmlInit();
}

static int nvml_device_count() {
    unsigned int count = 0;
    if (f_nvmlDeviceGetCount) f_nvmlDeviceGetCount(&count);
    return (int)count;
}

static int nvml_get_memory(int idx, unsigned long long* total, unsigned long long* free, unsigned long long* used) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    nvmlMemory_t mem;
    if (f_nvmlDeviceGetMemoryInfo(dev, &mem) != 0) return -2;
    *total = mem.total;
    *free = mem.free;
    *used = mem.used;
    return 0;
}

static int nvml_get_utilization(int idx, unsigned int* gpu, unsigned int* mem) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    nvmlUtilization_t util;
    if (!f_nvmlDeviceGetUtilizationRates) return -2;
    if (f_nvmlDeviceGetUtilizationRates(dev, &util) != 0) return -3;
    *gpu = util.gpu;
    *mem = util.memory;
    return 0;
}

static int nvml_get_temperature(int idx, unsigned int* temp) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    if (!f_nvmlDeviceGetTemperature) return -2;
    if (f_nvmlDeviceGetTemperature(dev, 0, temp) != 0) return -3;
    return 0;
}

static int nvml_get_name(int idx, char* name, int len) {
    nvmlDevice_t dev;
    if (f_nvmlDeviceGetHandleByIndex(idx, &dev) != 0) return -1;
    if (!f_nvmlDeviceGetName) return -2;
    if (f_nvmlDeviceGetName(dev, name, len) != 0) return -3;
    return 0;
}

static void nvml_shutdown() {
    if (f_nvmlShutdown) f_nvmlShutdown();
    if (nvml_lib) dlclose(nvml_lib);
}
*/
import "C"

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DeviceStats holds real GPU metrics read directly from NVML.
type DeviceStats struct {
	Name           string
	Index          int
	MemoryTotalGB  float64
	MemoryFreeGB   float64
	MemoryUsedGB   float64
	GPUUtilization float64
	MemUtilization float64
	TemperatureC   float64
}

// Sampler wraps NVIDIA Management Library via dlopen (no compile-time
// dependency on the NVIDIA SDK).
type Sampler struct {
	log       logrus.FieldLogger
	available bool
	gpuCount  int
}

// New attempts to load libnvidia-ml.so and initialize NVML. A non-nil
// error here is never fatal to the server: the GPU pool's allocation
// decisions do not depend on this package.
func New(log logrus.FieldLogger) (*Sampler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rc := C.nvml_load()
	if rc != 0 {
		return nil, fmt.Errorf("nvml not available (code %d): no NVIDIA GPU detected", int(rc))
	}

	count := int(C.nvml_device_count())
	if count == 0 {
		C.nvml_shutdown()
		return nil, fmt.Errorf("nvml loaded but no GPUs found")
	}

	log.WithField("gpu_count", count).Info("nvml initialized")
	return &Sampler{log: log, available: true, gpuCount: count}, nil
}

// Available reports whether NVML is loaded and at least one GPU was
// detected.
func (s *Sampler) Available() bool {
	return s != nil && s.available
}

// DeviceCount returns the number of GPUs NVML reported at init.
func (s *Sampler) DeviceCount() int {
	if s == nil {
		return 0
	}
	return s.gpuCount
}

// Sample returns real-time metrics for a specific GPU index.
func (s *Sampler) Sample(index int) (*DeviceStats, error) {
	if !s.Available() {
		return nil, fmt.Errorf("nvml not available")
	}
	if index >= s.gpuCount {
		return nil, fmt.Errorf("gpu index %d out of range (have %d)", index, s.gpuCount)
	}

	stats := &DeviceStats{Index: index}

	var name [256]C.char
	if C.nvml_get_name(C.int(index), &name[0], 256) == 0 {
		stats.Name = C.GoString(&name[0])
	}

	var total, free, used C.ulonglong
	if C.nvml_get_memory(C.int(index), &total, &free, &used) == 0 {
		const gib = 1024 * 1024 * 1024
		stats.MemoryTotalGB = float64(total) / gib
		stats.MemoryFreeGB = float64(free) / gib
		stats.MemoryUsedGB = float64(used) / gib
	}

	var gpuUtil, memUtil C.uint
	if C.nvml_get_utilization(C.int(index), &gpuUtil, &memUtil) == 0 {
		stats.GPUUtilization = float64(gpuUtil)
		stats.MemUtilization = float64(memUtil)
	}

	var temp C.uint
	if C.nvml_get_temperature(C.int(index), &temp) == 0 {
		stats.TemperatureC = float64(temp)
	}

	return stats, nil
}

// Shutdown releases NVML resources.
func (s *Sampler) Shutdown() {
	if s != nil && s.available {
		C.nvml_shutdown()
		s.available = false
	}
}
