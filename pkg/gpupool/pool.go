// Package gpupool implements the process-wide fixed-arena GPU memory pool
// of spec section 4.3: one pool per device, initialized once with a fixed
// byte budget, serving Alloc/Free without ever growing.
package gpupool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nova-infer/server/pkg/servingerrors"
)

// Ptr is an opaque allocation handle returned by Alloc and consumed by
// Free. It carries enough bookkeeping to return its block to the right
// device's free list without a second device argument at Free time, but
// Free still accepts and validates the device for parity with spec
// section 4.3's `Free(ptr, device)` signature.
type Ptr struct {
	device int
	offset int64
	size   int64
}

// block is one entry in a device's free list (the "simple
// segregated free-list over the fixed arena" called for in the original
// CudaMemoryManager, per the Design Notes Open Question resolution: a
// first-fit scan across free blocks, not a true segregated-by-size-class
// allocator, since the arena's total size is small enough that scan cost
// is immaterial).
type block struct {
	offset int64
	size   int64
}

type devicePool struct {
	mu        sync.Mutex
	total     int64
	allocated int64
	free      []block // sorted by offset, coalesced on Free
}

// Pool is the process-wide singleton GPU memory pool. Create it at most
// once; a second Create returns AlreadyExists.
type Pool struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	current int // the simulated "current device" a caller has selected
	devices map[int]*devicePool
}

var (
	singleton     *Pool
	singletonOnce sync.Mutex
)

// Create initializes the process-wide pool with one fixed arena per
// device in sizes. Calling Create a second time returns AlreadyExists,
// matching spec section 9's "Global singletons" guidance.
func Create(log logrus.FieldLogger, sizes map[int]int64) (*Pool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	singletonOnce.Lock()
	defer singletonOnce.Unlock()

	if singleton != nil {
		return nil, servingerrors.New(servingerrors.AlreadyExists, "gpu pool already created")
	}

	p := &Pool{log: log, devices: make(map[int]*devicePool, len(sizes))}
	for dev, size := range sizes {
		if size <= 0 {
			continue // unspecified/zero-size devices are skipped per spec section 6
		}
		p.devices[dev] = &devicePool{total: size, free: []block{{offset: 0, size: size}}}
		log.WithFields(logrus.Fields{"device": dev, "bytes": size}).Info("gpu pool arena created")
	}
	singleton = p
	return p, nil
}

// reset is test-only: it clears the process singleton so tests can call
// Create repeatedly without tripping AlreadyExists.
func reset() {
	singletonOnce.Lock()
	defer singletonOnce.Unlock()
	singleton = nil
}

// ResetForTests clears the process-wide singleton. It exists so packages
// outside gpupool (the metrics exposition tests, in particular) can also
// exercise repeated Create calls without a shared test binary tripping
// AlreadyExists; production code must never call it.
func ResetForTests() { reset() }

// Alloc reserves size bytes on device and returns a Ptr. The caller's
// current device is saved, switched to device for the duration of the
// call, and restored on every exit path — including the error path — per
// spec section 4.3.
func (p *Pool) Alloc(size int64, device int) (Ptr, error) {
	saved := p.swapCurrentDevice(device)
	defer p.restoreCurrentDevice(saved)

	dp, ok := p.devices[device]
	if !ok {
		return Ptr{}, servingerrors.New(servingerrors.Unavailable, "gpu pool for device %d was not configured", device)
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	for i, b := range dp.free {
		if b.size >= size {
			allocated := block{offset: b.offset, size: size}
			remainder := block{offset: b.offset + size, size: b.size - size}
			dp.free = append(dp.free[:i], dp.free[i+1:]...)
			if remainder.size > 0 {
				dp.free = insertSorted(dp.free, remainder)
			}
			dp.allocated += size
			return Ptr{device: device, offset: allocated.offset, size: size}, nil
		}
	}
	return Ptr{}, servingerrors.New(servingerrors.Unavailable, "gpu pool for device %d is saturated: requested %d, %d free", device, size, dp.total-dp.allocated)
}

// Free returns ptr's block to device's free list, coalescing with
// adjacent free blocks. device must match the device ptr was allocated
// on; a mismatch is an InvalidArgument, catching a caller bug rather than
// silently corrupting another device's arena.
func (p *Pool) Free(ptr Ptr, device int) error {
	if ptr.device != device {
		return servingerrors.New(servingerrors.InvalidArgument, "ptr was allocated on device %d, not %d", ptr.device, device)
	}

	saved := p.swapCurrentDevice(device)
	defer p.restoreCurrentDevice(saved)

	dp, ok := p.devices[device]
	if !ok {
		return servingerrors.New(servingerrors.Unavailable, "gpu pool for device %d was not configured", device)
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.free = insertSorted(dp.free, block{offset: ptr.offset, size: ptr.size})
	dp.free = coalesce(dp.free)
	dp.allocated -= ptr.size
	return nil
}

// FreeBytes reports the currently unallocated bytes on device, used by
// the dashboard/metrics exposition.
func (p *Pool) FreeBytes(device int) (int64, bool) {
	dp, ok := p.devices[device]
	if !ok {
		return 0, false
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.total - dp.allocated, true
}

// TotalBytes reports the fixed arena size configured for device.
func (p *Pool) TotalBytes(device int) (int64, bool) {
	dp, ok := p.devices[device]
	if !ok {
		return 0, false
	}
	return dp.total, true
}

// Devices returns the configured device IDs, used to enumerate per-device
// gauges without the caller needing to know the arena layout in advance.
func (p *Pool) Devices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.devices))
	for dev := range p.devices {
		out = append(out, dev)
	}
	return out
}

func (p *Pool) swapCurrentDevice(device int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.current
	p.current = device
	return prev
}

func (p *Pool) restoreCurrentDevice(prev int) {
	p.mu.Lock()
	p.current = prev
	p.mu.Unlock()
}

func insertSorted(free []block, b block) []block {
	i := 0
	for i < len(free) && free[i].offset < b.offset {
		i++
	}
	free = append(free, block{})
	copy(free[i+1:], free[i:])
	free[i] = b
	return free
}

func coalesce(free []block) []block {
	if len(free) < 2 {
		return free
	}
	out := free[:1]
	for _, b := range free[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == b.offset {
			last.size += b.size
			continue
		}
		out = append(out, b)
	}
	return out
}
