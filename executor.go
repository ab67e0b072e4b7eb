package graphexec

import (
	"fmt"

	"github.com/gogpu/graphexec/cache"
	"github.com/gogpu/graphexec/graphcore"
)

// Executor owns one vendor graph driver and hands out command buffers and
// streams backed by it. Kernels loaded through the executor are cached for
// the executor's lifetime.
//
// An Executor is safe for concurrent use; individual command buffers are
// not.
type Executor struct {
	driver  graphcore.Driver
	kernels *cache.Sharded[string, *Kernel]
	closed  bool
}

// NewExecutor wraps an already-constructed driver. Most callers use Open
// with a registered driver name instead.
func NewExecutor(driver graphcore.Driver) *Executor {
	return &Executor{
		driver:  driver,
		kernels: cache.NewSharded[string, *Kernel](0, cache.StringHasher),
	}
}

// Open creates an executor for a registered driver name.
//
//	import _ "github.com/gogpu/graphexec/backend/sim"
//
//	exec, err := graphexec.Open("sim")
func Open(name string) (*Executor, error) {
	drv, err := graphcore.Open(name)
	if err != nil {
		return nil, err
	}
	return NewExecutor(drv), nil
}

// Driver returns the underlying vendor driver.
func (e *Executor) Driver() graphcore.Driver { return e.driver }

// Close releases the driver and every resource it owns. Command buffers
// and streams created from the executor must not be used afterwards.
func (e *Executor) Close() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	return e.driver.Close()
}

// LoadKernel resolves a kernel by name through the driver, caching the
// result.
func (e *Executor) LoadKernel(name string) (*Kernel, error) {
	return e.kernels.GetOrCreate(name, func() (*Kernel, error) {
		h, err := e.driver.LoadKernel(name)
		if err != nil {
			return nil, fmt.Errorf("load kernel %q: %w", name, err)
		}
		Logger().Debug("kernel loaded", "kernel", name, "driver", e.driver.Name())
		return &Kernel{name: name, handle: h}, nil
	})
}

// Allocate reserves device memory.
func (e *Executor) Allocate(size uint64) (graphcore.DeviceMemory, error) {
	return e.driver.Allocate(size)
}

// Deallocate releases device memory returned by Allocate.
func (e *Executor) Deallocate(mem graphcore.DeviceMemory) error {
	return e.driver.Deallocate(mem)
}

// MemcpyH2D copies host bytes into device memory synchronously.
func (e *Executor) MemcpyH2D(dst graphcore.DeviceMemory, src []byte) error {
	return e.driver.MemcpyH2D(dst, src)
}

// MemcpyD2H copies device memory into host bytes synchronously.
func (e *Executor) MemcpyD2H(dst []byte, src graphcore.DeviceMemory) error {
	return e.driver.MemcpyD2H(dst, src)
}

// NewCommandBuffer creates a primary command buffer in the Created state,
// owning a fresh graph.
func (e *Executor) NewCommandBuffer() (*CommandBuffer, error) {
	graph, err := e.driver.CreateGraph()
	if err != nil {
		return nil, fmt.Errorf("create graph: %w", err)
	}
	return newCommandBuffer(e, ModePrimary, graph, true), nil
}

// NewNestedCommandBuffer creates a nested command buffer owning a fresh
// graph. Nested buffers are recorded and finalized like primary ones but
// never instantiate an executable; they are spliced into a primary buffer
// with AddNestedCommandBuffer and must outlive it.
func (e *Executor) NewNestedCommandBuffer() (*CommandBuffer, error) {
	graph, err := e.driver.CreateGraph()
	if err != nil {
		return nil, fmt.Errorf("create graph: %w", err)
	}
	return newCommandBuffer(e, ModeNested, graph, true), nil
}

// newNestedCommandBuffer wraps a driver-owned graph (a conditional body
// graph or a sub-graph) in a nested command buffer. Nested buffers never
// own an executable.
func (e *Executor) newNestedCommandBuffer(graph graphcore.GraphHandle) *CommandBuffer {
	return newCommandBuffer(e, ModeNested, graph, false)
}

// NewStream creates an asynchronous submission stream.
func (e *Executor) NewStream() (*Stream, error) {
	h, err := e.driver.CreateStream()
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return &Stream{exec: e, handle: h}, nil
}
