package graphcore

import "errors"

// Common driver errors.
var (
	// ErrInvalidHandle is returned when a handle does not identify a live
	// resource (stale generation, foreign driver, or zero value).
	ErrInvalidHandle = errors.New("graphcore: invalid handle")

	// ErrWrongNodeKind is returned by node update calls addressing a node
	// created by a different node factory.
	ErrWrongNodeKind = errors.New("graphcore: node created by a different operation")

	// ErrConditionalsUnsupported is returned by drivers whose substrate has
	// no device-side conditional node primitive.
	ErrConditionalsUnsupported = errors.New("graphcore: conditional nodes not supported")

	// ErrOutOfMemory is returned when the device refuses an allocation or
	// an instantiation for lack of memory.
	ErrOutOfMemory = errors.New("graphcore: out of device memory")

	// ErrUnknownKernel is returned by LoadKernel for names the driver has
	// no implementation of.
	ErrUnknownKernel = errors.New("graphcore: unknown kernel")
)

// ConditionType selects the evaluation discipline of a conditional node.
type ConditionType uint8

const (
	// ConditionIf runs the body graph once when the handle is nonzero at
	// the time the node is reached.
	ConditionIf ConditionType = iota

	// ConditionWhile re-checks the handle before every body execution and
	// keeps running the body until the handle reads zero. The body is
	// responsible for refreshing the handle.
	ConditionWhile
)

// String returns the condition type name.
func (t ConditionType) String() string {
	switch t {
	case ConditionIf:
		return "if"
	case ConditionWhile:
		return "while"
	}
	return "unknown"
}

// KernelNodeParams are the creation and update parameters of a kernel
// launch node.
type KernelNodeParams struct {
	Threads ThreadDim
	Blocks  BlockDim
	Kernel  KernelHandle
	Args    KernelArgs
}

// MemsetNodeParams are the creation and update parameters of a memset node.
type MemsetNodeParams struct {
	Dst         DeviceMemory
	Pattern     BitPattern
	NumElements uint64
}

// MemcpyNodeParams are the creation and update parameters of a
// device-to-device copy node.
type MemcpyNodeParams struct {
	Dst  DeviceMemory
	Src  DeviceMemory
	Size uint64
}

// ConditionalNode is the result of attaching a conditional node to a graph:
// the node itself plus the driver-owned body graph executed when the
// condition holds. The body graph is owned by the parent graph and is
// destroyed with it.
type ConditionalNode struct {
	Node NodeHandle
	Body GraphHandle
}

// Driver is the capability interface of one vendor graph substrate. One
// concrete driver exists per substrate and is selected once at executor
// construction. Implementations must be safe for concurrent use; callers
// serialize per-graph mutation themselves.
//
// Node update calls take the executable the node was instantiated into and
// must fail with ErrWrongNodeKind when the handle was created by a
// different node factory.
type Driver interface {
	// Name returns the driver identifier (e.g. "sim", "wgpu").
	Name() string

	// Close releases the device and every resource the driver still owns.
	Close() error

	// Allocate reserves size bytes of device memory.
	Allocate(size uint64) (DeviceMemory, error)
	// Deallocate releases a region returned by Allocate.
	Deallocate(mem DeviceMemory) error
	// MemcpyH2D copies host bytes into device memory.
	MemcpyH2D(dst DeviceMemory, src []byte) error
	// MemcpyD2H copies device memory into host bytes.
	MemcpyD2H(dst []byte, src DeviceMemory) error

	// LoadKernel resolves a kernel by name. Loading is idempotent;
	// repeated loads of one name may return the same handle.
	LoadKernel(name string) (KernelHandle, error)

	// CreateGraph creates an empty mutable graph.
	CreateGraph() (GraphHandle, error)
	// DestroyGraph destroys a graph, its nodes and its conditional body
	// graphs. Executables instantiated from it are unaffected.
	DestroyGraph(graph GraphHandle) error
	// Instantiate snapshots a graph into an immutable executable.
	Instantiate(graph GraphHandle) (ExecHandle, error)
	// DestroyExec destroys an executable.
	DestroyExec(exec ExecHandle) error

	// CreateStream creates an asynchronous submission stream.
	CreateStream() (StreamHandle, error)
	// DestroyStream releases a stream. Pending work is drained first.
	DestroyStream(stream StreamHandle) error
	// Launch enqueues one execution of exec on the stream and returns
	// without waiting for completion.
	Launch(exec ExecHandle, stream StreamHandle) error
	// SynchronizeStream blocks until all work enqueued on the stream has
	// completed, returning the first execution error if any.
	SynchronizeStream(stream StreamHandle) error

	// CreateEmptyNode adds a node with no payload, used as a barrier.
	CreateEmptyNode(graph GraphHandle, deps []NodeHandle) (NodeHandle, error)

	// CreateKernelNode adds a kernel launch node.
	CreateKernelNode(graph GraphHandle, deps []NodeHandle, p KernelNodeParams) (NodeHandle, error)
	// UpdateKernelNode patches a kernel launch node inside an executable.
	UpdateKernelNode(exec ExecHandle, node NodeHandle, p KernelNodeParams) error

	// CreateMemsetNode adds a fill node.
	CreateMemsetNode(graph GraphHandle, deps []NodeHandle, p MemsetNodeParams) (NodeHandle, error)
	// UpdateMemsetNode patches a fill node inside an executable.
	UpdateMemsetNode(exec ExecHandle, node NodeHandle, p MemsetNodeParams) error

	// CreateMemcpyNode adds a device-to-device copy node.
	CreateMemcpyNode(graph GraphHandle, deps []NodeHandle, p MemcpyNodeParams) (NodeHandle, error)
	// UpdateMemcpyNode patches a copy node inside an executable.
	UpdateMemcpyNode(exec ExecHandle, node NodeHandle, p MemcpyNodeParams) error

	// CreateChildNode adds a node that executes another graph in place.
	CreateChildNode(graph GraphHandle, deps []NodeHandle, child GraphHandle) (NodeHandle, error)
	// UpdateChildNode re-associates a child node with another graph.
	UpdateChildNode(exec ExecHandle, node NodeHandle, child GraphHandle) error

	// CreateConditionalHandle allocates condition state scoped to a graph.
	CreateConditionalHandle(graph GraphHandle) (ConditionalHandle, error)
	// CreateConditionalNode adds a conditional node gated by handle and
	// returns the node plus its body graph.
	CreateConditionalNode(graph GraphHandle, deps []NodeHandle, typ ConditionType, handle ConditionalHandle) (ConditionalNode, error)

	// SetNodeEnabled toggles a node inside an executable. Disabled nodes
	// act as no-ops that still satisfy their dependencies. The node may
	// live in a conditional body graph of the executable.
	SetNodeEnabled(exec ExecHandle, node NodeHandle, enabled bool) error

	// NodeCount returns the number of nodes in a graph, not counting
	// conditional body graphs. Used by diagnostics and tests.
	NodeCount(graph GraphHandle) (int, error)
}
