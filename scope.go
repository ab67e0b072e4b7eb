package graphexec

import "github.com/gogpu/graphexec/graphcore"

// ExecutionScopeID names one independently-ordered recording lane inside a
// command buffer. Scopes are created lazily on first reference and live as
// long as the buffer. Operations in different scopes form independent
// dependency chains in the underlying graph, so the device may run them
// concurrently.
type ExecutionScopeID int64

// DefaultExecutionScope is the scope used by operations that do not name
// one.
const DefaultExecutionScope ExecutionScopeID = 0

// NodeKind identifies which operation created a graph node. A node can
// only be updated through the operation kind that created it.
type NodeKind uint8

const (
	// KindKernel marks a kernel launch node.
	KindKernel NodeKind = iota + 1
	// KindMemset marks a memory fill node.
	KindMemset
	// KindMemcpy marks a device-to-device copy node.
	KindMemcpy
	// KindChild marks a nested sub-graph node.
	KindChild
	// KindConditional marks a conditional node created by a control-flow
	// operator. Conditional nodes are not updated directly; their body
	// buffers are.
	KindConditional
)

// String returns the node kind name.
func (k NodeKind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindMemset:
		return "memset"
	case KindMemcpy:
		return "memcpy"
	case KindChild:
		return "child"
	case KindConditional:
		return "conditional"
	}
	return "unknown"
}

// GraphNode is the record of one created node: the driver handle plus the
// operation kind, kept to validate update calls against the creation kind.
type GraphNode struct {
	Handle graphcore.NodeHandle
	Kind   NodeKind
}

// GraphBarrier is the record of one synchronization point. Handle is
// either a node reused as a barrier or a dedicated empty node created to
// be one; BarrierNode distinguishes the two. Nodes with index below
// NodesOffset are already covered by this barrier, so only nodes recorded
// after it become dependencies of the next barrier.
type GraphBarrier struct {
	Handle      graphcore.NodeHandle
	BarrierNode bool
	NodesOffset int
}

// conditionalBuffers records, for one control-flow construct, the
// per-branch condition handles and the nested command buffers recording
// each branch body. Both slices always have the same length, and that
// length never changes across update passes.
type conditionalBuffers struct {
	handles []graphcore.ConditionalHandle
	buffers []*CommandBuffer
}

// updateState tracks cursor positions during an update pass. Each index
// points at the next record to patch and only moves forward within one
// pass.
type updateState struct {
	nodeIdx        int
	barrierIdx     int
	conditionalIdx int
}

// executionScope holds the recording state of one scope: created nodes,
// barriers, conditional constructs and the update cursor.
type executionScope struct {
	nodes        []GraphNode
	barriers     []GraphBarrier
	conditionals []conditionalBuffers
	update       updateState
}

// lastBarrier returns the most recent barrier, or nil.
func (s *executionScope) lastBarrier() *GraphBarrier {
	if len(s.barriers) == 0 {
		return nil
	}
	return &s.barriers[len(s.barriers)-1]
}

// frontier returns the handles of nodes recorded after the last barrier,
// the dependency set a new barrier must wait on.
func (s *executionScope) frontier() []graphcore.NodeHandle {
	offset := 0
	if b := s.lastBarrier(); b != nil {
		offset = b.NodesOffset
	}
	if offset >= len(s.nodes) {
		return nil
	}
	deps := make([]graphcore.NodeHandle, 0, len(s.nodes)-offset)
	for _, n := range s.nodes[offset:] {
		deps = append(deps, n.Handle)
	}
	return deps
}
