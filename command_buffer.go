package graphexec

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/graphexec/graphcore"
)

// Mode distinguishes primary command buffers, which own an executable,
// from nested ones, which record into a graph owned by their parent.
type Mode uint8

const (
	// ModePrimary buffers are finalized into an executable and submitted
	// to streams.
	ModePrimary Mode = iota
	// ModeNested buffers record branch bodies and sub-graphs; they are
	// spliced into a primary buffer and never own an executable.
	ModeNested
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeNested {
		return "nested"
	}
	return "primary"
}

// State is the lifecycle state of a command buffer.
type State uint8

const (
	// StateCreated allows recording; no executable exists yet.
	StateCreated State = iota
	// StateFinalized has an instantiated executable; recording calls are
	// rejected.
	StateFinalized
	// StateUpdating reinterprets recording calls as positional patches
	// against previously recorded nodes.
	StateUpdating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFinalized:
		return "finalized"
	case StateUpdating:
		return "updating"
	}
	return "unknown"
}

// aliveExecs counts instantiated executables process-wide. Each one holds
// device memory proportional to its node count, so keeping too many alive
// risks device OOM; the counter is a diagnostic, not an enforced limit.
var aliveExecs atomic.Int64

// AliveExecs returns the number of executables currently alive in the
// process.
func AliveExecs() int64 { return aliveExecs.Load() }

// CommandBuffer records device operations into an execution graph. See the
// package documentation for the lifecycle.
//
// A CommandBuffer is not safe for concurrent use.
type CommandBuffer struct {
	executor *Executor
	mode     Mode
	state    State

	graph     graphcore.GraphHandle
	ownsGraph bool

	execHandle graphcore.ExecHandle
	ownsExec   bool

	scopes map[ExecutionScopeID]*executionScope

	// Number of completed update passes, for diagnostics.
	numUpdates int64

	closed bool
}

func newCommandBuffer(e *Executor, mode Mode, graph graphcore.GraphHandle, ownsGraph bool) *CommandBuffer {
	return &CommandBuffer{
		executor:  e,
		mode:      mode,
		graph:     graph,
		ownsGraph: ownsGraph,
		scopes:    make(map[ExecutionScopeID]*executionScope),
	}
}

// Mode returns whether the buffer is primary or nested.
func (cb *CommandBuffer) Mode() Mode { return cb.mode }

// State returns the current lifecycle state.
func (cb *CommandBuffer) State() State { return cb.state }

// Graph returns the handle of the underlying graph.
func (cb *CommandBuffer) Graph() graphcore.GraphHandle { return cb.graph }

// Executable returns the handle of the instantiated executable, valid only
// once a primary buffer is finalized.
func (cb *CommandBuffer) Executable() graphcore.ExecHandle { return cb.execHandle }

// NumUpdates returns the number of update passes begun on this buffer.
func (cb *CommandBuffer) NumUpdates() int64 { return cb.numUpdates }

// Nodes returns the nodes recorded into a scope, in recording order. The
// returned slice is owned by the buffer; callers must not modify it.
func (cb *CommandBuffer) Nodes(id ExecutionScopeID) []GraphNode {
	if s, ok := cb.scopes[id]; ok {
		return s.nodes
	}
	return nil
}

// Barriers returns the barriers recorded into a scope, in recording order.
// The returned slice is owned by the buffer; callers must not modify it.
func (cb *CommandBuffer) Barriers(id ExecutionScopeID) []GraphBarrier {
	if s, ok := cb.scopes[id]; ok {
		return s.barriers
	}
	return nil
}

// scope returns the recording state for id, creating it on first use.
func (cb *CommandBuffer) scope(id ExecutionScopeID) *executionScope {
	s, ok := cb.scopes[id]
	if !ok {
		s = &executionScope{}
		cb.scopes[id] = s
	}
	return s
}

// barrierDeps returns the dependency set for a new node: the latest
// barrier of the scope, or nothing if the scope has no barrier yet.
func (cb *CommandBuffer) barrierDeps(s *executionScope) []graphcore.NodeHandle {
	if b := s.lastBarrier(); b != nil {
		return []graphcore.NodeHandle{b.Handle}
	}
	return nil
}

// recordNode implements the create/update duality shared by every node
// operation. In the Created state it creates a node depending on the
// scope's latest barrier; in the Updating state it patches the node at the
// cursor after validating the operation kind.
func (cb *CommandBuffer) recordNode(
	id ExecutionScopeID,
	kind NodeKind,
	create func(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error),
	update func(node graphcore.NodeHandle) error,
) error {
	s := cb.scope(id)

	switch cb.state {
	case StateCreated:
		h, err := create(cb.barrierDeps(s))
		if err != nil {
			return err
		}
		s.nodes = append(s.nodes, GraphNode{Handle: h, Kind: kind})
		return nil

	case StateUpdating:
		if s.update.nodeIdx >= len(s.nodes) {
			return fmt.Errorf("%w: scope %d recorded %d nodes", ErrStructuralMismatch, id, len(s.nodes))
		}
		n := s.nodes[s.update.nodeIdx]
		if n.Kind != kind {
			return fmt.Errorf("%w: node %d is %s, update is %s",
				ErrKindMismatch, s.update.nodeIdx, n.Kind, kind)
		}
		if err := update(n.Handle); err != nil {
			return err
		}
		s.update.nodeIdx++
		return nil
	}
	return ErrNotRecording
}

// Launch records a kernel launch with generically packed arguments. The
// arguments are validated against the accepted argument types; for small
// fixed signatures LaunchInline skips that work. Both paths converge on
// the same launch node.
func (cb *CommandBuffer) Launch(id ExecutionScopeID, threads graphcore.ThreadDim, blocks graphcore.BlockDim, kernel *Kernel, args []graphcore.KernelArg) error {
	packed, err := graphcore.PackArgs(args...)
	if err != nil {
		return err
	}
	return cb.launchWithPackedArgs(id, threads, blocks, kernel, packed)
}

// LaunchInline records a kernel launch with inline-packed arguments, the
// fast path for small fixed signatures. Arguments are not validated; they
// must be of the types PackArgs accepts.
func (cb *CommandBuffer) LaunchInline(id ExecutionScopeID, threads graphcore.ThreadDim, blocks graphcore.BlockDim, kernel *Kernel, args ...graphcore.KernelArg) error {
	return cb.launchWithPackedArgs(id, threads, blocks, kernel, graphcore.PackedArgs(args...))
}

func (cb *CommandBuffer) launchWithPackedArgs(id ExecutionScopeID, threads graphcore.ThreadDim, blocks graphcore.BlockDim, kernel *Kernel, args graphcore.KernelArgs) error {
	p := graphcore.KernelNodeParams{
		Threads: threads,
		Blocks:  blocks,
		Kernel:  kernel.Handle(),
		Args:    args,
	}
	drv := cb.executor.driver
	return cb.recordNode(id, KindKernel,
		func(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
			return drv.CreateKernelNode(cb.graph, deps, p)
		},
		func(node graphcore.NodeHandle) error {
			return drv.UpdateKernelNode(cb.execHandle, node, p)
		})
}

// Memset records a fill of numElements pattern-sized elements at dst.
func (cb *CommandBuffer) Memset(id ExecutionScopeID, dst graphcore.DeviceMemory, pattern graphcore.BitPattern, numElements uint64) error {
	p := graphcore.MemsetNodeParams{Dst: dst, Pattern: pattern, NumElements: numElements}
	drv := cb.executor.driver
	return cb.recordNode(id, KindMemset,
		func(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
			return drv.CreateMemsetNode(cb.graph, deps, p)
		},
		func(node graphcore.NodeHandle) error {
			return drv.UpdateMemsetNode(cb.execHandle, node, p)
		})
}

// MemcpyD2D records a device-to-device copy of size bytes from src to dst.
func (cb *CommandBuffer) MemcpyD2D(id ExecutionScopeID, dst, src graphcore.DeviceMemory, size uint64) error {
	p := graphcore.MemcpyNodeParams{Dst: dst, Src: src, Size: size}
	drv := cb.executor.driver
	return cb.recordNode(id, KindMemcpy,
		func(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
			return drv.CreateMemcpyNode(cb.graph, deps, p)
		},
		func(node graphcore.NodeHandle) error {
			return drv.UpdateMemcpyNode(cb.execHandle, node, p)
		})
}

// AddNestedCommandBuffer records the nested buffer's graph as a child node
// executed in place. The nested buffer must outlive this one.
func (cb *CommandBuffer) AddNestedCommandBuffer(id ExecutionScopeID, nested *CommandBuffer) error {
	drv := cb.executor.driver
	child := nested.graph
	return cb.recordNode(id, KindChild,
		func(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
			return drv.CreateChildNode(cb.graph, deps, child)
		},
		func(node graphcore.NodeHandle) error {
			return drv.UpdateChildNode(cb.execHandle, node, child)
		})
}

// createBarrierNode creates a dedicated empty node acting as a barrier.
func (cb *CommandBuffer) createBarrierNode(deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
	return cb.executor.driver.CreateEmptyNode(cb.graph, deps)
}

// Barrier records a synchronization point in one scope: every node
// recorded after it depends on every node recorded before it. To keep the
// graph small, a barrier directly following another barrier is coalesced
// into it, and a single pending node is reused as the barrier instead of
// creating a dedicated empty node.
func (cb *CommandBuffer) Barrier(id ExecutionScopeID) error {
	s := cb.scope(id)

	switch cb.state {
	case StateCreated:
		offset := len(s.nodes)
		deps := s.frontier()

		if len(deps) == 0 {
			// Nothing new to order. An existing barrier already covers the
			// scope; otherwise create an explicit ordering point.
			if len(s.barriers) > 0 {
				return nil
			}
			h, err := cb.createBarrierNode(nil)
			if err != nil {
				return err
			}
			s.barriers = append(s.barriers, GraphBarrier{Handle: h, BarrierNode: true, NodesOffset: offset})
			return nil
		}

		if len(deps) == 1 {
			// Reuse the only pending node as the barrier.
			s.barriers = append(s.barriers, GraphBarrier{Handle: deps[0], NodesOffset: offset})
			return nil
		}

		h, err := cb.createBarrierNode(deps)
		if err != nil {
			return err
		}
		s.barriers = append(s.barriers, GraphBarrier{Handle: h, BarrierNode: true, NodesOffset: offset})
		return nil

	case StateUpdating:
		// Barriers carry no updatable parameters; replaying the recording
		// sequence only moves the cursor. A record exists at the cursor iff
		// the original call was not coalesced, which is recognizable by the
		// matching node offset.
		i := s.update.barrierIdx
		if i < len(s.barriers) && s.barriers[i].NodesOffset == s.update.nodeIdx {
			s.update.barrierIdx++
			return nil
		}
		if i > 0 && s.barriers[i-1].NodesOffset == s.update.nodeIdx {
			// Coalesced at recording time; a no-op here too.
			return nil
		}
		return fmt.Errorf("%w: scope %d recorded %d barriers", ErrStructuralMismatch, id, len(s.barriers))
	}
	return ErrNotRecording
}

// BarrierAll records a joint synchronization point across several scopes:
// after it, the next node in each named scope depends on everything
// previously recorded in all of them.
func (cb *CommandBuffer) BarrierAll(ids ...ExecutionScopeID) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) == 1 {
		return cb.Barrier(ids[0])
	}

	switch cb.state {
	case StateCreated:
		deps := make([]graphcore.NodeHandle, 0, len(ids))
		for _, id := range ids {
			if err := cb.Barrier(id); err != nil {
				return err
			}
			deps = append(deps, cb.scope(id).lastBarrier().Handle)
		}
		h, err := cb.createBarrierNode(deps)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s := cb.scope(id)
			s.barriers = append(s.barriers, GraphBarrier{Handle: h, BarrierNode: true, NodesOffset: len(s.nodes)})
		}
		return nil

	case StateUpdating:
		for _, id := range ids {
			if err := cb.Barrier(id); err != nil {
				return err
			}
		}
		// The joint barrier recorded one extra entry per scope.
		for _, id := range ids {
			if err := cb.Barrier(id); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrNotRecording
}

// BarrierFromTo records a one-directional synchronization point: the next
// node in the to scope additionally waits for everything recorded in the
// from scope, without ordering from behind to.
func (cb *CommandBuffer) BarrierFromTo(from, to ExecutionScopeID) error {
	switch cb.state {
	case StateCreated:
		if err := cb.Barrier(from); err != nil {
			return err
		}
		ts := cb.scope(to)
		offset := len(ts.nodes)
		deps := ts.frontier()
		deps = append(deps, cb.scope(from).lastBarrier().Handle)
		h, err := cb.createBarrierNode(deps)
		if err != nil {
			return err
		}
		ts.barriers = append(ts.barriers, GraphBarrier{Handle: h, BarrierNode: true, NodesOffset: offset})
		return nil

	case StateUpdating:
		if err := cb.Barrier(from); err != nil {
			return err
		}
		return cb.Barrier(to)
	}
	return ErrNotRecording
}

// Finalize instantiates an executable from the recorded graph and
// transitions to Finalized; recording calls are rejected afterwards.
// Dedicated barrier nodes, including those inside conditional body
// buffers, are disabled on the executable since they only exist to carry
// dependencies.
//
// Called at the end of an update pass, Finalize closes the pass and
// returns the buffer to Finalized without re-instantiating.
func (cb *CommandBuffer) Finalize() error {
	switch cb.state {
	case StateCreated:
		if cb.mode == ModePrimary {
			exec, err := cb.executor.driver.Instantiate(cb.graph)
			if err != nil {
				return fmt.Errorf("instantiate graph: %w", err)
			}
			if err := cb.disableBarriers(exec); err != nil {
				// Keep the alive counter consistent: the executable never
				// became visible, so destroy it before reporting.
				if derr := cb.executor.driver.DestroyExec(exec); derr != nil {
					Logger().Warn("destroy of partially finalized executable failed", "err", derr)
				}
				return err
			}
			cb.execHandle = exec
			cb.ownsExec = true
			alive := aliveExecs.Add(1)
			Logger().Info("command buffer finalized", "alive_execs", alive)
		}
		cb.state = StateFinalized
		return nil

	case StateUpdating:
		cb.state = StateFinalized
		return nil
	}
	return fmt.Errorf("%w: Finalize in state %s", ErrNotRecording, cb.state)
}

// disableBarriers walks all scopes, including conditional body buffers,
// disabling dedicated barrier nodes on the executable.
func (cb *CommandBuffer) disableBarriers(exec graphcore.ExecHandle) error {
	drv := cb.executor.driver
	for _, s := range cb.scopes {
		for _, b := range s.barriers {
			if !b.BarrierNode {
				continue
			}
			if err := drv.SetNodeEnabled(exec, b.Handle, false); err != nil {
				return fmt.Errorf("disable barrier node: %w", err)
			}
		}
		for _, cond := range s.conditionals {
			for _, nested := range cond.buffers {
				if err := nested.disableBarriers(exec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Update begins an update pass: the buffer returns to a recording-like
// state in which the same sequence of operations patches the recorded
// nodes' parameters in place. The pass is closed with Finalize. Issuing
// more operations than were recorded, or an operation of a different kind
// at a given position, fails.
func (cb *CommandBuffer) Update() error {
	if cb.state != StateFinalized {
		return fmt.Errorf("%w: Update in state %s", ErrNotFinalized, cb.state)
	}
	if !cb.execHandle.IsValid() {
		return fmt.Errorf("%w: no executable to update against", ErrNotFinalized)
	}
	cb.state = StateUpdating
	cb.numUpdates++
	for _, s := range cb.scopes {
		s.update = updateState{}
	}
	Logger().Info("command buffer update pass", "num_updates", cb.numUpdates)
	return nil
}

// withExec temporarily makes the buffer patch against exec, restoring the
// previous executable on every exit path. Used to update nested
// conditional buffers, which have no executable of their own, against the
// primary buffer's executable.
func (cb *CommandBuffer) withExec(exec graphcore.ExecHandle, fn func() error) error {
	restore, restoreOwned := cb.execHandle, cb.ownsExec
	cb.execHandle, cb.ownsExec = exec, false
	defer func() {
		cb.execHandle, cb.ownsExec = restore, restoreOwned
	}()
	return fn()
}

// Submit enqueues one execution of the finalized buffer on the stream and
// returns without waiting. A buffer may be submitted any number of times,
// to the same or different streams.
func (cb *CommandBuffer) Submit(stream *Stream) error {
	if cb.mode != ModePrimary {
		return fmt.Errorf("%w: Submit on a nested buffer", ErrNestedOnly)
	}
	if cb.state != StateFinalized {
		return fmt.Errorf("%w: Submit in state %s", ErrNotFinalized, cb.state)
	}
	return cb.executor.driver.Launch(cb.execHandle, stream.handle)
}

// Close releases the executable and graph the buffer owns, including every
// conditional body buffer. Safe to call more than once.
func (cb *CommandBuffer) Close() error {
	if cb.closed {
		return nil
	}
	cb.closed = true

	drv := cb.executor.driver
	for _, s := range cb.scopes {
		for _, cond := range s.conditionals {
			for _, nested := range cond.buffers {
				_ = nested.Close()
			}
		}
	}
	if cb.ownsExec && cb.execHandle.IsValid() {
		if err := drv.DestroyExec(cb.execHandle); err != nil {
			Logger().Warn("executable release failed", "err", err)
		} else {
			aliveExecs.Add(-1)
		}
		cb.execHandle = graphcore.ExecHandle{}
	}
	if cb.ownsGraph && cb.graph.IsValid() {
		if err := cb.executor.driver.DestroyGraph(cb.graph); err != nil {
			Logger().Warn("graph release failed", "err", err)
		}
		cb.graph = graphcore.GraphHandle{}
	}
	return nil
}
