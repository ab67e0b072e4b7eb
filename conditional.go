package graphexec

import (
	"fmt"

	"github.com/gogpu/graphexec/graphcore"
)

// Builder records the body of a branch or loop into a nested command
// buffer.
type Builder func(cb *CommandBuffer) error

// ExecutionScopeBuilder records into a named scope of an existing buffer.
// Used by While for the condition evaluation, which runs both in the
// parent buffer (before the first check) and inside the loop body.
type ExecutionScopeBuilder func(id ExecutionScopeID, cb *CommandBuffer) error

// setConditionFn launches a condition-setter kernel that writes the given
// handles from device state.
type setConditionFn func(id ExecutionScopeID, handles []graphcore.ConditionalHandle) error

// conditionBuilder extends Builder with the conditional handle gating the
// branch, for bodies that must refresh their own condition (loops).
type conditionBuilder func(cb *CommandBuffer, handle graphcore.ConditionalHandle) error

// toConditionBuilder wraps a plain Builder into a conditionBuilder.
func toConditionBuilder(b Builder) conditionBuilder {
	return func(cb *CommandBuffer, _ graphcore.ConditionalHandle) error {
		return b(cb)
	}
}

// If records a conditional construct: thenBuilder's body executes when the
// byte at pred reads nonzero at graph execution time.
func (cb *CommandBuffer) If(id ExecutionScopeID, pred graphcore.DeviceMemory, thenBuilder Builder) error {
	k, err := cb.executor.setIfConditionKernel()
	if err != nil {
		return err
	}
	setCond := func(sid ExecutionScopeID, handles []graphcore.ConditionalHandle) error {
		return cb.LaunchInline(sid, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handles[0], pred)
	}
	return cb.createConditionalCommand(id, graphcore.ConditionIf, setCond,
		[]conditionBuilder{toConditionBuilder(thenBuilder)})
}

// IfElse records a two-way conditional: thenBuilder's body executes when
// pred reads nonzero, elseBuilder's when it reads zero. The two handles
// are complements written by one predicate read.
func (cb *CommandBuffer) IfElse(id ExecutionScopeID, pred graphcore.DeviceMemory, thenBuilder, elseBuilder Builder) error {
	k, err := cb.executor.setIfElseConditionKernel()
	if err != nil {
		return err
	}
	setCond := func(sid ExecutionScopeID, handles []graphcore.ConditionalHandle) error {
		return cb.LaunchInline(sid, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handles[0], handles[1], pred)
	}
	return cb.createConditionalCommand(id, graphcore.ConditionIf, setCond,
		[]conditionBuilder{toConditionBuilder(thenBuilder), toConditionBuilder(elseBuilder)})
}

// Case records an n-way conditional over an int32 device value: branch k
// executes when index reads k. An out-of-range index (negative or beyond
// the branch count) routes to the last branch; exactly one branch always
// executes. At most MaxCaseBranches branches are supported, the fixed
// arity of the setter kernel.
func (cb *CommandBuffer) Case(id ExecutionScopeID, index graphcore.DeviceMemory, branches []Builder) error {
	if len(branches) == 0 {
		return ErrNoBranches
	}
	if len(branches) > graphcore.MaxCaseBranches {
		return fmt.Errorf("%w: %d branches, maximum %d", ErrTooManyBranches, len(branches), graphcore.MaxCaseBranches)
	}
	k, err := cb.executor.setCaseConditionKernel()
	if err != nil {
		return err
	}
	setCond := func(sid ExecutionScopeID, handles []graphcore.ConditionalHandle) error {
		// Fixed kernel arity: pad unused handle slots.
		args := make([]graphcore.KernelArg, 0, graphcore.MaxCaseBranches+2)
		for i := 0; i < graphcore.MaxCaseBranches; i++ {
			if i < len(handles) {
				args = append(args, handles[i])
			} else {
				args = append(args, graphcore.ConditionalHandle{})
			}
		}
		args = append(args, index, int32(len(handles)))
		return cb.LaunchInline(sid, graphcore.SingleThread(), graphcore.SingleBlock(), k, args...)
	}
	builders := make([]conditionBuilder, len(branches))
	for i, b := range branches {
		builders[i] = toConditionBuilder(b)
	}
	return cb.createConditionalCommand(id, graphcore.ConditionIf, setCond, builders)
}

// For records a counted loop: bodyBuilder's body executes numIterations
// times. The loop counter is device memory holding an int32; it is zeroed
// before the loop and advanced by the condition-setter kernel, so the
// entire loop is graph-resident. After the loop the counter reads
// numIterations+1 (the setter checks before incrementing).
func (cb *CommandBuffer) For(id ExecutionScopeID, numIterations int32, loopCounter graphcore.DeviceMemory, bodyBuilder Builder) error {
	k, err := cb.executor.setForConditionKernel()
	if err != nil {
		return err
	}
	if err := cb.Memset(id, loopCounter, graphcore.BitPattern32(0), 1); err != nil {
		return err
	}
	if err := cb.Barrier(id); err != nil {
		return err
	}

	setCond := func(sid ExecutionScopeID, handles []graphcore.ConditionalHandle) error {
		return cb.LaunchInline(sid, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handles[0], loopCounter, numIterations)
	}
	body := func(nested *CommandBuffer, handle graphcore.ConditionalHandle) error {
		if err := bodyBuilder(nested); err != nil {
			return err
		}
		if err := nested.Barrier(DefaultExecutionScope); err != nil {
			return err
		}
		// Re-evaluate the loop condition at the end of each iteration.
		return nested.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handle, loopCounter, numIterations)
	}
	return cb.createConditionalCommand(id, graphcore.ConditionWhile, setCond, []conditionBuilder{body})
}

// While records a condition-driven loop. condBuilder records the
// evaluation of the predicate into pred; it runs unconditionally before
// the first check and again at the end of every body execution, so the
// loop re-evaluates without host intervention. bodyBuilder records the
// loop body, which executes while pred reads nonzero.
func (cb *CommandBuffer) While(id ExecutionScopeID, pred graphcore.DeviceMemory, condBuilder ExecutionScopeBuilder, bodyBuilder Builder) error {
	k, err := cb.executor.setWhileConditionKernel()
	if err != nil {
		return err
	}
	// Initial condition evaluation, recorded into the parent scope.
	if err := condBuilder(id, cb); err != nil {
		return err
	}
	if err := cb.Barrier(id); err != nil {
		return err
	}

	setCond := func(sid ExecutionScopeID, handles []graphcore.ConditionalHandle) error {
		return cb.LaunchInline(sid, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handles[0], pred)
	}
	body := func(nested *CommandBuffer, handle graphcore.ConditionalHandle) error {
		if err := bodyBuilder(nested); err != nil {
			return err
		}
		if err := nested.Barrier(DefaultExecutionScope); err != nil {
			return err
		}
		if err := condBuilder(DefaultExecutionScope, nested); err != nil {
			return err
		}
		if err := nested.Barrier(DefaultExecutionScope); err != nil {
			return err
		}
		return nested.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k,
			handle, pred)
	}
	return cb.createConditionalCommand(id, graphcore.ConditionWhile, setCond, []conditionBuilder{body})
}

// createConditionalHandles allocates n condition handles on the buffer's
// graph.
func (cb *CommandBuffer) createConditionalHandles(n int) ([]graphcore.ConditionalHandle, error) {
	handles := make([]graphcore.ConditionalHandle, 0, n)
	for i := 0; i < n; i++ {
		h, err := cb.executor.driver.CreateConditionalHandle(cb.graph)
		if err != nil {
			return nil, fmt.Errorf("create conditional handle: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// createConditionalNodes attaches one conditional node per handle to the
// scope and returns the driver-owned body graphs.
func (cb *CommandBuffer) createConditionalNodes(id ExecutionScopeID, typ graphcore.ConditionType, handles []graphcore.ConditionalHandle) ([]graphcore.GraphHandle, error) {
	s := cb.scope(id)
	graphs := make([]graphcore.GraphHandle, 0, len(handles))
	for _, h := range handles {
		cn, err := cb.executor.driver.CreateConditionalNode(cb.graph, cb.barrierDeps(s), typ, h)
		if err != nil {
			return nil, fmt.Errorf("create conditional node: %w", err)
		}
		s.nodes = append(s.nodes, GraphNode{Handle: cn.Node, Kind: KindConditional})
		graphs = append(graphs, cn.Body)
	}
	return graphs, nil
}

// createConditionalCommandBuffers records each branch body into a fresh
// nested buffer wrapping the corresponding body graph.
func (cb *CommandBuffer) createConditionalCommandBuffers(
	handles []graphcore.ConditionalHandle,
	graphs []graphcore.GraphHandle,
	builders []conditionBuilder,
) ([]*CommandBuffer, error) {
	buffers := make([]*CommandBuffer, 0, len(builders))
	for i, build := range builders {
		nested := cb.executor.newNestedCommandBuffer(graphs[i])
		if err := build(nested, handles[i]); err != nil {
			return nil, err
		}
		if err := nested.Finalize(); err != nil {
			return nil, err
		}
		buffers = append(buffers, nested)
	}
	return buffers, nil
}

// updateConditionalCommandBuffers replays each branch builder against its
// recorded nested buffer. Nested buffers have no executable, so each one
// temporarily borrows the primary executable for the duration of its
// update pass.
func (cb *CommandBuffer) updateConditionalCommandBuffers(
	handles []graphcore.ConditionalHandle,
	buffers []*CommandBuffer,
	builders []conditionBuilder,
) error {
	for i, build := range builders {
		nested := buffers[i]
		handle := handles[i]
		err := nested.withExec(cb.execHandle, func() error {
			if err := nested.Update(); err != nil {
				return err
			}
			if err := build(nested, handle); err != nil {
				return err
			}
			return nested.Finalize()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkNumCommandBuffers validates that an update pass presents the same
// branch count a construct was recorded with.
func (cb *CommandBuffer) checkNumCommandBuffers(cond *conditionalBuffers, n int) error {
	if len(cond.buffers) != n {
		return fmt.Errorf("%w: construct recorded %d branches, update has %d",
			ErrStructuralMismatch, len(cond.buffers), n)
	}
	return nil
}

// createConditionalCommand is the shared lowering for all five control-flow
// operators: launch the condition setter, attach one conditional node per
// branch, and record each branch body into a nested buffer. During an
// update pass the same sequence patches the setter launch and replays the
// branch builders against the recorded nested buffers; branch counts must
// match the original recording.
func (cb *CommandBuffer) createConditionalCommand(
	id ExecutionScopeID,
	typ graphcore.ConditionType,
	setCondition setConditionFn,
	builders []conditionBuilder,
) error {
	s := cb.scope(id)

	switch cb.state {
	case StateCreated:
		handles, err := cb.createConditionalHandles(len(builders))
		if err != nil {
			return err
		}
		if err := setCondition(id, handles); err != nil {
			return err
		}
		if err := cb.Barrier(id); err != nil {
			return err
		}
		graphs, err := cb.createConditionalNodes(id, typ, handles)
		if err != nil {
			return err
		}
		buffers, err := cb.createConditionalCommandBuffers(handles, graphs, builders)
		if err != nil {
			return err
		}
		s.conditionals = append(s.conditionals, conditionalBuffers{handles: handles, buffers: buffers})
		return cb.Barrier(id)

	case StateUpdating:
		if s.update.conditionalIdx >= len(s.conditionals) {
			return fmt.Errorf("%w: scope %d recorded %d conditional constructs",
				ErrStructuralMismatch, id, len(s.conditionals))
		}
		cond := &s.conditionals[s.update.conditionalIdx]
		if err := cb.checkNumCommandBuffers(cond, len(builders)); err != nil {
			return err
		}
		s.update.conditionalIdx++

		if err := setCondition(id, cond.handles); err != nil {
			return err
		}
		if err := cb.Barrier(id); err != nil {
			return err
		}
		// The conditional nodes themselves carry no updatable parameters;
		// validate and step over them.
		for range cond.handles {
			if s.update.nodeIdx >= len(s.nodes) {
				return fmt.Errorf("%w: scope %d recorded %d nodes", ErrStructuralMismatch, id, len(s.nodes))
			}
			if k := s.nodes[s.update.nodeIdx].Kind; k != KindConditional {
				return fmt.Errorf("%w: node %d is %s, update is conditional", ErrKindMismatch, s.update.nodeIdx, k)
			}
			s.update.nodeIdx++
		}
		if err := cb.updateConditionalCommandBuffers(cond.handles, cond.buffers, builders); err != nil {
			return err
		}
		return cb.Barrier(id)
	}
	return ErrNotRecording
}
