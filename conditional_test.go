package graphexec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/graphexec/graphcore"
)

func allocByte(t *testing.T, e *Executor) graphcore.DeviceMemory {
	t.Helper()
	mem, err := e.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return mem
}

func TestIf(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	pred := allocByte(t, e)
	dst := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	err = cb.If(DefaultExecutionScope, pred, func(body *CommandBuffer) error {
		return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, int32(5))
	})
	if err != nil {
		t.Fatalf("If: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)

	// False predicate: body does not run.
	writeBool(t, e, pred, false)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 0 {
		t.Fatalf("dst = %d with false predicate, want 0", got)
	}

	// True predicate: body runs.
	writeBool(t, e, pred, true)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 5 {
		t.Fatalf("dst = %d with true predicate, want 5", got)
	}
}

func TestIfElse(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	pred := allocByte(t, e)
	dst := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	err = cb.IfElse(DefaultExecutionScope, pred,
		func(body *CommandBuffer) error {
			return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, int32(1))
		},
		func(body *CommandBuffer) error {
			return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, int32(2))
		})
	if err != nil {
		t.Fatalf("IfElse: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)

	writeBool(t, e, pred, true)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 1 {
		t.Fatalf("dst = %d with true predicate, want 1", got)
	}

	writeBool(t, e, pred, false)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 2 {
		t.Fatalf("dst = %d with false predicate, want 2", got)
	}
}

func TestCaseRouting(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	index := allocWord(t, e)
	dst := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	branches := make([]Builder, 4)
	for i := range branches {
		v := int32(100 + i)
		branches[i] = func(body *CommandBuffer) error {
			return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, v)
		}
	}
	if err := cb.Case(DefaultExecutionScope, index, branches); err != nil {
		t.Fatalf("Case: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)

	tests := []struct {
		index int32
		want  int32
	}{
		{0, 100},
		{1, 101},
		{2, 102},
		{3, 103},
		// Out-of-range indices route to the last branch.
		{4, 103},
		{99, 103},
		{-1, 103},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("index_%d", tc.index), func(t *testing.T) {
			writeWord(t, e, index, tc.index)
			writeWord(t, e, dst, -1)
			submitAndSync(t, cb, stream)
			if got := readWord(t, e, dst); got != tc.want {
				t.Fatalf("dst = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCaseBranchLimits(t *testing.T) {
	e, _ := newSimExecutor(t)

	index := allocWord(t, e)
	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	if err := cb.Case(DefaultExecutionScope, index, nil); !errors.Is(err, ErrNoBranches) {
		t.Fatalf("empty Case: err = %v, want ErrNoBranches", err)
	}

	noop := func(body *CommandBuffer) error { return nil }
	branches := make([]Builder, graphcore.MaxCaseBranches+1)
	for i := range branches {
		branches[i] = noop
	}
	if err := cb.Case(DefaultExecutionScope, index, branches); !errors.Is(err, ErrTooManyBranches) {
		t.Fatalf("oversized Case: err = %v, want ErrTooManyBranches", err)
	}
}

func TestForLoop(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "add_one")

	counter := allocWord(t, e)
	acc := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	err = cb.For(DefaultExecutionScope, 3, counter, func(body *CommandBuffer) error {
		return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, acc)
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)
	submitAndSync(t, cb, stream)

	if got := readWord(t, e, acc); got != 3 {
		t.Fatalf("acc = %d, want 3 body executions", got)
	}
	// The setter checks before incrementing, so the counter overshoots by
	// one.
	if got := readWord(t, e, counter); got != 4 {
		t.Fatalf("counter = %d, want 4", got)
	}

	// Repeat submits re-zero the counter inside the graph.
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, acc); got != 6 {
		t.Fatalf("acc = %d after second run, want 6", got)
	}
}

func TestForLoopZeroIterations(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "add_one")

	counter := allocWord(t, e)
	acc := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	err = cb.For(DefaultExecutionScope, 0, counter, func(body *CommandBuffer) error {
		return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, acc)
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, newStream(t, e))

	if got := readWord(t, e, acc); got != 0 {
		t.Fatalf("acc = %d, want 0 body executions", got)
	}
	if got := readWord(t, e, counter); got != 1 {
		t.Fatalf("counter = %d, want 1", got)
	}
}

func TestForLoopUpdateIterationCount(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "add_one")

	counter := allocWord(t, e)
	acc := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	body := func(b *CommandBuffer) error {
		return b.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, acc)
	}
	if err := cb.For(DefaultExecutionScope, 3, counter, body); err != nil {
		t.Fatalf("For: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, acc); got != 3 {
		t.Fatalf("acc = %d, want 3", got)
	}

	// Patch the trip count without rebuilding the graph.
	if err := cb.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := cb.For(DefaultExecutionScope, 5, counter, body); err != nil {
		t.Fatalf("For replay: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	writeWord(t, e, acc, 0)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, acc); got != 5 {
		t.Fatalf("acc = %d after update, want 5", got)
	}
}

func TestWhileLoop(t *testing.T) {
	e, _ := newSimExecutor(t)
	addOne := mustKernel(t, e, "add_one")
	flagLt := mustKernel(t, e, "flag_lt")

	pred := allocByte(t, e)
	acc := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	cond := func(id ExecutionScopeID, b *CommandBuffer) error {
		return b.LaunchInline(id, graphcore.SingleThread(), graphcore.SingleBlock(), flagLt, pred, acc, int32(3))
	}
	body := func(b *CommandBuffer) error {
		return b.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), addOne, acc)
	}
	if err := cb.While(DefaultExecutionScope, pred, cond, body); err != nil {
		t.Fatalf("While: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, newStream(t, e))

	if got := readWord(t, e, acc); got != 3 {
		t.Fatalf("acc = %d, want 3", got)
	}
}

func TestWhileLoopNoIterations(t *testing.T) {
	e, _ := newSimExecutor(t)
	addOne := mustKernel(t, e, "add_one")
	flagLt := mustKernel(t, e, "flag_lt")

	pred := allocByte(t, e)
	acc := allocWord(t, e)
	writeWord(t, e, acc, 10)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	cond := func(id ExecutionScopeID, b *CommandBuffer) error {
		return b.LaunchInline(id, graphcore.SingleThread(), graphcore.SingleBlock(), flagLt, pred, acc, int32(3))
	}
	body := func(b *CommandBuffer) error {
		return b.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), addOne, acc)
	}
	if err := cb.While(DefaultExecutionScope, pred, cond, body); err != nil {
		t.Fatalf("While: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, newStream(t, e))

	if got := readWord(t, e, acc); got != 10 {
		t.Fatalf("acc = %d, want untouched 10", got)
	}
}

func TestConditionalInsideForLoop(t *testing.T) {
	e, _ := newSimExecutor(t)
	addOne := mustKernel(t, e, "add_one")

	counter := allocWord(t, e)
	pred := allocByte(t, e)
	acc := allocWord(t, e)
	writeBool(t, e, pred, true)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	err = cb.For(DefaultExecutionScope, 2, counter, func(body *CommandBuffer) error {
		return body.If(DefaultExecutionScope, pred, func(inner *CommandBuffer) error {
			return inner.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), addOne, acc)
		})
	})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, acc); got != 2 {
		t.Fatalf("acc = %d, want 2", got)
	}

	writeBool(t, e, pred, false)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, acc); got != 2 {
		t.Fatalf("acc = %d with false predicate, want unchanged 2", got)
	}
}

func TestConditionalUpdateBranchBody(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	pred := allocByte(t, e)
	dst := allocWord(t, e)
	writeBool(t, e, pred, true)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	if err := cb.If(DefaultExecutionScope, pred, func(body *CommandBuffer) error {
		return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, int32(1))
	}); err != nil {
		t.Fatalf("If: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 1 {
		t.Fatalf("dst = %d, want 1", got)
	}

	// Update pass replays the construct with a patched branch body.
	if err := cb.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := cb.If(DefaultExecutionScope, pred, func(body *CommandBuffer) error {
		return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, int32(2))
	}); err != nil {
		t.Fatalf("If replay: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, dst); got != 2 {
		t.Fatalf("dst = %d after update, want 2", got)
	}
}

func TestConditionalScopesUpdateIndependently(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	const scopeA, scopeB = ExecutionScopeID(1), ExecutionScopeID(2)
	predA, predB := allocByte(t, e), allocByte(t, e)
	a, b := allocWord(t, e), allocWord(t, e)
	writeBool(t, e, predA, true)
	writeBool(t, e, predB, true)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	branch := func(dst graphcore.DeviceMemory, v int32) Builder {
		return func(body *CommandBuffer) error {
			return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, v)
		}
	}
	if err := cb.If(scopeA, predA, branch(a, 1)); err != nil {
		t.Fatalf("If scope A: %v", err)
	}
	if err := cb.If(scopeB, predB, branch(b, 2)); err != nil {
		t.Fatalf("If scope B: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	stream := newStream(t, e)
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, a); got != 1 {
		t.Fatalf("a = %d, want 1", got)
	}
	if got := readWord(t, e, b); got != 2 {
		t.Fatalf("b = %d, want 2", got)
	}

	// Patch only scope A's construct. Scope B's update cursor is never
	// touched, so its construct keeps the original body.
	if err := cb.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := cb.If(scopeA, predA, branch(a, 100)); err != nil {
		t.Fatalf("If replay scope A: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, a); got != 100 {
		t.Fatalf("a = %d after scope A update, want 100", got)
	}
	if got := readWord(t, e, b); got != 2 {
		t.Fatalf("b = %d after scope A update, want untouched 2", got)
	}

	// And the other way around.
	if err := cb.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := cb.If(scopeB, predB, branch(b, 200)); err != nil {
		t.Fatalf("If replay scope B: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	submitAndSync(t, cb, stream)
	if got := readWord(t, e, a); got != 100 {
		t.Fatalf("a = %d after scope B update, want untouched 100", got)
	}
	if got := readWord(t, e, b); got != 200 {
		t.Fatalf("b = %d after scope B update, want 200", got)
	}
}

func TestConditionalUpdateBranchCountMismatch(t *testing.T) {
	e, _ := newSimExecutor(t)
	k := mustKernel(t, e, "store_value")

	index := allocWord(t, e)
	dst := allocWord(t, e)

	cb, err := e.NewCommandBuffer()
	if err != nil {
		t.Fatalf("NewCommandBuffer: %v", err)
	}
	defer cb.Close()

	branch := func(v int32) Builder {
		return func(body *CommandBuffer) error {
			return body.LaunchInline(DefaultExecutionScope, graphcore.SingleThread(), graphcore.SingleBlock(), k, dst, v)
		}
	}
	if err := cb.Case(DefaultExecutionScope, index, []Builder{branch(1), branch(2), branch(3)}); err != nil {
		t.Fatalf("Case: %v", err)
	}
	if err := cb.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := cb.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = cb.Case(DefaultExecutionScope, index, []Builder{branch(1), branch(2)})
	if !errors.Is(err, ErrStructuralMismatch) {
		t.Fatalf("err = %v, want ErrStructuralMismatch", err)
	}
}
