package sim

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/graphexec/graphcore"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d := New(Config{})
	t.Cleanup(func() { d.Close() })
	return d
}

// runGraphOnce instantiates the graph and runs it to completion on a fresh
// stream.
func runGraphOnce(t *testing.T, d *Driver, g graphcore.GraphHandle) {
	t.Helper()
	exec, err := d.Instantiate(g)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer d.DestroyExec(exec)
	stream, err := d.CreateStream()
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	defer d.DestroyStream(stream)
	if err := d.Launch(exec, stream); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := d.SynchronizeStream(stream); err != nil {
		t.Fatalf("SynchronizeStream: %v", err)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	d := newTestDriver(t)

	mem, err := d.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := d.MemcpyH2D(mem, src); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}
	dst := make([]byte, 8)
	if err := d.MemcpyD2H(dst, mem); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d = %d, want %d", i, dst[i], src[i])
		}
	}
	if err := d.Deallocate(mem); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if err := d.Deallocate(mem); !errors.Is(err, graphcore.ErrInvalidHandle) {
		t.Fatalf("double deallocate: err = %v, want ErrInvalidHandle", err)
	}
}

func TestAllocationsAreZeroed(t *testing.T) {
	d := newTestDriver(t)

	mem, err := d.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := make([]byte, 32)
	if err := d.MemcpyD2H(b, mem); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}
}

func TestMemsetAndMemcpyNodes(t *testing.T) {
	d := newTestDriver(t)

	a, _ := d.Allocate(16)
	b, _ := d.Allocate(16)

	g, err := d.CreateGraph()
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer d.DestroyGraph(g)

	fill, err := d.CreateMemsetNode(g, nil, graphcore.MemsetNodeParams{
		Dst: a, Pattern: graphcore.BitPattern32(0xdeadbeef), NumElements: 4,
	})
	if err != nil {
		t.Fatalf("CreateMemsetNode: %v", err)
	}
	if _, err := d.CreateMemcpyNode(g, []graphcore.NodeHandle{fill}, graphcore.MemcpyNodeParams{
		Dst: b, Src: a, Size: 16,
	}); err != nil {
		t.Fatalf("CreateMemcpyNode: %v", err)
	}

	runGraphOnce(t, d, g)

	out := make([]byte, 16)
	if err := d.MemcpyD2H(out, b); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i := 0; i < 4; i++ {
		if got := binary.LittleEndian.Uint32(out[i*4:]); got != 0xdeadbeef {
			t.Fatalf("word %d = %#x, want 0xdeadbeef", i, got)
		}
	}
}

func TestRegisteredKernel(t *testing.T) {
	d := newTestDriver(t)

	dst, _ := d.Allocate(4)
	d.RegisterKernel("write42", func(d *Driver, p graphcore.KernelNodeParams) error {
		m := p.Args.Args()[0].(graphcore.DeviceMemory)
		return d.writeInt32(m, 42)
	})
	k, err := d.LoadKernel("write42")
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)
	if _, err := d.CreateKernelNode(g, nil, graphcore.KernelNodeParams{
		Threads: graphcore.SingleThread(),
		Blocks:  graphcore.SingleBlock(),
		Kernel:  k,
		Args:    graphcore.PackedArgs(dst),
	}); err != nil {
		t.Fatalf("CreateKernelNode: %v", err)
	}

	runGraphOnce(t, d, g)

	if got, _ := d.readInt32(dst); got != 42 {
		t.Fatalf("dst = %d, want 42", got)
	}
}

func TestLoadKernelUnknown(t *testing.T) {
	d := newTestDriver(t)
	if _, err := d.LoadKernel("no_such_kernel"); !errors.Is(err, graphcore.ErrUnknownKernel) {
		t.Fatalf("err = %v, want ErrUnknownKernel", err)
	}
}

func TestLoadKernelIdempotent(t *testing.T) {
	d := newTestDriver(t)
	h1, err := d.LoadKernel(graphcore.KernelNoOp)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	h2, err := d.LoadKernel(graphcore.KernelNoOp)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("handles differ: %v vs %v", h1, h2)
	}
}

func TestExecSnapshotIsolation(t *testing.T) {
	d := newTestDriver(t)

	dst, _ := d.Allocate(4)
	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)

	node, err := d.CreateMemsetNode(g, nil, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(1), NumElements: 1,
	})
	if err != nil {
		t.Fatalf("CreateMemsetNode: %v", err)
	}

	exec, err := d.Instantiate(g)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer d.DestroyExec(exec)

	// Patch the executable, then run: the snapshot carries the new value.
	if err := d.UpdateMemsetNode(exec, node, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(7), NumElements: 1,
	}); err != nil {
		t.Fatalf("UpdateMemsetNode: %v", err)
	}

	stream, _ := d.CreateStream()
	defer d.DestroyStream(stream)
	if err := d.Launch(exec, stream); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := d.SynchronizeStream(stream); err != nil {
		t.Fatalf("SynchronizeStream: %v", err)
	}
	if got, _ := d.readInt32(dst); got != 7 {
		t.Fatalf("dst = %d, want 7", got)
	}
}

func TestUpdateWrongNodeKind(t *testing.T) {
	d := newTestDriver(t)

	dst, _ := d.Allocate(4)
	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)

	node, _ := d.CreateMemsetNode(g, nil, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(1), NumElements: 1,
	})
	exec, err := d.Instantiate(g)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer d.DestroyExec(exec)

	k, _ := d.LoadKernel(graphcore.KernelNoOp)
	err = d.UpdateKernelNode(exec, node, graphcore.KernelNodeParams{Kernel: k})
	if !errors.Is(err, graphcore.ErrWrongNodeKind) {
		t.Fatalf("err = %v, want ErrWrongNodeKind", err)
	}
}

func TestStaleHandleRejected(t *testing.T) {
	d := newTestDriver(t)

	g, _ := d.CreateGraph()
	if err := d.DestroyGraph(g); err != nil {
		t.Fatalf("DestroyGraph: %v", err)
	}
	if _, err := d.CreateEmptyNode(g, nil); !errors.Is(err, graphcore.ErrInvalidHandle) {
		t.Fatalf("err = %v, want ErrInvalidHandle", err)
	}
	if _, err := d.NodeCount(g); !errors.Is(err, graphcore.ErrInvalidHandle) {
		t.Fatalf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestConditionalIfNode(t *testing.T) {
	d := newTestDriver(t)

	pred, _ := d.Allocate(1)
	dst, _ := d.Allocate(4)

	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)

	// Setter kernel reads pred, then the conditional body fills dst.
	k, err := d.LoadKernel(graphcore.KernelSetIfCondition)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	handle, err := d.CreateConditionalHandle(g)
	if err != nil {
		t.Fatalf("CreateConditionalHandle: %v", err)
	}
	setter, err := d.CreateKernelNode(g, nil, graphcore.KernelNodeParams{
		Threads: graphcore.SingleThread(),
		Blocks:  graphcore.SingleBlock(),
		Kernel:  k,
		Args:    graphcore.PackedArgs(handle, pred),
	})
	if err != nil {
		t.Fatalf("CreateKernelNode: %v", err)
	}
	cn, err := d.CreateConditionalNode(g, []graphcore.NodeHandle{setter}, graphcore.ConditionIf, handle)
	if err != nil {
		t.Fatalf("CreateConditionalNode: %v", err)
	}
	if _, err := d.CreateMemsetNode(cn.Body, nil, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(5), NumElements: 1,
	}); err != nil {
		t.Fatalf("CreateMemsetNode: %v", err)
	}

	exec, err := d.Instantiate(g)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer d.DestroyExec(exec)
	stream, _ := d.CreateStream()
	defer d.DestroyStream(stream)

	run := func() {
		t.Helper()
		if err := d.Launch(exec, stream); err != nil {
			t.Fatalf("Launch: %v", err)
		}
		if err := d.SynchronizeStream(stream); err != nil {
			t.Fatalf("SynchronizeStream: %v", err)
		}
	}

	// Predicate false: body does not run.
	run()
	if got, _ := d.readInt32(dst); got != 0 {
		t.Fatalf("dst = %d, want 0 with false predicate", got)
	}

	// Predicate true: body runs.
	if err := d.MemcpyH2D(pred, []byte{1}); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}
	run()
	if got, _ := d.readInt32(dst); got != 5 {
		t.Fatalf("dst = %d, want 5 with true predicate", got)
	}
}

func TestSetNodeEnabled(t *testing.T) {
	d := newTestDriver(t)

	dst, _ := d.Allocate(4)
	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)

	node, _ := d.CreateMemsetNode(g, nil, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(9), NumElements: 1,
	})
	exec, err := d.Instantiate(g)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer d.DestroyExec(exec)
	if err := d.SetNodeEnabled(exec, node, false); err != nil {
		t.Fatalf("SetNodeEnabled: %v", err)
	}

	stream, _ := d.CreateStream()
	defer d.DestroyStream(stream)
	if err := d.Launch(exec, stream); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := d.SynchronizeStream(stream); err != nil {
		t.Fatalf("SynchronizeStream: %v", err)
	}
	if got, _ := d.readInt32(dst); got != 0 {
		t.Fatalf("dst = %d, want 0 with node disabled", got)
	}
}

func TestNodeCount(t *testing.T) {
	d := newTestDriver(t)

	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)
	for i := 0; i < 3; i++ {
		if _, err := d.CreateEmptyNode(g, nil); err != nil {
			t.Fatalf("CreateEmptyNode: %v", err)
		}
	}
	n, err := d.NodeCount(g)
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("NodeCount = %d, want 3", n)
	}
}

func TestDependencyOrdering(t *testing.T) {
	d := newTestDriver(t)

	dst, _ := d.Allocate(4)
	g, _ := d.CreateGraph()
	defer d.DestroyGraph(g)

	// Two fills of the same word, chained; the dependent one wins.
	first, _ := d.CreateMemsetNode(g, nil, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(1), NumElements: 1,
	})
	if _, err := d.CreateMemsetNode(g, []graphcore.NodeHandle{first}, graphcore.MemsetNodeParams{
		Dst: dst, Pattern: graphcore.BitPattern32(2), NumElements: 1,
	}); err != nil {
		t.Fatalf("CreateMemsetNode: %v", err)
	}

	for i := 0; i < 10; i++ {
		runGraphOnce(t, d, g)
		if got, _ := d.readInt32(dst); got != 2 {
			t.Fatalf("run %d: dst = %d, want 2", i, got)
		}
	}
}
