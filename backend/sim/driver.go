package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/graphexec/graphcore"
)

// Name is the registry name of the simulated driver.
const Name = "sim"

func init() {
	graphcore.Register(Name, func() (graphcore.Driver, error) {
		return New(Config{}), nil
	})
}

// Device addresses start above zero so the null descriptor never aliases a
// live allocation.
const memBase = 0x1000

// defaultMaxLoopIterations caps how often a while-conditional node may run
// its body in one launch before the simulator declares the loop divergent.
const defaultMaxLoopIterations = 1 << 20

// Config holds simulator tunables.
type Config struct {
	// MaxLoopIterations caps body executions of a while-conditional node
	// per launch. Zero selects a large default.
	MaxLoopIterations int
}

// Driver is the simulated graph driver. Safe for concurrent use.
type Driver struct {
	mu sync.Mutex

	mem      []byte
	allocs   map[uint64]uint64
	nextAddr uint64

	graphs  arena[*graphState]
	nodes   arena[*nodeState]
	execs   arena[*execState]
	streams arena[*streamState]
	conds   arena[*condState]

	kernels      arena[KernelFunc]
	kernelByName map[string]graphcore.KernelHandle
	kernelImpls  map[string]KernelFunc

	maxLoopIterations int

	closed bool
}

var _ graphcore.Driver = (*Driver)(nil)

type nodeKind uint8

const (
	nodeEmpty nodeKind = iota
	nodeKernel
	nodeMemset
	nodeMemcpy
	nodeChild
	nodeConditional
)

type graphState struct {
	nodes []graphcore.NodeHandle
	// Conditional handles and body graphs scoped to this graph, released
	// with it.
	conds    []graphcore.ConditionalHandle
	children []graphcore.GraphHandle
}

type nodeState struct {
	kind nodeKind
	deps []graphcore.NodeHandle

	kernel graphcore.KernelNodeParams
	memset graphcore.MemsetNodeParams
	memcpy graphcore.MemcpyNodeParams
	child  graphcore.GraphHandle

	condType   graphcore.ConditionType
	condHandle graphcore.ConditionalHandle
	body       graphcore.GraphHandle
}

type condState struct {
	value int32
}

type streamState struct {
	wg sync.WaitGroup

	mu    sync.Mutex
	cond  sync.Cond
	queue []func()
	done  bool
	err   error
}

func newStreamState() *streamState {
	st := &streamState{}
	st.cond.L = &st.mu
	go st.run()
	return st
}

// run pops and executes queued tasks in submission order until stop.
func (st *streamState) run() {
	for {
		st.mu.Lock()
		for len(st.queue) == 0 && !st.done {
			st.cond.Wait()
		}
		if len(st.queue) == 0 {
			st.mu.Unlock()
			return
		}
		fn := st.queue[0]
		st.queue[0] = nil
		st.queue = st.queue[1:]
		st.mu.Unlock()
		fn()
	}
}

// enqueue appends a task. The queue is unbounded, so enqueue never blocks
// no matter how much work is already pending.
func (st *streamState) enqueue(fn func()) {
	st.mu.Lock()
	st.queue = append(st.queue, fn)
	st.cond.Signal()
	st.mu.Unlock()
}

// stop waits for pending work and terminates the worker goroutine.
func (st *streamState) stop() {
	st.wg.Wait()
	st.mu.Lock()
	st.done = true
	st.cond.Signal()
	st.mu.Unlock()
}

// New creates a simulated driver.
func New(cfg Config) *Driver {
	maxIter := cfg.MaxLoopIterations
	if maxIter <= 0 {
		maxIter = defaultMaxLoopIterations
	}
	return &Driver{
		allocs:            make(map[uint64]uint64),
		nextAddr:          memBase,
		kernelByName:      make(map[string]graphcore.KernelHandle),
		kernelImpls:       builtinKernels(),
		maxLoopIterations: maxIter,
	}
}

// Name returns "sim".
func (d *Driver) Name() string { return Name }

// Close drains all streams and releases every resource the driver owns.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var live []*streamState
	for i := range d.streams.slots {
		if d.streams.slots[i].live {
			live = append(live, d.streams.slots[i].val)
		}
	}
	d.mu.Unlock()

	for _, st := range live {
		st.stop()
	}

	d.mu.Lock()
	d.mem = nil
	d.allocs = nil
	d.graphs = arena[*graphState]{}
	d.nodes = arena[*nodeState]{}
	d.execs = arena[*execState]{}
	d.streams = arena[*streamState]{}
	d.conds = arena[*condState]{}
	d.kernels = arena[KernelFunc]{}
	d.kernelByName = nil
	d.mu.Unlock()
	return nil
}

// RegisterKernel installs a named kernel implementation, so tests can
// launch kernels with observable device-memory effects. Registering a name
// that LoadKernel already resolved has no effect on the issued handle.
func (d *Driver) RegisterKernel(name string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernelImpls[name] = fn
}

// Allocate reserves size bytes of zero-initialized simulated device memory.
func (d *Driver) Allocate(size uint64) (graphcore.DeviceMemory, error) {
	if size == 0 {
		return graphcore.DeviceMemory{}, fmt.Errorf("sim: zero-size allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := (d.nextAddr + 7) &^ 7
	end := addr + size - memBase
	if end > uint64(len(d.mem)) {
		grown := make([]byte, end)
		copy(grown, d.mem)
		d.mem = grown
	}
	d.nextAddr = addr + size
	d.allocs[addr] = size
	return graphcore.NewDeviceMemory(addr, size), nil
}

// Deallocate releases a region returned by Allocate.
func (d *Driver) Deallocate(mem graphcore.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[mem.Addr()]; !ok {
		return fmt.Errorf("sim: deallocate of unknown region %#x: %w", mem.Addr(), graphcore.ErrInvalidHandle)
	}
	delete(d.allocs, mem.Addr())
	return nil
}

// region returns the slab bytes backing mem. Caller holds d.mu.
func (d *Driver) region(mem graphcore.DeviceMemory, n uint64) ([]byte, error) {
	if mem.IsNull() {
		return nil, fmt.Errorf("sim: null device memory")
	}
	if mem.Addr() < memBase {
		return nil, fmt.Errorf("sim: address %#x below device range", mem.Addr())
	}
	off := mem.Addr() - memBase
	if n > mem.Size() {
		return nil, fmt.Errorf("sim: access of %d bytes exceeds region size %d", n, mem.Size())
	}
	if off+n > uint64(len(d.mem)) {
		return nil, fmt.Errorf("sim: access at %#x+%d outside device memory", mem.Addr(), n)
	}
	return d.mem[off : off+n], nil
}

// MemcpyH2D copies host bytes into device memory.
func (d *Driver) MemcpyH2D(dst graphcore.DeviceMemory, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// MemcpyD2H copies device memory into host bytes.
func (d *Driver) MemcpyD2H(dst []byte, src graphcore.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (d *Driver) readByte(mem graphcore.DeviceMemory) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(mem, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Driver) readInt32(mem graphcore.DeviceMemory) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(mem, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *Driver) writeInt32(mem graphcore.DeviceMemory, v int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(mem, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
	return nil
}

// LoadKernel resolves a kernel by name. Repeated loads return the cached
// handle.
func (d *Driver) LoadKernel(name string) (graphcore.KernelHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.kernelByName[name]; ok {
		return h, nil
	}
	fn, ok := d.kernelImpls[name]
	if !ok {
		return graphcore.KernelHandle{}, fmt.Errorf("%w: %q", graphcore.ErrUnknownKernel, name)
	}
	slot, gen := d.kernels.insert(fn)
	h := graphcore.KernelHandle{Slot: slot, Gen: gen}
	d.kernelByName[name] = h
	return h, nil
}

// CreateGraph creates an empty mutable graph.
func (d *Driver) CreateGraph() (graphcore.GraphHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, gen := d.graphs.insert(&graphState{})
	return graphcore.GraphHandle{Slot: slot, Gen: gen}, nil
}

// DestroyGraph destroys a graph, its nodes, its conditional handles and its
// body graphs. Snapshots held by executables are unaffected.
func (d *Driver) DestroyGraph(graph graphcore.GraphHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyGraphLocked(graph)
}

func (d *Driver) destroyGraphLocked(graph graphcore.GraphHandle) error {
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return fmt.Errorf("sim: destroy graph: %w", graphcore.ErrInvalidHandle)
	}
	for _, nh := range g.nodes {
		d.nodes.remove(nh.Slot, nh.Gen)
	}
	for _, ch := range g.conds {
		d.conds.remove(ch.Slot, ch.Gen)
	}
	for _, child := range g.children {
		if err := d.destroyGraphLocked(child); err != nil {
			return err
		}
	}
	d.graphs.remove(graph.Slot, graph.Gen)
	return nil
}

// Instantiate snapshots a graph into an immutable executable. Node
// parameters are copied, so later graph mutation does not affect the
// executable; node handles keep addressing their snapshot for updates.
func (d *Driver) Instantiate(graph graphcore.GraphHandle) (graphcore.ExecHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex := &execState{
		byNode: make(map[graphcore.NodeHandle]*execNode),
	}
	root, err := d.snapshotGraphLocked(graph, ex)
	if err != nil {
		return graphcore.ExecHandle{}, err
	}
	ex.root = root
	slot, gen := d.execs.insert(ex)
	return graphcore.ExecHandle{Slot: slot, Gen: gen}, nil
}

// DestroyExec destroys an executable.
func (d *Driver) DestroyExec(exec graphcore.ExecHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.execs.remove(exec.Slot, exec.Gen) {
		return fmt.Errorf("sim: destroy exec: %w", graphcore.ErrInvalidHandle)
	}
	return nil
}

// CreateStream creates a stream backed by a worker goroutine that runs
// submissions in order.
func (d *Driver) CreateStream() (graphcore.StreamHandle, error) {
	st := newStreamState()
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, gen := d.streams.insert(st)
	return graphcore.StreamHandle{Slot: slot, Gen: gen}, nil
}

// DestroyStream drains pending work and releases the stream.
func (d *Driver) DestroyStream(stream graphcore.StreamHandle) error {
	d.mu.Lock()
	st, ok := d.streams.get(stream.Slot, stream.Gen)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("sim: destroy stream: %w", graphcore.ErrInvalidHandle)
	}
	d.streams.remove(stream.Slot, stream.Gen)
	d.mu.Unlock()

	st.stop()
	return nil
}

// Launch enqueues one execution of exec on the stream and returns without
// waiting. The stream queue is unbounded, so Launch never blocks on
// previously submitted work.
func (d *Driver) Launch(exec graphcore.ExecHandle, stream graphcore.StreamHandle) error {
	d.mu.Lock()
	ex, ok := d.execs.get(exec.Slot, exec.Gen)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("sim: launch exec: %w", graphcore.ErrInvalidHandle)
	}
	st, ok := d.streams.get(stream.Slot, stream.Gen)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("sim: launch stream: %w", graphcore.ErrInvalidHandle)
	}
	d.mu.Unlock()

	st.wg.Add(1)
	st.enqueue(func() {
		defer st.wg.Done()
		if err := d.runExec(ex); err != nil {
			st.mu.Lock()
			if st.err == nil {
				st.err = err
			}
			st.mu.Unlock()
		}
	})
	return nil
}

// SynchronizeStream blocks until all submitted work has completed and
// returns the first execution error since the previous synchronization.
func (d *Driver) SynchronizeStream(stream graphcore.StreamHandle) error {
	d.mu.Lock()
	st, ok := d.streams.get(stream.Slot, stream.Gen)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("sim: synchronize stream: %w", graphcore.ErrInvalidHandle)
	}
	st.wg.Wait()
	st.mu.Lock()
	err := st.err
	st.err = nil
	st.mu.Unlock()
	return err
}

// addNode attaches a node to a graph. Caller holds d.mu.
func (d *Driver) addNodeLocked(graph graphcore.GraphHandle, n *nodeState) (graphcore.NodeHandle, error) {
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return graphcore.NodeHandle{}, fmt.Errorf("sim: add node: %w", graphcore.ErrInvalidHandle)
	}
	for _, dep := range n.deps {
		if _, ok := d.nodes.get(dep.Slot, dep.Gen); !ok {
			return graphcore.NodeHandle{}, fmt.Errorf("sim: node dependency: %w", graphcore.ErrInvalidHandle)
		}
	}
	slot, gen := d.nodes.insert(n)
	h := graphcore.NodeHandle{Slot: slot, Gen: gen}
	g.nodes = append(g.nodes, h)
	return h, nil
}

// CreateEmptyNode adds a node with no payload.
func (d *Driver) CreateEmptyNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(graph, &nodeState{kind: nodeEmpty, deps: cloneDeps(deps)})
}

// CreateKernelNode adds a kernel launch node.
func (d *Driver) CreateKernelNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, p graphcore.KernelNodeParams) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kernels.get(p.Kernel.Slot, p.Kernel.Gen); !ok {
		return graphcore.NodeHandle{}, fmt.Errorf("sim: kernel node: %w", graphcore.ErrInvalidHandle)
	}
	return d.addNodeLocked(graph, &nodeState{kind: nodeKernel, deps: cloneDeps(deps), kernel: p})
}

// UpdateKernelNode patches a kernel launch node inside an executable.
func (d *Driver) UpdateKernelNode(exec graphcore.ExecHandle, node graphcore.NodeHandle, p graphcore.KernelNodeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.execNodeLocked(exec, node)
	if err != nil {
		return err
	}
	if n.kind != nodeKernel {
		return graphcore.ErrWrongNodeKind
	}
	n.kernel = p
	return nil
}

// CreateMemsetNode adds a fill node.
func (d *Driver) CreateMemsetNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, p graphcore.MemsetNodeParams) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(graph, &nodeState{kind: nodeMemset, deps: cloneDeps(deps), memset: p})
}

// UpdateMemsetNode patches a fill node inside an executable.
func (d *Driver) UpdateMemsetNode(exec graphcore.ExecHandle, node graphcore.NodeHandle, p graphcore.MemsetNodeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.execNodeLocked(exec, node)
	if err != nil {
		return err
	}
	if n.kind != nodeMemset {
		return graphcore.ErrWrongNodeKind
	}
	n.memset = p
	return nil
}

// CreateMemcpyNode adds a device-to-device copy node.
func (d *Driver) CreateMemcpyNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, p graphcore.MemcpyNodeParams) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(graph, &nodeState{kind: nodeMemcpy, deps: cloneDeps(deps), memcpy: p})
}

// UpdateMemcpyNode patches a copy node inside an executable.
func (d *Driver) UpdateMemcpyNode(exec graphcore.ExecHandle, node graphcore.NodeHandle, p graphcore.MemcpyNodeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.execNodeLocked(exec, node)
	if err != nil {
		return err
	}
	if n.kind != nodeMemcpy {
		return graphcore.ErrWrongNodeKind
	}
	n.memcpy = p
	return nil
}

// CreateChildNode adds a node that executes another graph in place.
func (d *Driver) CreateChildNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, child graphcore.GraphHandle) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.graphs.get(child.Slot, child.Gen); !ok {
		return graphcore.NodeHandle{}, fmt.Errorf("sim: child node: %w", graphcore.ErrInvalidHandle)
	}
	return d.addNodeLocked(graph, &nodeState{kind: nodeChild, deps: cloneDeps(deps), child: child})
}

// UpdateChildNode re-snapshots the child graph into the executable.
func (d *Driver) UpdateChildNode(exec graphcore.ExecHandle, node graphcore.NodeHandle, child graphcore.GraphHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex, ok := d.execs.get(exec.Slot, exec.Gen)
	if !ok {
		return fmt.Errorf("sim: update node: %w", graphcore.ErrInvalidHandle)
	}
	n, ok := ex.byNode[node]
	if !ok {
		return fmt.Errorf("sim: update node: %w", graphcore.ErrInvalidHandle)
	}
	if n.kind != nodeChild {
		return graphcore.ErrWrongNodeKind
	}
	snap, err := d.snapshotGraphLocked(child, ex)
	if err != nil {
		return err
	}
	n.child = snap
	return nil
}

// CreateConditionalHandle allocates condition state scoped to the graph.
func (d *Driver) CreateConditionalHandle(graph graphcore.GraphHandle) (graphcore.ConditionalHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return graphcore.ConditionalHandle{}, fmt.Errorf("sim: conditional handle: %w", graphcore.ErrInvalidHandle)
	}
	slot, gen := d.conds.insert(&condState{})
	h := graphcore.ConditionalHandle{Slot: slot, Gen: gen}
	g.conds = append(g.conds, h)
	return h, nil
}

// CreateConditionalNode adds a conditional node gated by handle and returns
// the node plus its freshly created body graph. The body graph is owned by
// the parent graph.
func (d *Driver) CreateConditionalNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, typ graphcore.ConditionType, handle graphcore.ConditionalHandle) (graphcore.ConditionalNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return graphcore.ConditionalNode{}, fmt.Errorf("sim: conditional node: %w", graphcore.ErrInvalidHandle)
	}
	if _, ok := d.conds.get(handle.Slot, handle.Gen); !ok {
		return graphcore.ConditionalNode{}, fmt.Errorf("sim: conditional node handle: %w", graphcore.ErrInvalidHandle)
	}
	bodySlot, bodyGen := d.graphs.insert(&graphState{})
	body := graphcore.GraphHandle{Slot: bodySlot, Gen: bodyGen}
	g.children = append(g.children, body)

	nh, err := d.addNodeLocked(graph, &nodeState{
		kind:       nodeConditional,
		deps:       cloneDeps(deps),
		condType:   typ,
		condHandle: handle,
		body:       body,
	})
	if err != nil {
		return graphcore.ConditionalNode{}, err
	}
	return graphcore.ConditionalNode{Node: nh, Body: body}, nil
}

// SetNodeEnabled toggles a node inside an executable.
func (d *Driver) SetNodeEnabled(exec graphcore.ExecHandle, node graphcore.NodeHandle, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.execNodeLocked(exec, node)
	if err != nil {
		return err
	}
	n.enabled = enabled
	return nil
}

// NodeCount returns the number of nodes in a graph, not counting body
// graphs.
func (d *Driver) NodeCount(graph graphcore.GraphHandle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return 0, fmt.Errorf("sim: node count: %w", graphcore.ErrInvalidHandle)
	}
	return len(g.nodes), nil
}

// execNodeLocked resolves a node handle inside an executable snapshot.
func (d *Driver) execNodeLocked(exec graphcore.ExecHandle, node graphcore.NodeHandle) (*execNode, error) {
	ex, ok := d.execs.get(exec.Slot, exec.Gen)
	if !ok {
		return nil, fmt.Errorf("sim: update node: %w", graphcore.ErrInvalidHandle)
	}
	n, ok := ex.byNode[node]
	if !ok {
		return nil, fmt.Errorf("sim: update node: %w", graphcore.ErrInvalidHandle)
	}
	return n, nil
}

func (d *Driver) setCond(h graphcore.ConditionalHandle, v int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conds.get(h.Slot, h.Gen)
	if !ok {
		return fmt.Errorf("sim: conditional handle: %w", graphcore.ErrInvalidHandle)
	}
	c.value = v
	return nil
}

func (d *Driver) condValue(h graphcore.ConditionalHandle) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conds.get(h.Slot, h.Gen)
	if !ok {
		return 0, fmt.Errorf("sim: conditional handle: %w", graphcore.ErrInvalidHandle)
	}
	return c.value, nil
}

func cloneDeps(deps []graphcore.NodeHandle) []graphcore.NodeHandle {
	if len(deps) == 0 {
		return nil
	}
	out := make([]graphcore.NodeHandle, len(deps))
	copy(out, deps)
	return out
}
