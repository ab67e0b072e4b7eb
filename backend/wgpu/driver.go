// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/graphexec/graphcore"
)

func init() {
	graphcore.Register(Name, func() (graphcore.Driver, error) {
		return New()
	})
}

// gpuTimeout bounds every fence wait; a submission exceeding it is treated
// as a device hang.
const gpuTimeout = 5 * time.Second

// Device addresses are synthetic tokens; one token maps to one HAL buffer.
const memBase = 0x1000

// Driver runs execution graphs on a gogpu/wgpu HAL device. Safe for
// concurrent use.
type Driver struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	buffers  map[uint64]bufferAlloc
	nextAddr uint64

	nextSlot uint32
	graphs   map[uint32]*graphState
	nodes    map[uint32]*nodeState
	execs    map[uint32]*execState
	streams  map[uint32]*streamState

	kernelByName map[string]graphcore.KernelHandle

	closed bool
}

var _ graphcore.Driver = (*Driver)(nil)

type bufferAlloc struct {
	buf  hal.Buffer
	size uint64
}

type nodeKind uint8

const (
	nodeEmpty nodeKind = iota
	nodeKernel
	nodeMemset
	nodeMemcpy
	nodeChild
)

type graphState struct {
	nodes []graphcore.NodeHandle
}

type nodeState struct {
	kind   nodeKind
	memset graphcore.MemsetNodeParams
	memcpy graphcore.MemcpyNodeParams
	child  graphcore.GraphHandle
}

// execState is the host-side snapshot replayed per launch. Creation order
// is already a valid topological order, so replay is sequential.
type execState struct {
	nodes  []*execNode
	byNode map[graphcore.NodeHandle]*execNode
}

type execNode struct {
	kind    nodeKind
	enabled bool
	memset  graphcore.MemsetNodeParams
	memcpy  graphcore.MemcpyNodeParams
	child   []*execNode
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

// enqueue appends a task. The queue is unbounded, so enqueue never blocks.
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

// New opens a standalone Vulkan device and wraps it in a driver.
func New() (*Driver, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	return &Driver{
		instance:     instance,
		device:       openDev.Device,
		queue:        openDev.Queue,
		buffers:      make(map[uint64]bufferAlloc),
		nextAddr:     memBase,
		graphs:       make(map[uint32]*graphState),
		nodes:        make(map[uint32]*nodeState),
		execs:        make(map[uint32]*execState),
		streams:      make(map[uint32]*streamState),
		kernelByName: make(map[string]graphcore.KernelHandle),
	}, nil
}

// Name returns "wgpu".
func (d *Driver) Name() string { return Name }

// Close drains streams and releases every HAL resource the driver owns.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var live []*streamState
	for _, st := range d.streams {
		live = append(live, st)
	}
	d.mu.Unlock()

	for _, st := range live {
		st.stop()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, a := range d.buffers {
		d.device.DestroyBuffer(a.buf)
		delete(d.buffers, addr)
	}
	d.graphs = nil
	d.nodes = nil
	d.execs = nil
	d.streams = nil
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
	d.queue = nil
	return nil
}

// mint issues a fresh slot. Slots are never reused, so any handle whose
// slot is absent from its table is stale.
func (d *Driver) mint() uint32 {
	d.nextSlot++
	return d.nextSlot
}

// Allocate creates a storage buffer usable as source and destination of
// graph copies.
func (d *Driver) Allocate(size uint64) (graphcore.DeviceMemory, error) {
	if size == 0 {
		return graphcore.DeviceMemory{}, fmt.Errorf("wgpu: zero-size allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "graphexec_alloc",
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return graphcore.DeviceMemory{}, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	addr := d.nextAddr
	d.nextAddr += size + 8
	d.buffers[addr] = bufferAlloc{buf: buf, size: size}
	return graphcore.NewDeviceMemory(addr, size), nil
}

// Deallocate destroys the buffer behind a region.
func (d *Driver) Deallocate(mem graphcore.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.buffers[mem.Addr()]
	if !ok {
		return fmt.Errorf("wgpu: deallocate of unknown region %#x: %w", mem.Addr(), graphcore.ErrInvalidHandle)
	}
	d.device.DestroyBuffer(a.buf)
	delete(d.buffers, mem.Addr())
	return nil
}

func (d *Driver) bufferFor(mem graphcore.DeviceMemory, n uint64) (hal.Buffer, error) {
	a, ok := d.buffers[mem.Addr()]
	if !ok {
		return nil, fmt.Errorf("wgpu: region %#x: %w", mem.Addr(), graphcore.ErrInvalidHandle)
	}
	if n > a.size {
		return nil, fmt.Errorf("wgpu: access of %d bytes exceeds region size %d", n, a.size)
	}
	return a.buf, nil
}

// MemcpyH2D uploads host bytes through the queue.
func (d *Driver) MemcpyH2D(dst graphcore.DeviceMemory, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferFor(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	d.queue.WriteBuffer(buf, 0, src)
	return nil
}

// MemcpyD2H copies the region into a mappable staging buffer and reads it
// back.
func (d *Driver) MemcpyD2H(dst []byte, src graphcore.DeviceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferFor(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	size := uint64(len(dst))
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "graphexec_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	if err := d.copyBufferLocked(buf, staging, size); err != nil {
		return err
	}
	if err := d.queue.ReadBuffer(staging, 0, dst); err != nil {
		return fmt.Errorf("wgpu: readback: %w", err)
	}
	return nil
}

// copyBufferLocked encodes one buffer copy, submits it and waits for the
// fence. Caller holds d.mu.
func (d *Driver) copyBufferLocked(src, dst hal.Buffer, size uint64) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "graphexec_copy"})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("graphexec_copy"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	fenceOK, err := d.device.Wait(fence, 1, gpuTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("wgpu: wait for GPU: ok=%v err=%w", fenceOK, err)
	}
	return nil
}

// LoadKernel resolves a kernel by name. Without a shader compilation
// pipeline only the no-op kernel exists on this substrate; control-flow
// setter kernels are unreachable because conditionals are unsupported.
func (d *Driver) LoadKernel(name string) (graphcore.KernelHandle, error) {
	if name != graphcore.KernelNoOp {
		return graphcore.KernelHandle{}, fmt.Errorf("%w: %q", graphcore.ErrUnknownKernel, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.kernelByName[name]; ok {
		return h, nil
	}
	h := graphcore.KernelHandle{Slot: d.mint(), Gen: 1}
	d.kernelByName[name] = h
	return h, nil
}

// CreateGraph creates an empty host-side graph.
func (d *Driver) CreateGraph() (graphcore.GraphHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.mint()
	d.graphs[slot] = &graphState{}
	return graphcore.GraphHandle{Slot: slot, Gen: 1}, nil
}

// DestroyGraph destroys a graph and its nodes.
func (d *Driver) DestroyGraph(graph graphcore.GraphHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs[graph.Slot]
	if !ok || !graph.IsValid() {
		return fmt.Errorf("wgpu: destroy graph: %w", graphcore.ErrInvalidHandle)
	}
	for _, nh := range g.nodes {
		delete(d.nodes, nh.Slot)
	}
	delete(d.graphs, graph.Slot)
	return nil
}

// Instantiate snapshots a graph for replay.
func (d *Driver) Instantiate(graph graphcore.GraphHandle) (graphcore.ExecHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex := &execState{byNode: make(map[graphcore.NodeHandle]*execNode)}
	nodes, err := d.snapshotLocked(graph, ex)
	if err != nil {
		return graphcore.ExecHandle{}, err
	}
	ex.nodes = nodes
	slot := d.mint()
	d.execs[slot] = ex
	return graphcore.ExecHandle{Slot: slot, Gen: 1}, nil
}

func (d *Driver) snapshotLocked(graph graphcore.GraphHandle, ex *execState) ([]*execNode, error) {
	g, ok := d.graphs[graph.Slot]
	if !ok || !graph.IsValid() {
		return nil, fmt.Errorf("wgpu: instantiate: %w", graphcore.ErrInvalidHandle)
	}
	out := make([]*execNode, 0, len(g.nodes))
	for _, nh := range g.nodes {
		n, ok := d.nodes[nh.Slot]
		if !ok {
			return nil, fmt.Errorf("wgpu: instantiate node: %w", graphcore.ErrInvalidHandle)
		}
		en := &execNode{
			kind:    n.kind,
			enabled: true,
			memset:  n.memset,
			memcpy:  n.memcpy,
		}
		if n.kind == nodeChild {
			child, err := d.snapshotLocked(n.child, ex)
			if err != nil {
				return nil, err
			}
			en.child = child
		}
		out = append(out, en)
		ex.byNode[nh] = en
	}
	return out, nil
}

// DestroyExec destroys an executable snapshot.
func (d *Driver) DestroyExec(exec graphcore.ExecHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.execs[exec.Slot]; !ok || !exec.IsValid() {
		return fmt.Errorf("wgpu: destroy exec: %w", graphcore.ErrInvalidHandle)
	}
	delete(d.execs, exec.Slot)
	return nil
}

// CreateStream creates a stream backed by a worker goroutine.
func (d *Driver) CreateStream() (graphcore.StreamHandle, error) {
	st := newStreamState()
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.mint()
	d.streams[slot] = st
	return graphcore.StreamHandle{Slot: slot, Gen: 1}, nil
}

// DestroyStream drains pending work and releases the stream.
func (d *Driver) DestroyStream(stream graphcore.StreamHandle) error {
	d.mu.Lock()
	st, ok := d.streams[stream.Slot]
	if !ok || !stream.IsValid() {
		d.mu.Unlock()
		return fmt.Errorf("wgpu: destroy stream: %w", graphcore.ErrInvalidHandle)
	}
	delete(d.streams, stream.Slot)
	d.mu.Unlock()

	st.stop()
	return nil
}

// Launch enqueues one replay of the snapshot on the stream and returns
// without waiting. The stream queue is unbounded, so Launch never blocks
// on previously submitted work.
func (d *Driver) Launch(exec graphcore.ExecHandle, stream graphcore.StreamHandle) error {
	d.mu.Lock()
	ex, ok := d.execs[exec.Slot]
	if !ok || !exec.IsValid() {
		d.mu.Unlock()
		return fmt.Errorf("wgpu: launch exec: %w", graphcore.ErrInvalidHandle)
	}
	st, ok := d.streams[stream.Slot]
	if !ok || !stream.IsValid() {
		d.mu.Unlock()
		return fmt.Errorf("wgpu: launch stream: %w", graphcore.ErrInvalidHandle)
	}
	d.mu.Unlock()

	st.wg.Add(1)
	st.enqueue(func() {
		defer st.wg.Done()
		if err := d.replay(ex.nodes); err != nil {
			st.mu.Lock()
			if st.err == nil {
				st.err = err
			}
			st.mu.Unlock()
		}
	})
	return nil
}

// SynchronizeStream blocks until submitted work has completed and returns
// the first execution error since the previous synchronization.
func (d *Driver) SynchronizeStream(stream graphcore.StreamHandle) error {
	d.mu.Lock()
	st, ok := d.streams[stream.Slot]
	d.mu.Unlock()
	if !ok || !stream.IsValid() {
		return fmt.Errorf("wgpu: synchronize stream: %w", graphcore.ErrInvalidHandle)
	}
	st.wg.Wait()
	st.mu.Lock()
	err := st.err
	st.err = nil
	st.mu.Unlock()
	return err
}

// replay executes snapshot nodes sequentially. Creation order respects
// recorded dependencies, and every operation completes before the next one
// starts, so no finer synchronization is needed.
func (d *Driver) replay(nodes []*execNode) error {
	for _, n := range nodes {
		d.mu.Lock()
		enabled := n.enabled
		kind := n.kind
		memset := n.memset
		memcpy := n.memcpy
		child := n.child
		d.mu.Unlock()
		if !enabled {
			continue
		}

		switch kind {
		case nodeEmpty, nodeKernel:
			// Only the no-op kernel loads on this substrate.

		case nodeMemset:
			if err := d.execMemset(memset); err != nil {
				return err
			}

		case nodeMemcpy:
			if err := d.execMemcpy(memcpy); err != nil {
				return err
			}

		case nodeChild:
			if err := d.replay(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) execMemset(p graphcore.MemsetNodeParams) error {
	elem := uint64(p.Pattern.ElementSize())
	switch elem {
	case 1, 2, 4:
	default:
		return fmt.Errorf("wgpu: memset element size %d", elem)
	}
	var pat [4]byte
	binary.LittleEndian.PutUint32(pat[:], p.Pattern.Value())
	fill := make([]byte, p.NumElements*elem)
	for i := uint64(0); i < p.NumElements; i++ {
		copy(fill[i*elem:(i+1)*elem], pat[:elem])
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferFor(p.Dst, uint64(len(fill)))
	if err != nil {
		return err
	}
	d.queue.WriteBuffer(buf, 0, fill)
	return nil
}

func (d *Driver) execMemcpy(p graphcore.MemcpyNodeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, err := d.bufferFor(p.Src, p.Size)
	if err != nil {
		return err
	}
	dst, err := d.bufferFor(p.Dst, p.Size)
	if err != nil {
		return err
	}
	return d.copyBufferLocked(src, dst, p.Size)
}

// addNodeLocked attaches a node to a graph. Caller holds d.mu.
func (d *Driver) addNodeLocked(graph graphcore.GraphHandle, n *nodeState, deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
	g, ok := d.graphs[graph.Slot]
	if !ok || !graph.IsValid() {
		return graphcore.NodeHandle{}, fmt.Errorf("wgpu: add node: %w", graphcore.ErrInvalidHandle)
	}
	for _, dep := range deps {
		if _, ok := d.nodes[dep.Slot]; !ok {
			return graphcore.NodeHandle{}, fmt.Errorf("wgpu: node dependency: %w", graphcore.ErrInvalidHandle)
		}
	}
	slot := d.mint()
	d.nodes[slot] = n
	h := graphcore.NodeHandle{Slot: slot, Gen: 1}
	g.nodes = append(g.nodes, h)
	return h, nil
}

// CreateEmptyNode adds a node with no payload.
func (d *Driver) CreateEmptyNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(graph, &nodeState{kind: nodeEmpty}, deps)
}

// CreateKernelNode adds a kernel launch node. Only the no-op kernel exists
// on this substrate, so the node carries no parameters.
func (d *Driver) CreateKernelNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, p graphcore.KernelNodeParams) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !p.Kernel.IsValid() {
		return graphcore.NodeHandle{}, fmt.Errorf("wgpu: kernel node: %w", graphcore.ErrInvalidHandle)
	}
	return d.addNodeLocked(graph, &nodeState{kind: nodeKernel}, deps)
}

// UpdateKernelNode patches a kernel node inside an executable.
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
	return nil
}

// CreateMemsetNode adds a fill node.
func (d *Driver) CreateMemsetNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, p graphcore.MemsetNodeParams) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addNodeLocked(graph, &nodeState{kind: nodeMemset, memset: p}, deps)
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
	return d.addNodeLocked(graph, &nodeState{kind: nodeMemcpy, memcpy: p}, deps)
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

// CreateChildNode adds a node that replays another graph in place.
func (d *Driver) CreateChildNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, child graphcore.GraphHandle) (graphcore.NodeHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.graphs[child.Slot]; !ok || !child.IsValid() {
		return graphcore.NodeHandle{}, fmt.Errorf("wgpu: child node: %w", graphcore.ErrInvalidHandle)
	}
	return d.addNodeLocked(graph, &nodeState{kind: nodeChild, child: child}, deps)
}

// UpdateChildNode re-snapshots the child graph into the executable.
func (d *Driver) UpdateChildNode(exec graphcore.ExecHandle, node graphcore.NodeHandle, child graphcore.GraphHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex, ok := d.execs[exec.Slot]
	if !ok || !exec.IsValid() {
		return fmt.Errorf("wgpu: update node: %w", graphcore.ErrInvalidHandle)
	}
	n, ok := ex.byNode[node]
	if !ok {
		return fmt.Errorf("wgpu: update node: %w", graphcore.ErrInvalidHandle)
	}
	if n.kind != nodeChild {
		return graphcore.ErrWrongNodeKind
	}
	snap, err := d.snapshotLocked(child, ex)
	if err != nil {
		return err
	}
	n.child = snap
	return nil
}

// CreateConditionalHandle is unsupported: WebGPU has no device-side
// condition primitive.
func (d *Driver) CreateConditionalHandle(graph graphcore.GraphHandle) (graphcore.ConditionalHandle, error) {
	return graphcore.ConditionalHandle{}, graphcore.ErrConditionalsUnsupported
}

// CreateConditionalNode is unsupported: WebGPU has no device-side
// condition primitive.
func (d *Driver) CreateConditionalNode(graph graphcore.GraphHandle, deps []graphcore.NodeHandle, typ graphcore.ConditionType, handle graphcore.ConditionalHandle) (graphcore.ConditionalNode, error) {
	return graphcore.ConditionalNode{}, graphcore.ErrConditionalsUnsupported
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

// NodeCount returns the number of nodes in a graph.
func (d *Driver) NodeCount(graph graphcore.GraphHandle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.graphs[graph.Slot]
	if !ok || !graph.IsValid() {
		return 0, fmt.Errorf("wgpu: node count: %w", graphcore.ErrInvalidHandle)
	}
	return len(g.nodes), nil
}

func (d *Driver) execNodeLocked(exec graphcore.ExecHandle, node graphcore.NodeHandle) (*execNode, error) {
	ex, ok := d.execs[exec.Slot]
	if !ok || !exec.IsValid() {
		return nil, fmt.Errorf("wgpu: update node: %w", graphcore.ErrInvalidHandle)
	}
	n, ok := ex.byNode[node]
	if !ok {
		return nil, fmt.Errorf("wgpu: update node: %w", graphcore.ErrInvalidHandle)
	}
	return n, nil
}
