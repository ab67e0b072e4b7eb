package sim

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/graphexec/graphcore"
)

// execState is the immutable snapshot of a graph produced by Instantiate.
// Node parameters are copies; the original graph can be mutated or
// destroyed without affecting it. byNode maps the graph's node handles to
// their snapshot counterparts, across body graphs, so updates and enable
// toggles can address them.
type execState struct {
	root   *execGraph
	byNode map[graphcore.NodeHandle]*execNode
	// Conditional handles scoped to any snapshotted graph, reset to zero
	// at the start of every launch.
	conds []graphcore.ConditionalHandle
}

type execGraph struct {
	nodes []*execNode
}

type execNode struct {
	kind    nodeKind
	deps    []int
	enabled bool

	kernel graphcore.KernelNodeParams
	memset graphcore.MemsetNodeParams
	memcpy graphcore.MemcpyNodeParams
	child  *execGraph

	condType   graphcore.ConditionType
	condHandle graphcore.ConditionalHandle
	body       *execGraph
}

// snapshotGraphLocked copies a graph and its body graphs into exec form.
// Caller holds d.mu.
func (d *Driver) snapshotGraphLocked(graph graphcore.GraphHandle, ex *execState) (*execGraph, error) {
	g, ok := d.graphs.get(graph.Slot, graph.Gen)
	if !ok {
		return nil, fmt.Errorf("sim: instantiate: %w", graphcore.ErrInvalidHandle)
	}
	ex.conds = append(ex.conds, g.conds...)

	index := make(map[graphcore.NodeHandle]int, len(g.nodes))
	eg := &execGraph{nodes: make([]*execNode, 0, len(g.nodes))}
	for i, nh := range g.nodes {
		n, ok := d.nodes.get(nh.Slot, nh.Gen)
		if !ok {
			return nil, fmt.Errorf("sim: instantiate node: %w", graphcore.ErrInvalidHandle)
		}
		en := &execNode{
			kind:       n.kind,
			enabled:    true,
			kernel:     n.kernel,
			memset:     n.memset,
			memcpy:     n.memcpy,
			condType:   n.condType,
			condHandle: n.condHandle,
		}
		for _, dep := range n.deps {
			di, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("sim: instantiate: dependency outside graph: %w", graphcore.ErrInvalidHandle)
			}
			en.deps = append(en.deps, di)
		}
		if n.kind == nodeChild {
			child, err := d.snapshotGraphLocked(n.child, ex)
			if err != nil {
				return nil, err
			}
			en.child = child
		}
		if n.kind == nodeConditional {
			body, err := d.snapshotGraphLocked(n.body, ex)
			if err != nil {
				return nil, err
			}
			en.body = body
		}
		index[nh] = i
		eg.nodes = append(eg.nodes, en)
		ex.byNode[nh] = en
	}
	return eg, nil
}

// runExec performs one execution of the snapshot: condition state is
// cleared, then the root graph runs to completion.
func (d *Driver) runExec(ex *execState) error {
	for _, h := range ex.conds {
		if err := d.setCond(h, 0); err != nil {
			return err
		}
	}
	return d.runGraph(ex.root)
}

// runGraph executes the graph in dependency waves: every node whose
// dependencies have completed runs concurrently with the rest of its wave.
func (d *Driver) runGraph(g *execGraph) error {
	n := len(g.nodes)
	if n == 0 {
		return nil
	}
	indeg := make([]int, n)
	succ := make([][]int, n)
	for i, en := range g.nodes {
		indeg[i] = len(en.deps)
		for _, dep := range en.deps {
			succ[dep] = append(succ[dep], i)
		}
	}

	var wave []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			wave = append(wave, i)
		}
	}

	done := 0
	for len(wave) > 0 {
		var eg errgroup.Group
		for _, i := range wave {
			node := g.nodes[i]
			eg.Go(func() error {
				return d.runNode(node)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		done += len(wave)

		var next []int
		for _, i := range wave {
			for _, s := range succ[i] {
				indeg[s]--
				if indeg[s] == 0 {
					next = append(next, s)
				}
			}
		}
		wave = next
	}
	if done != n {
		return fmt.Errorf("sim: graph has a dependency cycle")
	}
	return nil
}

func (d *Driver) runNode(n *execNode) error {
	d.mu.Lock()
	enabled := n.enabled
	kind := n.kind
	kernel := n.kernel
	memset := n.memset
	memcpy := n.memcpy
	child := n.child
	condType := n.condType
	condHandle := n.condHandle
	body := n.body
	d.mu.Unlock()

	if !enabled {
		return nil
	}
	switch kind {
	case nodeEmpty:
		return nil

	case nodeKernel:
		d.mu.Lock()
		fn, ok := d.kernels.get(kernel.Kernel.Slot, kernel.Kernel.Gen)
		d.mu.Unlock()
		if !ok {
			return fmt.Errorf("sim: launch kernel: %w", graphcore.ErrInvalidHandle)
		}
		return fn(d, kernel)

	case nodeMemset:
		return d.execMemset(memset)

	case nodeMemcpy:
		return d.execMemcpy(memcpy)

	case nodeChild:
		return d.runGraph(child)

	case nodeConditional:
		switch condType {
		case graphcore.ConditionIf:
			v, err := d.condValue(condHandle)
			if err != nil {
				return err
			}
			if v != 0 {
				return d.runGraph(body)
			}
			return nil

		case graphcore.ConditionWhile:
			for iter := 0; ; iter++ {
				v, err := d.condValue(condHandle)
				if err != nil {
					return err
				}
				if v == 0 {
					return nil
				}
				if iter >= d.maxLoopIterations {
					return fmt.Errorf("sim: loop did not terminate after %d iterations", d.maxLoopIterations)
				}
				if err := d.runGraph(body); err != nil {
					return err
				}
			}
		}
		return fmt.Errorf("sim: unknown condition type %d", condType)
	}
	return fmt.Errorf("sim: unknown node kind %d", kind)
}

func (d *Driver) execMemset(p graphcore.MemsetNodeParams) error {
	elem := uint64(p.Pattern.ElementSize())
	switch elem {
	case 1, 2, 4:
	default:
		return fmt.Errorf("sim: memset element size %d", elem)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.region(p.Dst, p.NumElements*elem)
	if err != nil {
		return err
	}
	var pat [4]byte
	binary.LittleEndian.PutUint32(pat[:], p.Pattern.Value())
	for i := uint64(0); i < p.NumElements; i++ {
		copy(b[i*elem:(i+1)*elem], pat[:elem])
	}
	return nil
}

func (d *Driver) execMemcpy(p graphcore.MemcpyNodeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, err := d.region(p.Src, p.Size)
	if err != nil {
		return err
	}
	dst, err := d.region(p.Dst, p.Size)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
