// Package graphexec records GPU work into reusable execution-graph command
// buffers.
//
// # Overview
//
// A CommandBuffer captures kernel launches, device-to-device copies, memory
// fills, nested sub-graphs, and structured control flow (If, IfElse, Case,
// For, While) into a vendor execution graph. The buffer is recorded once,
// finalized into an immutable executable, and then submitted to a stream
// any number of times. Parameters of an already-finalized buffer (buffer
// addresses, launch dimensions, predicates) can be patched in place with an
// update pass instead of rebuilding the graph.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/graphexec"
//	    _ "github.com/gogpu/graphexec/backend/sim"
//	)
//
//	exec, _ := graphexec.Open("sim")
//	defer exec.Close()
//
//	cb, _ := exec.NewCommandBuffer()
//	cb.Memset(graphexec.DefaultExecutionScope, dst, graphcore.BitPattern32(0), 16)
//	cb.Barrier(graphexec.DefaultExecutionScope)
//	cb.MemcpyD2D(graphexec.DefaultExecutionScope, dst, src, 64)
//	cb.Finalize()
//
//	stream, _ := exec.NewStream()
//	cb.Submit(stream)
//	stream.Synchronize()
//
// # Architecture
//
// The library is organized into:
//   - Public API: CommandBuffer, Executor, Stream, Kernel
//   - graphcore: opaque handles, device memory, the vendor Driver contract
//   - Backends: backend/sim (in-process simulation), backend/wgpu (hardware
//     via gogpu/wgpu)
//
// # Lifecycle
//
// A command buffer moves Created -> Finalized -> (Updating -> Finalized)*.
// Recording calls are only legal while Created; during an update pass they
// are reinterpreted positionally as patches against the nodes recorded in
// the same order. Structural changes (more operations, different operation
// kinds, different branch counts) are rejected.
//
// # Concurrency
//
// Recording is single-threaded per command buffer. Submission is
// asynchronous: Submit enqueues on a stream and returns; completion is
// observed via Stream.Synchronize. Distinct command buffers may be
// submitted concurrently.
package graphexec

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"
)
