// Package wgpu implements a graph driver on gogpu/wgpu HAL devices.
//
// WebGPU has no device-side execution graph primitive, so the driver keeps
// the graph host-side and replays it on submission: fill and copy nodes
// become queue writes and encoder copies, executed in dependency order.
// Conditional nodes cannot be expressed on this substrate;
// CreateConditionalHandle and CreateConditionalNode return
// graphcore.ErrConditionalsUnsupported, and callers fall back to host-side
// control flow.
//
// The driver registers under the name "wgpu":
//
//	import _ "github.com/gogpu/graphexec/backend/wgpu"
//
//	exec, err := graphexec.Open("wgpu")
//
// Building with the nogpu tag removes the driver; the package then
// registers nothing.
package wgpu

// Name is the registry name of the HAL-backed driver.
const Name = "wgpu"
