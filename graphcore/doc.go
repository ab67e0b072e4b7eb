// Package graphcore defines the vendor-facing contract for execution-graph
// command buffers.
//
// It is a leaf package: opaque resource handles, device memory descriptors,
// kernel launch parameters, and the Driver capability interface that each
// GPU substrate implements. Handle types are generation+slot identifiers
// rather than raw device pointers; they are only ever compared and stored,
// never dereferenced.
//
// Concrete drivers live under backend/ and register themselves by name,
// following the database/sql driver pattern:
//
//	import _ "github.com/gogpu/graphexec/backend/sim"
//
//	drv, err := graphcore.Open("sim")
package graphcore
