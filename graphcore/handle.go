package graphcore

// Handles are arena-indexed identifiers issued by a Driver. The slot indexes
// the driver's internal arena; the generation guards against stale handles
// after a slot is recycled. The zero value is never issued and reports
// invalid.

// GraphHandle identifies a mutable execution graph owned by a driver.
type GraphHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h GraphHandle) IsValid() bool { return h.Gen != 0 }

// ExecHandle identifies an instantiated, submittable executable.
type ExecHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h ExecHandle) IsValid() bool { return h.Gen != 0 }

// NodeHandle identifies one node inside a graph. Node handles remain valid
// for the lifetime of the owning graph and are used to address the
// corresponding node in an instantiated executable during updates.
type NodeHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h NodeHandle) IsValid() bool { return h.Gen != 0 }

// ConditionalHandle identifies device-visible condition state gating a
// conditional node. Its value is written by condition-setter kernels on the
// device and read by the graph runtime when it reaches the conditional node.
type ConditionalHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h ConditionalHandle) IsValid() bool { return h.Gen != 0 }

// KernelHandle identifies a loaded kernel.
type KernelHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h KernelHandle) IsValid() bool { return h.Gen != 0 }

// StreamHandle identifies an asynchronous submission stream.
type StreamHandle struct {
	Slot uint32
	Gen  uint32
}

// IsValid reports whether the handle was issued by a driver.
func (h StreamHandle) IsValid() bool { return h.Gen != 0 }
