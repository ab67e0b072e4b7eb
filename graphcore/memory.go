package graphcore

// DeviceMemory describes a region of device-resident memory. It is a plain
// descriptor (base address and size in bytes); allocation and residency are
// the driver's concern. The zero value is a null region.
type DeviceMemory struct {
	addr uint64
	size uint64
}

// NewDeviceMemory constructs a descriptor for a region at addr spanning
// size bytes. Drivers call this when allocating; callers normally receive
// descriptors rather than building them.
func NewDeviceMemory(addr, size uint64) DeviceMemory {
	return DeviceMemory{addr: addr, size: size}
}

// Addr returns the device base address of the region.
func (m DeviceMemory) Addr() uint64 { return m.addr }

// Size returns the region size in bytes.
func (m DeviceMemory) Size() uint64 { return m.size }

// IsNull reports whether the descriptor refers to no memory.
func (m DeviceMemory) IsNull() bool { return m.addr == 0 && m.size == 0 }

// ThreadDim specifies threads per block in three dimensions.
type ThreadDim struct {
	X, Y, Z uint64
}

// BlockDim specifies blocks per grid in three dimensions.
type BlockDim struct {
	X, Y, Z uint64
}

// SingleThread is the 1x1x1 thread dimension used by auxiliary kernels.
func SingleThread() ThreadDim { return ThreadDim{X: 1, Y: 1, Z: 1} }

// SingleBlock is the 1x1x1 block dimension used by auxiliary kernels.
func SingleBlock() BlockDim { return BlockDim{X: 1, Y: 1, Z: 1} }

// BitPattern is a fill pattern for memset nodes: a value of 1, 2 or 4 bytes
// repeated across the destination.
type BitPattern struct {
	value    uint32
	elemSize uint32
}

// BitPattern8 returns a 1-byte fill pattern.
func BitPattern8(v uint8) BitPattern { return BitPattern{value: uint32(v), elemSize: 1} }

// BitPattern16 returns a 2-byte fill pattern.
func BitPattern16(v uint16) BitPattern { return BitPattern{value: uint32(v), elemSize: 2} }

// BitPattern32 returns a 4-byte fill pattern.
func BitPattern32(v uint32) BitPattern { return BitPattern{value: v, elemSize: 4} }

// Value returns the pattern value in the low ElementSize bytes.
func (p BitPattern) Value() uint32 { return p.value }

// ElementSize returns the pattern element size in bytes (1, 2 or 4).
func (p BitPattern) ElementSize() uint32 { return p.elemSize }
