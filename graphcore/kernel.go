package graphcore

import "fmt"

// Names of the auxiliary kernels every driver must be able to load. The
// condition setters write ConditionalHandle values from device-resident
// predicates, indices and loop counters; NoOp exists so barriers can be
// expressed as kernel nodes where empty nodes are not available.
const (
	KernelNoOp               = "noop"
	KernelSetIfCondition     = "set_if_condition"
	KernelSetIfElseCondition = "set_if_else_condition"
	KernelSetCaseCondition   = "set_case_condition"
	KernelSetForCondition    = "set_for_condition"
	KernelSetWhileCondition  = "set_while_condition"
)

// MaxCaseBranches is the fixed arity of the case condition setter: the
// kernel takes exactly eight conditional handles, so a case construct can
// gate at most eight branches.
const MaxCaseBranches = 8

// KernelArg is one packed kernel argument. Accepted dynamic types are
// DeviceMemory, ConditionalHandle, int32, uint32 and bool; PackArgs
// validates them. Drivers resolve arguments by position at launch.
type KernelArg = any

// KernelArgs is an argument list for a kernel launch, already in packed
// (positional) form.
type KernelArgs struct {
	args []KernelArg
}

// PackArgs packs the given arguments, validating each against the accepted
// argument types. This is the generic packing path; for small fixed
// signatures prefer PackedArgs, which skips validation.
func PackArgs(args ...KernelArg) (KernelArgs, error) {
	for i, a := range args {
		switch a.(type) {
		case DeviceMemory, ConditionalHandle, int32, uint32, bool:
		default:
			return KernelArgs{}, fmt.Errorf("graphcore: argument %d has unsupported type %T", i, a)
		}
	}
	return KernelArgs{args: args}, nil
}

// PackedArgs wraps an argument list that is known to contain only accepted
// types, the fast path for fixed auxiliary-kernel signatures.
func PackedArgs(args ...KernelArg) KernelArgs {
	return KernelArgs{args: args}
}

// Len returns the number of packed arguments.
func (a KernelArgs) Len() int { return len(a.args) }

// Args returns the packed arguments in positional order.
func (a KernelArgs) Args() []KernelArg { return a.args }
