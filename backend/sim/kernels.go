package sim

import (
	"fmt"

	"github.com/gogpu/graphexec/graphcore"
)

// KernelFunc is a simulated kernel: a host function receiving the driver
// and the launch parameters. Arguments are resolved by position from
// p.Args.
type KernelFunc func(d *Driver, p graphcore.KernelNodeParams) error

// builtinKernels returns the auxiliary kernels every driver must provide.
// The condition setters follow fixed positional signatures recorded by the
// control-flow operators.
func builtinKernels() map[string]KernelFunc {
	return map[string]KernelFunc{
		graphcore.KernelNoOp: func(*Driver, graphcore.KernelNodeParams) error {
			return nil
		},
		graphcore.KernelSetIfCondition:     kernelSetIfCondition,
		graphcore.KernelSetIfElseCondition: kernelSetIfElseCondition,
		graphcore.KernelSetCaseCondition:   kernelSetCaseCondition,
		graphcore.KernelSetForCondition:    kernelSetForCondition,
		graphcore.KernelSetWhileCondition:  kernelSetWhileCondition,
	}
}

// set_if_condition(handle, pred): handle <- *pred != 0.
func kernelSetIfCondition(d *Driver, p graphcore.KernelNodeParams) error {
	args := p.Args.Args()
	h, err := argHandle(args, 0)
	if err != nil {
		return err
	}
	pred, err := argMem(args, 1)
	if err != nil {
		return err
	}
	b, err := d.readByte(pred)
	if err != nil {
		return err
	}
	return d.setCond(h, boolCond(b != 0))
}

// set_if_else_condition(then, else, pred): the two handles are written as
// complements of one predicate read.
func kernelSetIfElseCondition(d *Driver, p graphcore.KernelNodeParams) error {
	args := p.Args.Args()
	thenH, err := argHandle(args, 0)
	if err != nil {
		return err
	}
	elseH, err := argHandle(args, 1)
	if err != nil {
		return err
	}
	pred, err := argMem(args, 2)
	if err != nil {
		return err
	}
	b, err := d.readByte(pred)
	if err != nil {
		return err
	}
	if err := d.setCond(thenH, boolCond(b != 0)); err != nil {
		return err
	}
	return d.setCond(elseH, boolCond(b == 0))
}

// set_case_condition(h0..h7, index, num): exactly one of the first num
// handles is set; an out-of-range index selects the last one.
func kernelSetCaseCondition(d *Driver, p graphcore.KernelNodeParams) error {
	args := p.Args.Args()
	var handles [graphcore.MaxCaseBranches]graphcore.ConditionalHandle
	for i := 0; i < graphcore.MaxCaseBranches; i++ {
		h, err := argHandle(args, i)
		if err != nil {
			return err
		}
		handles[i] = h
	}
	index, err := argMem(args, graphcore.MaxCaseBranches)
	if err != nil {
		return err
	}
	num, err := argInt32(args, graphcore.MaxCaseBranches+1)
	if err != nil {
		return err
	}
	if num < 1 || num > graphcore.MaxCaseBranches {
		return fmt.Errorf("sim: set_case_condition with %d branches", num)
	}
	idx, err := d.readInt32(index)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= num {
		idx = num - 1
	}
	for i := int32(0); i < num; i++ {
		if err := d.setCond(handles[i], boolCond(i == idx)); err != nil {
			return err
		}
	}
	return nil
}

// set_for_condition(handle, counter, num): handle <- *counter < num, then
// *counter += 1. Checking before incrementing gives exactly num body
// executions.
func kernelSetForCondition(d *Driver, p graphcore.KernelNodeParams) error {
	args := p.Args.Args()
	h, err := argHandle(args, 0)
	if err != nil {
		return err
	}
	counter, err := argMem(args, 1)
	if err != nil {
		return err
	}
	num, err := argInt32(args, 2)
	if err != nil {
		return err
	}
	c, err := d.readInt32(counter)
	if err != nil {
		return err
	}
	if err := d.setCond(h, boolCond(c < num)); err != nil {
		return err
	}
	return d.writeInt32(counter, c+1)
}

// set_while_condition(handle, pred): handle <- *pred != 0.
func kernelSetWhileCondition(d *Driver, p graphcore.KernelNodeParams) error {
	args := p.Args.Args()
	h, err := argHandle(args, 0)
	if err != nil {
		return err
	}
	pred, err := argMem(args, 1)
	if err != nil {
		return err
	}
	b, err := d.readByte(pred)
	if err != nil {
		return err
	}
	return d.setCond(h, boolCond(b != 0))
}

func boolCond(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func argHandle(args []graphcore.KernelArg, i int) (graphcore.ConditionalHandle, error) {
	if i >= len(args) {
		return graphcore.ConditionalHandle{}, fmt.Errorf("sim: missing kernel argument %d", i)
	}
	h, ok := args[i].(graphcore.ConditionalHandle)
	if !ok {
		return graphcore.ConditionalHandle{}, fmt.Errorf("sim: kernel argument %d is %T, want ConditionalHandle", i, args[i])
	}
	return h, nil
}

func argMem(args []graphcore.KernelArg, i int) (graphcore.DeviceMemory, error) {
	if i >= len(args) {
		return graphcore.DeviceMemory{}, fmt.Errorf("sim: missing kernel argument %d", i)
	}
	m, ok := args[i].(graphcore.DeviceMemory)
	if !ok {
		return graphcore.DeviceMemory{}, fmt.Errorf("sim: kernel argument %d is %T, want DeviceMemory", i, args[i])
	}
	return m, nil
}

func argInt32(args []graphcore.KernelArg, i int) (int32, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("sim: missing kernel argument %d", i)
	}
	v, ok := args[i].(int32)
	if !ok {
		return 0, fmt.Errorf("sim: kernel argument %d is %T, want int32", i, args[i])
	}
	return v, nil
}
