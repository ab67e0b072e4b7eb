package graphexec

import "github.com/gogpu/graphexec/graphcore"

// Kernel is an opaque launchable loaded through the executor's driver.
// Kernels are cached per executor; two LoadKernel calls for one name return
// the same instance.
type Kernel struct {
	name   string
	handle graphcore.KernelHandle
}

// Name returns the name the kernel was loaded under.
func (k *Kernel) Name() string { return k.name }

// Handle returns the driver handle of the loaded kernel.
func (k *Kernel) Handle() graphcore.KernelHandle { return k.handle }

// Auxiliary kernel accessors. Loaded lazily on first use and cached; the
// control-flow operators call these on every construct.

func (e *Executor) setIfConditionKernel() (*Kernel, error) {
	return e.LoadKernel(graphcore.KernelSetIfCondition)
}

func (e *Executor) setIfElseConditionKernel() (*Kernel, error) {
	return e.LoadKernel(graphcore.KernelSetIfElseCondition)
}

func (e *Executor) setCaseConditionKernel() (*Kernel, error) {
	return e.LoadKernel(graphcore.KernelSetCaseCondition)
}

func (e *Executor) setForConditionKernel() (*Kernel, error) {
	return e.LoadKernel(graphcore.KernelSetForCondition)
}

func (e *Executor) setWhileConditionKernel() (*Kernel, error) {
	return e.LoadKernel(graphcore.KernelSetWhileCondition)
}
