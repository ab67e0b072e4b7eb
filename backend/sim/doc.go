// Package sim implements an in-process simulated graph driver.
//
// The simulator backs device memory with host memory, runs kernels as Go
// functions and executes graphs on goroutines, which makes it the
// reference substrate for tests and for development on machines without a
// usable GPU. It implements the complete graphcore.Driver surface,
// including conditional nodes, so control-flow constructs run end to end.
//
// The driver registers under the name "sim":
//
//	import _ "github.com/gogpu/graphexec/backend/sim"
//
//	exec, err := graphexec.Open("sim")
//
// Beyond the auxiliary kernels every driver ships, tests can register
// their own kernels with [Driver.RegisterKernel] and observe their effects
// through device memory.
package sim
