//go:build !linux && !openbsd

package tunneldriver

// newKernelImpl exists only so driver.go's backend switch compiles on
// every platform. selectBackend never returns backendKernel here, so
// this branch is unreachable at runtime.
func newKernelImpl(cfg Config) impl { return newStubImpl(cfg) }
