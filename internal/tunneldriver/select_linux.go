//go:build linux

package tunneldriver

func selectBackend(forceUserspace bool) backend {
	if forceUserspace {
		return backendUserspace
	}
	return backendKernel
}
