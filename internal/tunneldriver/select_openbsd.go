//go:build openbsd

package tunneldriver

func selectBackend(forceUserspace bool) backend {
	if forceUserspace {
		return backendUserspace
	}
	return backendKernel
}
