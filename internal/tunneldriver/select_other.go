//go:build !linux && !openbsd

package tunneldriver

// Every other platform gets the userspace backend; ForceUserspace is
// already the steady state so it has nothing to override.
func selectBackend(_ bool) backend {
	return backendUserspace
}
