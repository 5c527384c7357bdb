//go:build !windows

package device

// Born only ships its WebGPU backend on Windows.
func acceleratorAvailable() bool {
	return false
}
