//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

func acceleratorAvailable() bool {
	return webgpu.IsAvailable()
}
