// Package device resolves which compute backend a run uses.
//
// The policy is parsed from configuration and resolved exactly once at
// startup; nothing downstream queries accelerator availability again.
package device

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ErrUnavailable is returned when an explicitly requested accelerator is missing.
var ErrUnavailable = errors.New("device unavailable")

// Policy is the user's device preference.
type Policy int

// Device policies.
const (
	Auto   Policy = iota // Accelerator if present, CPU otherwise
	CPU                  // Always CPU
	WebGPU               // WebGPU or fail
)

func (p Policy) String() string {
	switch p {
	case Auto:
		return "auto"
	case CPU:
		return "cpu"
	case WebGPU:
		return "webgpu"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "cpu":
		return CPU, nil
	case "webgpu", "gpu":
		return WebGPU, nil
	default:
		return Auto, errors.Errorf("unknown device policy %q (want auto, cpu or webgpu)", s)
	}
}

// Kind is a resolved device.
type Kind int

// Resolved devices.
const (
	KindCPU Kind = iota
	KindWebGPU
)

func (k Kind) String() string {
	if k == KindWebGPU {
		return "webgpu"
	}
	return "cpu"
}

// Resolve turns a policy into a concrete device.
func Resolve(p Policy) (Kind, error) {
	return resolve(p, acceleratorAvailable)
}

func resolve(p Policy, probe func() bool) (Kind, error) {
	switch p {
	case CPU:
		return KindCPU, nil
	case WebGPU:
		if !probe() {
			return KindCPU, errors.Wrap(ErrUnavailable, "webgpu requested but no compatible adapter found")
		}
		return KindWebGPU, nil
	case Auto:
		if probe() {
			return KindWebGPU, nil
		}
		return KindCPU, nil
	default:
		return KindCPU, errors.Errorf("unknown device policy %d", int(p))
	}
}

// Host describes the general-purpose processor the CPU backend runs on.
type Host struct {
	Brand        string
	LogicalCores int
	Features     []string
}

// HostInfo reports the local CPU.
func HostInfo() Host {
	return Host{
		Brand:        cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		Features:     simdFeatures(),
	}
}

func simdFeatures() []string {
	var out []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			out = append(out, f.String())
		}
	}
	return out
}
