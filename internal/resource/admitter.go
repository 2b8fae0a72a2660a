// Package resource implements ResourceAdmitter (spec §4.2): the
// strict/loose admission decision that gates a model load against finite
// device memory. RequiredMemory mirrors the teacher's
// inference.RequiredMemory{RAM, VRAM} type (pkg/inference/backend.go).
package resource

import (
	"fmt"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/hardware"
)

// safetyFactor inflates the estimated memory need to account for runtime
// overhead beyond raw weights (spec §4.2).
const safetyFactor = 1.15

// RequiredMemory is the memory an admission decision is made against.
type RequiredMemory struct {
	RAM  uint64
	VRAM uint64
}

// Admitter decides whether a model load should proceed.
type Admitter struct {
	probe *hardware.Probe
}

// New creates an Admitter backed by the given HardwareProbe.
func New(probe *hardware.Probe) *Admitter {
	return &Admitter{probe: probe}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Warning  string
	Need     uint64
	Available uint64
}

// deviceMemoryKey returns the required-memory figure to admit against for
// the given device kind: RAM for a CPU, otherwise VRAM (RAM when VRAM is 0).
func deviceMemoryKey(deviceName string, kind hardware.DeviceKind, req RequiredMemory) uint64 {
	if kind == hardware.KindCPU {
		return req.RAM
	}
	if req.VRAM > 0 {
		return req.VRAM
	}
	return req.RAM
}

// Admit implements the admit() operation (spec §4.2). deviceName identifies
// the chosen device (e.g. "cpu", or a GPU name from HardwareProbe.Enumerate);
// kind disambiguates which RequiredMemory field applies.
func (a *Admitter) Admit(deviceName string, kind hardware.DeviceKind, req RequiredMemory, mode config.ResourceMode) (Decision, error) {
	total, available, ok := a.probe.AvailableFor(deviceName)
	if !ok {
		return Decision{}, &apperr.DeviceUnavailable{Requested: deviceName}
	}

	rawNeed := deviceMemoryKey(deviceName, kind, req)
	need := uint64(float64(rawNeed) * safetyFactor)

	switch mode {
	case config.ModeStrict:
		if need > available {
			return Decision{Need: need, Available: available}, &apperr.InsufficientMemory{
				Need: need, Available: available, Mode: string(mode),
			}
		}
		return Decision{Admitted: true, Need: need, Available: available}, nil
	case config.ModeLoose:
		if need > total {
			return Decision{Need: need, Available: available}, &apperr.InsufficientMemory{
				Need: need, Available: total, Mode: string(mode),
			}
		}
		d := Decision{Admitted: true, Need: need, Available: available}
		if need > available {
			d.Warning = fmt.Sprintf("loose admission: need %d exceeds currently available %d, tolerating via total %d", need, available, total)
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unknown resource mode: %s", mode)
	}
}
