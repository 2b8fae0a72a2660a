// Package hardware implements HardwareProbe (spec §4.1): device enumeration
// and cheap telemeriy sampling for the ResourceAdmitter and the HTTP status
// endpoint. Device enumeration is grounded on github.com/jaypipes/ghw (GPU/
// CPU topology) and host memory sampling on github.com/elastic/go-sysinfo,
// both direct dependencies of the teacher repo.
package hardware

import (
	"sync"
	"sync/atomic"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/tiagoflino/capi/internal/logging"
)

// DeviceKind enumerates the hardware classes a model can be loaded onto.
type DeviceKind string

const (
	KindCPU DeviceKind = "cpu"
	KindGPU DeviceKind = "gpu"
	KindNPU DeviceKind = "npu"
)

// Device describes one piece of hardware capable of hosting a pipeline
// (spec §3).
type Device struct {
	Name                 string
	Kind                 DeviceKind
	Available            bool
	TotalMemoryBytes     uint64
	AvailableMemoryBytes uint64
	FreqMHz              *uint64
	MaxFreqMHz           *uint64
}

// Sample is a cheap, frequently-polled telemetry snapshot (spec §4.1).
type Sample struct {
	PerDevice    map[string]DeviceUsage
	HostRAMAvail uint64
}

// DeviceUsage is the per-device portion of a Sample.
type DeviceUsage struct {
	AvailableMemoryBytes uint64
	TotalMemoryBytes     uint64
}

// Probe enumerates and samples hardware. enumerate() results are cached and
// refreshable on demand; AvailableFor and Sample never trust that cache for
// memory figures because admission decisions must always see fresh numbers
// (spec §4.1, §4.2) — except on a static probe, which is pinned for tests.
type Probe struct {
	log    logging.Logger
	mu     sync.RWMutex
	cache  []Device
	ready  atomic.Bool
	static bool
}

// New creates a Probe. Enumerate is not called automatically; callers
// should call Enumerate (or Refresh) once at startup.
func New(log logging.Logger) *Probe {
	return &Probe{log: log}
}

// NewStatic returns a Probe pre-seeded with a fixed device list and never
// re-probed, for exercising ResourceAdmitter and EngineManager device
// resolution against known inputs in tests.
func NewStatic(devices []Device) *Probe {
	p := &Probe{cache: append([]Device(nil), devices...), static: true}
	p.ready.Store(true)
	return p
}

// Enumerate returns the cached device list, populating it on first call.
func (p *Probe) Enumerate() []Device {
	if p.ready.Load() {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return append([]Device(nil), p.cache...)
	}
	return p.Refresh()
}

// Refresh re-enumerates devices from scratch and replaces the cache.
func (p *Probe) Refresh() []Device {
	devices := []Device{p.probeCPU()}
	devices = append(devices, p.probeGPUs()...)

	p.mu.Lock()
	p.cache = devices
	p.mu.Unlock()
	p.ready.Store(true)
	return append([]Device(nil), devices...)
}

func (p *Probe) probeCPU() Device {
	d := Device{Name: "cpu", Kind: KindCPU}

	total, available, ok := p.freshHostMemory()
	if !ok {
		return d
	}
	d.Available = true
	d.TotalMemoryBytes = total
	d.AvailableMemoryBytes = available
	return d
}

// freshHostMemory performs a live host memory read, never serving a cached
// value. Shared by probeCPU, Sample, and AvailableFor so every caller that
// needs current CPU memory goes through the same sysinfo path.
func (p *Probe) freshHostMemory() (total, available uint64, ok bool) {
	host, err := sysinfo.Host()
	if err != nil {
		p.log.Warnf("hardware: failed to read host info: %v", err)
		return 0, 0, false
	}
	mem, err := host.Memory()
	if err != nil {
		p.log.Warnf("hardware: failed to read host memory: %v", err)
		return 0, 0, false
	}
	return mem.Total, mem.Available, true
}

func (p *Probe) probeGPUs() []Device {
	info, err := ghw.GPU()
	if err != nil {
		p.log.Warnf("hardware: failed to enumerate GPUs: %v", err)
		return nil
	}

	var devices []Device
	for _, card := range info.GraphicsCards {
		if card == nil || card.DeviceInfo == nil {
			continue
		}
		name := card.DeviceInfo.Product.Name
		if name == "" {
			name = card.Address
		}
		devices = append(devices, Device{
			Name:      name,
			Kind:      KindGPU,
			Available: true,
			// ghw does not reliably expose VRAM across vendors/platforms, so
			// GPU devices are reported with zero total and available memory.
		})
	}
	return devices
}

// Sample takes a cheap, fresh reading suitable for 2s polling (spec §4.1).
// It never serves a cached value for memory fields.
func (p *Probe) Sample() Sample {
	s := Sample{PerDevice: make(map[string]DeviceUsage)}

	total, available, ok := p.freshHostMemory()
	if !ok {
		return s
	}
	s.HostRAMAvail = available
	s.PerDevice["cpu"] = DeviceUsage{AvailableMemoryBytes: available, TotalMemoryBytes: total}
	return s
}

// AvailableFor returns the (total, available) memory for the named device,
// used by ResourceAdmitter. CPU device resolves to host RAM, read fresh on
// every call rather than off the cached topology snapshot, so admission
// decisions never see a stale figure (spec §4.1, §4.2). A static (test)
// probe has no live source to sample and keeps serving its fixed cache.
// GPU devices have no live memory source available (ghw does not expose
// per-call VRAM readings) and continue to serve the cached topology figure.
func (p *Probe) AvailableFor(name string) (total, available uint64, ok bool) {
	for _, d := range p.Enumerate() {
		if d.Name == name || (name == "cpu" && d.Kind == KindCPU) {
			if !d.Available {
				return 0, 0, false
			}
			if d.Kind == KindCPU && !p.static {
				if t, a, fresh := p.freshHostMemory(); fresh {
					return t, a, true
				}
				return 0, 0, false
			}
			return d.TotalMemoryBytes, d.AvailableMemoryBytes, true
		}
	}
	return 0, 0, false
}
