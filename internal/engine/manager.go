package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/config"
	"github.com/tiagoflino/capi/internal/hardware"
	"github.com/tiagoflino/capi/internal/logging"
	"github.com/tiagoflino/capi/internal/registry"
	"github.com/tiagoflino/capi/internal/resource"
)

// deviceOrder is the auto-pick fallthrough order (spec §4.7).
var deviceOrder = []hardware.DeviceKind{hardware.KindNPU, hardware.KindGPU, hardware.KindCPU}

// loadFuture lets concurrent ensure_loaded callers for the same model share
// a single in-flight load (spec §4.7: "concurrent callers share a single
// load future").
type loadFuture struct {
	done   chan struct{}
	worker *Worker
	err    error
}

// workerKey identifies one loaded pipeline: a model may hold both a
// completion-kind and an embedding-kind pipeline loaded at once, each its
// own worker (spec §9: PipelineKind is selected by model capability, not a
// process-wide choice).
type workerKey struct {
	modelID string
	kind    PipelineKind
}

// Manager is the EngineManager: owns the fleet of InferenceWorkers keyed
// by model id (spec §4.7).
type Manager struct {
	backend  Backend
	probe    *hardware.Probe
	admitter *resource.Admitter
	registry *registry.Manager
	log      logging.Logger
	mode     config.ResourceMode

	idleTimeout time.Duration

	mu      sync.Mutex
	workers map[workerKey]*Worker
	loading map[workerKey]*loadFuture

	quit chan struct{}
	once sync.Once

	// bg supervises the manager's background goroutines (idle eviction,
	// and any future telemetry sampling loop) the way the teacher's
	// installer/loader goroutines are supervised, so a panic or error in
	// one surfaces instead of vanishing silently.
	bg *errgroup.Group
}

func NewManager(backend Backend, probe *hardware.Probe, admitter *resource.Admitter, reg *registry.Manager, log logging.Logger, mode config.ResourceMode, idleTimeout time.Duration) *Manager {
	m := &Manager{
		backend:     backend,
		probe:       probe,
		admitter:    admitter,
		registry:    reg,
		log:         log,
		mode:        mode,
		idleTimeout: idleTimeout,
		workers:     make(map[workerKey]*Worker),
		loading:     make(map[workerKey]*loadFuture),
		quit:        make(chan struct{}),
		bg:          &errgroup.Group{},
	}
	if idleTimeout > 0 {
		m.bg.Go(func() error {
			m.evictIdle()
			return nil
		})
	}
	return m
}

// EnsureLoaded implements ensure_loaded(model_id, device_preference) (spec
// §4.7): idempotent, resolves a device, admits the load, and opens the
// backend's completion-kind pipeline on first use.
func (m *Manager) EnsureLoaded(ctx context.Context, modelID string, pref config.DevicePreference) (*Worker, error) {
	return m.ensureLoaded(ctx, modelID, pref, KindCompletion)
}

// EnsureEmbeddingLoaded implements ensure_loaded for the embedding-kind
// pipeline (spec §4.5/§9): /v1/embeddings routes here instead of through
// EnsureLoaded, so a model can hold a completion and an embedding worker
// loaded side by side, each admitted and evicted independently.
func (m *Manager) EnsureEmbeddingLoaded(ctx context.Context, modelID string, pref config.DevicePreference) (*Worker, error) {
	return m.ensureLoaded(ctx, modelID, pref, KindEmbedding)
}

func (m *Manager) ensureLoaded(ctx context.Context, modelID string, pref config.DevicePreference, kind PipelineKind) (*Worker, error) {
	key := workerKey{modelID: modelID, kind: kind}

	m.mu.Lock()
	if w, ok := m.workers[key]; ok {
		m.mu.Unlock()
		return w, nil
	}
	if f, ok := m.loading[key]; ok {
		m.mu.Unlock()
		<-f.done
		return f.worker, f.err
	}

	f := &loadFuture{done: make(chan struct{})}
	m.loading[key] = f
	m.mu.Unlock()

	worker, err := m.load(ctx, modelID, pref, kind)

	m.mu.Lock()
	delete(m.loading, key)
	if err == nil {
		m.workers[key] = worker
	}
	m.mu.Unlock()

	f.worker, f.err = worker, err
	close(f.done)
	return worker, err
}

func (m *Manager) load(ctx context.Context, modelID string, pref config.DevicePreference, kind PipelineKind) (*Worker, error) {
	desc, err := m.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	device, _, err := m.resolveDevice(desc, pref)
	if err != nil {
		return nil, err
	}

	pipeline, err := m.backend.Open(ctx, desc.LocalPath, device.Name, kind)
	if err != nil {
		return nil, &apperr.BackendLoadFailed{Underlying: err}
	}

	w := NewWorker(modelID, device.Name, m.backend, pipeline, m.log)
	return w, nil
}

// resolveDevice picks the device to load onto. An explicit preference
// must succeed or fail outright; auto picks npu > gpu > cpu, trying every
// available device of a kind before falling through to the next kind
// (spec §4.7).
func (m *Manager) resolveDevice(desc registry.Descriptor, pref config.DevicePreference) (hardware.Device, resource.RequiredMemory, error) {
	req := resource.RequiredMemory{RAM: desc.EstimatedMemoryBytes, VRAM: desc.EstimatedMemoryBytes}

	kinds := deviceOrder
	if pref != config.DeviceAuto {
		kinds = []hardware.DeviceKind{prefToKind(pref)}
	}

	var lastErr error
	for _, kind := range kinds {
		for _, d := range m.probe.Enumerate() {
			if d.Kind != kind || !d.Available {
				continue
			}
			if !supportsDevice(desc, d) {
				continue
			}
			decision, err := m.admitter.Admit(d.Name, kind, req, m.mode)
			if err != nil {
				lastErr = err
				continue
			}
			if decision.Warning != "" {
				m.log.Warnf("admission for %s on %s: %s", desc.ID, d.Name, decision.Warning)
			}
			return d, req, nil
		}
	}
	if lastErr != nil {
		return hardware.Device{}, resource.RequiredMemory{}, lastErr
	}
	return hardware.Device{}, resource.RequiredMemory{}, &apperr.DeviceUnavailable{Requested: string(pref)}
}

func supportsDevice(desc registry.Descriptor, d hardware.Device) bool {
	if len(desc.SupportedDevices) == 0 {
		return true
	}
	for _, s := range desc.SupportedDevices {
		if s == string(d.Kind) || s == d.Name {
			return true
		}
	}
	return false
}

func prefToKind(pref config.DevicePreference) hardware.DeviceKind {
	switch pref {
	case config.DeviceCPU:
		return hardware.KindCPU
	case config.DeviceGPU:
		return hardware.KindGPU
	case config.DeviceNPU:
		return hardware.KindNPU
	default:
		return hardware.KindCPU
	}
}

// Generate implements generate(model_id, job) (spec §4.7): loads the
// model first if necessary, then forwards the job to its worker.
func (m *Manager) Generate(ctx context.Context, modelID string, pref config.DevicePreference, job *Job) error {
	w, err := m.EnsureLoaded(ctx, modelID, pref)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&w.lastActiveUnixNano, time.Now().UnixNano())
	return w.Submit(job)
}

// Unload implements unload(model_id) (spec §4.7): unloads every pipeline
// kind held for modelID (a model may have both a completion and an
// embedding worker loaded).
func (m *Manager) Unload(modelID string) error {
	m.mu.Lock()
	var workers []*Worker
	for key, w := range m.workers {
		if key.modelID == modelID {
			workers = append(workers, w)
			delete(m.workers, key)
		}
	}
	m.mu.Unlock()
	if len(workers) == 0 {
		return &apperr.ModelNotFound{Model: modelID}
	}
	for _, w := range workers {
		if err := w.Unload(); err != nil {
			return err
		}
	}
	return nil
}

// LoadedModel describes one entry of list_loaded() (spec §4.7).
type LoadedModel struct {
	ModelID string
	Kind    PipelineKind
	Device  string
	State   State
}

// ListLoaded implements list_loaded() (spec §4.7).
func (m *Manager) ListLoaded() []LoadedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadedModel, 0, len(m.workers))
	for key, w := range m.workers {
		out = append(out, LoadedModel{ModelID: key.modelID, Kind: key.kind, Device: w.Device, State: w.State()})
	}
	return out
}

// Shutdown stops background goroutines and unloads every worker, used at
// process shutdown.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.quit) })
	if err := m.bg.Wait(); err != nil {
		m.log.WithError(err).Warn("engine manager: background goroutine returned an error")
	}

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for key, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, key)
	}
	m.mu.Unlock()
	for _, w := range workers {
		if err := w.Unload(); err != nil {
			m.log.WithError(err).Warnf("shutdown: unloading %s", w.ModelID)
		}
	}
}

// evictIdle unloads workers with no activity for idleTimeout, when
// configured (spec §4.7: "Optional idle_eviction"; off by default).
func (m *Manager) evictIdle() {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var stale []workerKey
			for key, w := range m.workers {
				last := time.Unix(0, atomic.LoadInt64(&w.lastActiveUnixNano))
				if w.State() == StateReady && now.Sub(last) >= m.idleTimeout {
					stale = append(stale, key)
				}
			}
			m.mu.Unlock()
			for _, key := range stale {
				m.log.Infof("evicting idle model %s (%s)", key.modelID, key.kind)
				m.mu.Lock()
				w, ok := m.workers[key]
				if ok {
					delete(m.workers, key)
				}
				m.mu.Unlock()
				if !ok {
					continue
				}
				if err := w.Unload(); err != nil {
					m.log.WithError(err).Warnf("idle eviction of %s (%s) failed", key.modelID, key.kind)
				}
			}
		case <-m.quit:
			return
		}
	}
}
