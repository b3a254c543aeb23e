// Package device implements the device manager and the per-device
// worker state machine that owns one outbound connection to a
// monitoring agent.
package device

import (
	"sort"
	"sync"

	"github.com/anpopa/tkmcollector/internal/metrics"
	"github.com/anpopa/tkmcollector/internal/model"
)

// Manager is the content-addressed set of device workers keyed by
// hash. It is the only structure shared across workers in the system;
// every mutation is serialised under a single lock and iteration works
// from a snapshot, so mutation during traversal is safe.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{workers: make(map[string]*Worker)}
}

// Add registers w under its device hash. It is a no-op if the hash
// already exists, per the specification's Add idempotence.
func (m *Manager) Add(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[w.Hash()]; exists {
		return
	}
	m.workers[w.Hash()] = w
	m.refreshMetricsLocked()
}

// Remove disconnects and discards the worker for hash, if any.
func (m *Manager) Remove(hash string) {
	m.mu.Lock()
	w, exists := m.workers[hash]
	if exists {
		delete(m.workers, hash)
	}
	m.refreshMetricsLocked()
	m.mu.Unlock()

	if exists {
		w.Disconnect()
	}
}

// Get returns the worker for hash, or nil if none is registered.
func (m *Manager) Get(hash string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[hash]
}

// Snapshot returns every currently registered worker, safe to iterate
// even if the manager is mutated concurrently.
func (m *Manager) Snapshot() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash() < out[j].Hash() })
	return out
}

func (m *Manager) refreshMetricsLocked() {
	counts := map[string]int{}
	for _, w := range m.workers {
		counts[w.State().String()]++
	}
	for _, s := range []model.DeviceState{
		model.StateLoaded, model.StateConnected, model.StateSessionSet,
		model.StateCollecting, model.StateIdle, model.StateDisconnected, model.StateReconnecting,
	} {
		metrics.DevicesTotal.WithLabelValues(s.String()).Set(float64(counts[s.String()]))
	}
}
