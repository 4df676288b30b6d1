package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulsecrm/internal/models"
)

const defaultProbeTimeout = 5 * time.Second

// Monitor tracks the health of every registered provider. It keeps the
// latest snapshot per provider and swaps whole snapshots on update; a
// probe in flight never blocks readers, who simply get the stale copy.
type Monitor struct {
	mu           sync.RWMutex
	snapshots    map[string]Snapshot
	strategies   map[models.ServiceCategory]ProbeStrategy
	catalog      Catalog
	probeTimeout time.Duration
}

// NewMonitor creates a monitor over the given catalog
func NewMonitor(catalog Catalog, probeTimeout time.Duration) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Monitor{
		snapshots:    make(map[string]Snapshot),
		strategies:   make(map[models.ServiceCategory]ProbeStrategy),
		catalog:      catalog,
		probeTimeout: probeTimeout,
	}
}

// RegisterStrategy registers the probe strategy for a provider category
func (m *Monitor) RegisterStrategy(strategy ProbeStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[strategy.Category()] = strategy
}

// GetSnapshot returns the last known snapshot for a provider. A provider
// that has never been probed reports healthy=false with no check time;
// routing treats it as unknown rather than failing.
func (m *Monitor) GetSnapshot(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[name]
	return snap, ok
}

// IsHealthy reports whether a provider's last probe succeeded.
// Unprobed providers are assumed healthy so that a cold start does not
// route everything away from a perfectly fine provider.
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[name]
	if !ok {
		return true
	}
	return snap.Healthy
}

// MarkResult records the outcome of a live dispatch call so that routing
// reacts to real traffic between scheduled probes.
func (m *Monitor) MarkResult(name string, healthy bool, latencyMs int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[name] = Snapshot{
		Provider:      name,
		Healthy:       healthy,
		LastCheckedAt: time.Now(),
		LatencyMs:     latencyMs,
		Reason:        reason,
	}
}

// Probe synchronously probes one provider and stores the new snapshot.
// Inactive providers are reported unhealthy with reason "inactive"
// without any network call.
func (m *Monitor) Probe(ctx context.Context, name string) Snapshot {
	desc, ok := m.catalog.Get(name)
	if !ok {
		snap := Snapshot{Provider: name, Healthy: false, LastCheckedAt: time.Now(), Reason: "not registered"}
		m.store(snap)
		return snap
	}
	return m.probeDescriptor(ctx, desc)
}

// ProbeAll probes every registered provider concurrently. Each probe gets
// its own timeout, so one hung provider degrades to an unhealthy/timeout
// entry instead of stalling the batch; the returned map always has an
// entry per registered provider.
func (m *Monitor) ProbeAll(ctx context.Context) map[string]Snapshot {
	descriptors := m.catalog.All()

	results := make(map[string]Snapshot, len(descriptors))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, desc := range descriptors {
		wg.Add(1)
		go func(d models.ServiceDescriptor) {
			defer wg.Done()
			snap := m.probeDescriptor(ctx, d)
			resultsMu.Lock()
			results[d.Name] = snap
			resultsMu.Unlock()
		}(desc)
	}

	wg.Wait()
	return results
}

// Snapshots returns a copy of every stored snapshot
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.snapshots))
	for name, snap := range m.snapshots {
		out[name] = snap
	}
	return out
}

func (m *Monitor) probeDescriptor(ctx context.Context, desc models.ServiceDescriptor) Snapshot {
	if !desc.Active {
		snap := Snapshot{
			Provider:      desc.Name,
			Healthy:       false,
			LastCheckedAt: time.Now(),
			Reason:        ReasonInactive,
		}
		m.store(snap)
		return snap
	}

	m.mu.RLock()
	strategy, hasStrategy := m.strategies[desc.Category]
	m.mu.RUnlock()

	if !hasStrategy {
		// No strategy for the category: active registration is the best
		// signal available.
		snap := Snapshot{Provider: desc.Name, Healthy: true, LastCheckedAt: time.Now()}
		m.store(snap)
		return snap
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	type probeOutcome struct {
		latencyMs int64
		err       error
	}
	done := make(chan probeOutcome, 1)
	go func() {
		latency, err := strategy.Probe(probeCtx, desc)
		done <- probeOutcome{latencyMs: latency, err: err}
	}()

	var snap Snapshot
	select {
	case outcome := <-done:
		snap = Snapshot{
			Provider:      desc.Name,
			Healthy:       outcome.err == nil,
			LastCheckedAt: time.Now(),
			LatencyMs:     outcome.latencyMs,
		}
		if outcome.err != nil {
			if probeCtx.Err() != nil {
				snap.Reason = ReasonTimeout
			} else {
				snap.Reason = outcome.err.Error()
			}
			slog.Warn("provider probe failed", "provider", desc.Name, "reason", snap.Reason)
		}
	case <-probeCtx.Done():
		// Strategy ignored cancellation; degrade instead of blocking.
		snap = Snapshot{
			Provider:      desc.Name,
			Healthy:       false,
			LastCheckedAt: time.Now(),
			Reason:        ReasonTimeout,
		}
		slog.Warn("provider probe timed out", "provider", desc.Name)
	}

	m.store(snap)
	return snap
}

func (m *Monitor) store(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Provider] = snap
}
