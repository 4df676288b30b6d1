package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pulsecrm/internal/models"
)

// ErrUnknownService is returned when a mutation names a service that was
// never registered
var ErrUnknownService = errors.New("unknown service")

// Registry is the process-scoped catalog of provider descriptors.
// Descriptors are registered once at startup and mutated only through
// the explicit Activate/Deactivate API. Providers referenced by history
// are never deleted, only deactivated.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*models.ServiceDescriptor
	order    []string // registration order, breaks priority ties deterministically
}

// Stats summarizes the registry for the statistics endpoint
type Stats struct {
	TotalServices  int                            `json:"totalServices"`
	ActiveServices int                            `json:"activeServices"`
	CategoryCounts map[models.ServiceCategory]int `json:"categoryCounts"`
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		services: make(map[string]*models.ServiceDescriptor),
	}
}

// Seed registers every descriptor from the loaded catalog. Called once at
// process start, before the registry is shared.
func (r *Registry) Seed(cfg *models.ProvidersConfig) error {
	for i := range cfg.Services {
		if err := r.Register(cfg.Services[i]); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a descriptor. The name is the unique key.
func (r *Registry) Register(desc models.ServiceDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("service descriptor requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[desc.Name]; exists {
		return fmt.Errorf("service %s already registered", desc.Name)
	}

	copied := desc
	r.services[desc.Name] = &copied
	r.order = append(r.order, desc.Name)

	slog.Info("registered service",
		"service", desc.Name,
		"category", desc.Category,
		"priority", desc.Priority,
		"active", desc.Active)
	return nil
}

// Get returns a copy of the named descriptor
func (r *Registry) Get(name string) (models.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.services[name]
	if !ok {
		return models.ServiceDescriptor{}, false
	}
	return *desc, true
}

// All returns copies of every registered descriptor in registration order
func (r *Registry) All() []models.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.ServiceDescriptor, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, *r.services[name])
	}
	return result
}

// ListActive returns active descriptors, optionally filtered by category,
// sorted by descending priority with registration order breaking ties.
// This ordering is the dispatcher's stable routing preference.
func (r *Registry) ListActive(category models.ServiceCategory) []models.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []models.ServiceDescriptor
	for _, name := range r.order {
		desc := r.services[name]
		if !desc.Active {
			continue
		}
		if category != "" && desc.Category != category {
			continue
		}
		result = append(result, *desc)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result
}

// SetActive toggles a provider administratively
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if desc.Active == active {
		return nil
	}

	desc.Active = active
	slog.Info("service availability changed", "service", name, "active", active)
	return nil
}

// Stats returns counts for the statistics endpoint
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalServices:  len(r.services),
		CategoryCounts: make(map[models.ServiceCategory]int),
	}
	for _, desc := range r.services {
		if desc.Active {
			stats.ActiveServices++
			stats.CategoryCounts[desc.Category]++
		}
	}
	return stats
}
