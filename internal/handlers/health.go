package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/health"
	"pulsecrm/internal/registry"
)

// HealthHandler serves process liveness and provider health state
type HealthHandler struct {
	registry *registry.Registry
	monitor  *health.Monitor
	started  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(reg *registry.Registry, monitor *health.Monitor) *HealthHandler {
	return &HealthHandler{registry: reg, monitor: monitor, started: time.Now()}
}

// Liveness responds with process health
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Providers reports the last known health of every registered provider.
// Never-probed providers count as healthy until a probe or live call
// says otherwise.
func (h *HealthHandler) Providers(c *fiber.Ctx) error {
	services := make(map[string]bool)
	overall := true
	for _, desc := range h.registry.All() {
		healthy := h.monitor.IsHealthy(desc.Name)
		services[desc.Name] = healthy
		if desc.Active && !healthy {
			overall = false
		}
	}

	return ok(c, fiber.Map{
		"overall":   overall,
		"services":  services,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Probe forces a concurrent probe of every registered provider and
// returns the fresh snapshots
func (h *HealthHandler) Probe(c *fiber.Ctx) error {
	snapshots := h.monitor.ProbeAll(c.UserContext())

	healthy := 0
	for _, snap := range snapshots {
		if snap.Healthy {
			healthy++
		}
	}

	return ok(c, fiber.Map{
		"snapshots": snapshots,
		"probed":    len(snapshots),
		"healthy":   healthy,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
