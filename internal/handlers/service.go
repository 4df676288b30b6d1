package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/models"
	"pulsecrm/internal/registry"
)

// ServiceHandler serves the provider catalog and its admin toggles
type ServiceHandler struct {
	registry *registry.Registry
}

// NewServiceHandler creates a new service handler
func NewServiceHandler(reg *registry.Registry) *ServiceHandler {
	return &ServiceHandler{registry: reg}
}

// PublicService is a descriptor with credentials stripped
type PublicService struct {
	Name         string                 `json:"name"`
	Category     models.ServiceCategory `json:"category"`
	Capabilities []models.OperationKind `json:"capabilities"`
	Model        string                 `json:"model,omitempty"`
	Priority     int                    `json:"priority"`
	Active       bool                   `json:"active"`
}

// List returns active services, optionally filtered by category
func (h *ServiceHandler) List(c *fiber.Ctx) error {
	var descriptors []models.ServiceDescriptor
	if category := c.Query("category"); category != "" {
		descriptors = h.registry.ListActive(models.ServiceCategory(category))
	} else {
		for _, d := range h.registry.All() {
			if d.Active {
				descriptors = append(descriptors, d)
			}
		}
	}

	services := make([]PublicService, len(descriptors))
	for i, d := range descriptors {
		services[i] = PublicService{
			Name:         d.Name,
			Category:     d.Category,
			Capabilities: d.Capabilities,
			Model:        d.Model,
			Priority:     d.Priority,
			Active:       d.Active,
		}
	}

	return ok(c, fiber.Map{
		"services": services,
		"count":    len(services),
	})
}

// Stats returns catalog counts
func (h *ServiceHandler) Stats(c *fiber.Ctx) error {
	return ok(c, h.registry.Stats())
}

// Activate marks a service active
func (h *ServiceHandler) Activate(c *fiber.Ctx) error {
	return h.setActive(c, true)
}

// Deactivate marks a service inactive
func (h *ServiceHandler) Deactivate(c *fiber.Ctx) error {
	return h.setActive(c, false)
}

func (h *ServiceHandler) setActive(c *fiber.Ctx, active bool) error {
	name := c.Params("name")
	if err := h.registry.SetActive(name, active); err != nil {
		if errors.Is(err, registry.ErrUnknownService) {
			return fail(c, fiber.StatusNotFound, "Unknown service: "+name)
		}
		return fail(c, fiber.StatusInternalServerError, "Failed to update service")
	}

	return ok(c, fiber.Map{
		"name":   name,
		"active": active,
	})
}
