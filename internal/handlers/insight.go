package handlers

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/insights"
)

// InsightHandler serves stored insight records
type InsightHandler struct {
	store insights.Store
}

// NewInsightHandler creates a new insight handler
func NewInsightHandler(store insights.Store) *InsightHandler {
	return &InsightHandler{store: store}
}

// GetBySubject returns the caller's insight record for one subject plus
// the caller's per-type stats
func (h *InsightHandler) GetBySubject(c *fiber.Ctx) error {
	subjectID := c.Params("subjectId")
	if subjectID == "" {
		return invalid(c, []FieldError{{Field: "subjectId", Message: "subjectId is required"}})
	}

	ownerID := ownerOf(c)
	record, err := h.store.Get(c.UserContext(), ownerID, subjectID)
	if err != nil {
		slog.Error("Failed to load insight record", "owner", ownerID, "subject", subjectID, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to load insights")
	}
	if record == nil {
		return fail(c, fiber.StatusNotFound, "No insights for this subject")
	}

	stats, err := h.store.Stats(c.UserContext(), ownerID)
	if err != nil {
		slog.Error("Failed to compute insight stats", "owner", ownerID, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to compute stats")
	}

	return ok(c, fiber.Map{
		"record": record,
		"stats":  stats,
	})
}

// ListRecent returns the caller's records created within the last `days` days
func (h *InsightHandler) ListRecent(c *fiber.Ctx) error {
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			return invalid(c, []FieldError{{Field: "days", Message: "days must be an integer between 1 and 365", Value: v}})
		}
		days = n
	}

	ownerID := ownerOf(c)
	records, err := h.store.ListRecent(c.UserContext(), ownerID, days)
	if err != nil {
		slog.Error("Failed to list insight records", "owner", ownerID, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to list insights")
	}

	return ok(c, fiber.Map{
		"records": records,
		"count":   len(records),
		"days":    days,
	})
}
