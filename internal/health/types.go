package health

import (
	"context"
	"time"

	"pulsecrm/internal/models"
)

// Snapshot is the most recent known availability state of one provider.
// Snapshots are recomputed by the monitor and read-only everywhere else;
// readers always receive a copy, never a live pointer.
type Snapshot struct {
	Provider      string    `json:"provider"`
	Healthy       bool      `json:"healthy"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	LatencyMs     int64     `json:"latencyMs,omitempty"`
	Reason        string    `json:"reason,omitempty"` // set when unhealthy: inactive, timeout, error text
}

const (
	ReasonInactive = "inactive"
	ReasonTimeout  = "timeout"
)

// Catalog is the minimal registry view the monitor needs
type Catalog interface {
	Get(name string) (models.ServiceDescriptor, bool)
	All() []models.ServiceDescriptor
}

// ProbeStrategy performs a category-specific liveness probe.
// Implementations must honor ctx cancellation; the monitor enforces the
// probe timeout through the context it passes in.
type ProbeStrategy interface {
	Probe(ctx context.Context, desc models.ServiceDescriptor) (latencyMs int64, err error)
	Category() models.ServiceCategory
}
