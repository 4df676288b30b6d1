package jobs

import (
	"context"
	"log"
	"time"

	"pulsecrm/internal/health"
)

// ProviderHealthChecker periodically probes every registered provider so
// routing decisions see fresh health state even on quiet instances
type ProviderHealthChecker struct {
	monitor  *health.Monitor
	interval time.Duration
	lastRun  time.Time
}

// NewProviderHealthChecker creates a new provider health checker job
func NewProviderHealthChecker(monitor *health.Monitor, interval time.Duration) *ProviderHealthChecker {
	return &ProviderHealthChecker{
		monitor:  monitor,
		interval: interval,
	}
}

// Run probes all registered providers and logs a summary
func (p *ProviderHealthChecker) Run(ctx context.Context) error {
	log.Println("[HEALTH-JOB] Starting provider health checks...")
	p.lastRun = time.Now()

	snapshots := p.monitor.ProbeAll(ctx)

	healthy := 0
	for name, snap := range snapshots {
		if snap.Healthy {
			healthy++
			continue
		}
		log.Printf("[HEALTH-JOB] %s: UNHEALTHY (%s)", name, snap.Reason)
	}

	log.Printf("[HEALTH-JOB] Health checks complete: %d checked, %d healthy, %d failed",
		len(snapshots), healthy, len(snapshots)-healthy)
	return nil
}

// GetNextRunTime returns when the next health check should run
func (p *ProviderHealthChecker) GetNextRunTime() time.Time {
	if p.lastRun.IsZero() {
		// First run shortly after startup so the first routing decisions
		// are informed
		return time.Now().Add(30 * time.Second)
	}
	return p.lastRun.Add(p.interval)
}
