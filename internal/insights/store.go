package insights

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"pulsecrm/internal/models"
)

// Store is the durable, per-subject, bounded insight collection.
// Implementations must serialize concurrent appends to the same
// (owner, subject) record: both sets of insights are merged, never
// overwritten, and the record never exceeds the cap.
type Store interface {
	// Append adds insights to the record for (ownerID, subjectID),
	// creating it if absent, and returns the stored record.
	Append(ctx context.Context, ownerID, subjectID string, incoming []models.Insight) (*models.InsightRecord, error)
	// Get returns the record for (ownerID, subjectID), or nil if none exists.
	Get(ctx context.Context, ownerID, subjectID string) (*models.InsightRecord, error)
	// ListRecent returns records for ownerID created within the last
	// sinceDays days, most recent first.
	ListRecent(ctx context.Context, ownerID string, sinceDays int) ([]models.InsightRecord, error)
	// Stats aggregates the owner's insights by type.
	Stats(ctx context.Context, ownerID string) (*models.InsightStats, error)
}

const (
	defaultConfidence = 0.8
	idSuffixLen       = 9
	idAlphabet        = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// normalize applies write-time invariants to incoming insights: ids are
// assigned when absent (unique within the record), confidence is
// clamped into [0,1] with zero treated as unset, and defaults are
// filled. Relative order of the incoming slice is preserved.
func normalize(existing []models.Insight, incoming []models.Insight) []models.Insight {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, ins := range existing {
		seen[ins.ID] = struct{}{}
	}

	now := time.Now()
	normalized := make([]models.Insight, 0, len(incoming))
	for _, ins := range incoming {
		if ins.ID == "" {
			ins.ID = newInsightID(seen)
		}
		seen[ins.ID] = struct{}{}

		if !ins.Type.Valid() {
			ins.Type = models.InsightAnalysis
		}
		if ins.Priority == "" {
			ins.Priority = models.PriorityMedium
		}
		switch {
		case ins.Confidence == 0:
			ins.Confidence = defaultConfidence
		case ins.Confidence < 0:
			ins.Confidence = 0
		case ins.Confidence > 1:
			ins.Confidence = 1
		}
		if ins.GeneratedAt.IsZero() {
			ins.GeneratedAt = now
		}
		normalized = append(normalized, ins)
	}
	return normalized
}

// merge appends normalized insights to the existing ordered list and
// enforces the cap by dropping the oldest entries. Returns the merged
// list and how many entries were evicted.
func merge(existing, normalized []models.Insight) ([]models.Insight, int) {
	merged := make([]models.Insight, 0, len(existing)+len(normalized))
	merged = append(merged, existing...)
	merged = append(merged, normalized...)

	evicted := 0
	if len(merged) > models.MaxInsightsPerRecord {
		evicted = len(merged) - models.MaxInsightsPerRecord
		merged = merged[evicted:]
	}
	return merged, evicted
}

// newInsightID generates a millisecond-timestamp id with a random
// suffix, retrying on the (negligible) chance of a collision within the
// record.
func newInsightID(taken map[string]struct{}) string {
	for {
		id := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), randSuffix(idSuffixLen))
		if _, exists := taken[id]; !exists {
			return id
		}
	}
}

func randSuffix(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; fall back to a time-derived index.
			idx = big.NewInt(time.Now().UnixNano() % int64(len(idAlphabet)))
		}
		buf[i] = idAlphabet[idx.Int64()]
	}
	return string(buf)
}

// recordLocks hands out one mutex per (owner, subject) key so writes to
// different records never contend.
type recordLocks struct {
	locks sync.Map // map[string]*sync.Mutex
}

func (r *recordLocks) lock(key string) *sync.Mutex {
	if mu, ok := r.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	actual, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func recordKey(ownerID, subjectID string) string {
	return ownerID + "|" + subjectID
}

// computeStats derives per-type aggregates from records in memory.
// Shared by the memory engine and tests; the Mongo engine pushes the
// same computation into an aggregation pipeline.
func computeStats(records []models.InsightRecord) *models.InsightStats {
	type acc struct {
		count         int
		confidenceSum float64
		highPriority  int
		actionable    int
	}
	byType := make(map[models.InsightType]*acc)

	for _, record := range records {
		for _, ins := range record.Insights {
			a, ok := byType[ins.Type]
			if !ok {
				a = &acc{}
				byType[ins.Type] = a
			}
			a.count++
			a.confidenceSum += ins.Confidence
			if ins.Priority == models.PriorityHigh {
				a.highPriority++
			}
			if ins.Actionable {
				a.actionable++
			}
		}
	}

	stats := &models.InsightStats{ByType: make(map[models.InsightType]models.TypeStats, len(byType))}
	for t, a := range byType {
		stats.ByType[t] = models.TypeStats{
			Count:             a.count,
			AvgConfidence:     a.confidenceSum / float64(a.count),
			HighPriorityCount: a.highPriority,
			ActionableCount:   a.actionable,
		}
	}
	return stats
}
