package insights

import (
	"context"
	"sync"
	"time"

	"pulsecrm/internal/metrics"
	"pulsecrm/internal/models"
)

// MemoryStore keeps insight records in process memory. Used when no
// MongoDB is configured and as the test double for the Mongo engine;
// both enforce identical write semantics.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.InsightRecord
	writes  recordLocks
	metrics *metrics.Metrics
}

// NewMemoryStore creates an empty in-memory store. m may be nil.
func NewMemoryStore(m *metrics.Metrics) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.InsightRecord),
		metrics: m,
	}
}

// Append merges insights into the record, enforcing id assignment,
// confidence clamping, and the cap under the per-record lock.
func (s *MemoryStore) Append(_ context.Context, ownerID, subjectID string, incoming []models.Insight) (*models.InsightRecord, error) {
	key := recordKey(ownerID, subjectID)
	mu := s.writes.lock(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()

	s.mu.RLock()
	record, exists := s.records[key]
	s.mu.RUnlock()

	var existing []models.Insight
	if exists {
		existing = record.Insights
	}

	normalized := normalize(existing, incoming)
	merged, evicted := merge(existing, normalized)

	updated := &models.InsightRecord{
		OwnerID:     ownerID,
		SubjectID:   subjectID,
		Insights:    merged,
		GeneratedAt: now,
		UpdatedAt:   now,
		CreatedAt:   now,
	}
	if exists {
		updated.ID = record.ID
		updated.CreatedAt = record.CreatedAt
	}

	s.mu.Lock()
	s.records[key] = updated
	s.mu.Unlock()

	s.count(len(normalized), evicted)
	return copyRecord(updated), nil
}

// Get returns the record for (ownerID, subjectID), or nil if none exists
func (s *MemoryStore) Get(_ context.Context, ownerID, subjectID string) (*models.InsightRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey(ownerID, subjectID)]
	if !ok {
		return nil, nil
	}
	return copyRecord(record), nil
}

// ListRecent returns the owner's records created within sinceDays days,
// most recently created first
func (s *MemoryStore) ListRecent(_ context.Context, ownerID string, sinceDays int) ([]models.InsightRecord, error) {
	cutoff := time.Now().AddDate(0, 0, -sinceDays)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.InsightRecord
	for _, record := range s.records {
		if record.OwnerID != ownerID || record.CreatedAt.Before(cutoff) {
			continue
		}
		result = append(result, *copyRecord(record))
	}

	// insertion order of a map is arbitrary; sort newest first
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].CreatedAt.After(result[j-1].CreatedAt); j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	return result, nil
}

// Stats aggregates the owner's insights by type at query time
func (s *MemoryStore) Stats(_ context.Context, ownerID string) (*models.InsightStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []models.InsightRecord
	for _, record := range s.records {
		if record.OwnerID == ownerID {
			records = append(records, *record)
		}
	}
	return computeStats(records), nil
}

func (s *MemoryStore) count(appended, evicted int) {
	if s.metrics == nil {
		return
	}
	s.metrics.InsightAppends.Add(float64(appended))
	s.metrics.InsightEvictions.Add(float64(evicted))
}

func copyRecord(record *models.InsightRecord) *models.InsightRecord {
	copied := *record
	copied.Insights = make([]models.Insight, len(record.Insights))
	copy(copied.Insights, record.Insights)
	return &copied
}
