package insights

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"pulsecrm/internal/models"
)

func makeInsights(n int, prefix string) []models.Insight {
	out := make([]models.Insight, n)
	for i := range out {
		out[i] = models.Insight{
			Type:       models.InsightRecommendation,
			Title:      fmt.Sprintf("%s-%d", prefix, i),
			Content:    "content",
			Priority:   models.PriorityMedium,
			Confidence: 0.9,
		}
	}
	return out
}

func TestAppendCreatesRecord(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	record, err := store.Append(ctx, "owner", "subject", makeInsights(2, "a"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(record.Insights) != 2 {
		t.Fatalf("got %d insights, want 2", len(record.Insights))
	}
	if record.OwnerID != "owner" || record.SubjectID != "subject" {
		t.Errorf("record keys = %s/%s", record.OwnerID, record.SubjectID)
	}
	if record.CreatedAt.IsZero() || record.GeneratedAt.IsZero() {
		t.Error("timestamps should be set on create")
	}
}

func TestAppendPreservesOrderAndCreatedAt(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	first, _ := store.Append(ctx, "owner", "subject", makeInsights(2, "first"))
	time.Sleep(5 * time.Millisecond)
	second, err := store.Append(ctx, "owner", "subject", makeInsights(1, "second"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(second.Insights) != 3 {
		t.Fatalf("got %d insights, want 3", len(second.Insights))
	}
	titles := []string{second.Insights[0].Title, second.Insights[1].Title, second.Insights[2].Title}
	if titles[0] != "first-0" || titles[1] != "first-1" || titles[2] != "second-0" {
		t.Errorf("order = %v, appends must preserve insertion order", titles)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt must survive updates")
	}
	if !second.GeneratedAt.After(first.GeneratedAt) {
		t.Error("GeneratedAt should refresh on append")
	}
}

func TestCapEvictsOldestFirst(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	store.Append(ctx, "owner", "subject", makeInsights(49, "old"))
	record, err := store.Append(ctx, "owner", "subject", makeInsights(3, "new"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(record.Insights) != models.MaxInsightsPerRecord {
		t.Fatalf("got %d insights, want the cap %d", len(record.Insights), models.MaxInsightsPerRecord)
	}
	// 49 + 3 = 52, so the 2 oldest entries fall off
	if record.Insights[0].Title != "old-2" {
		t.Errorf("first insight = %s, want old-2", record.Insights[0].Title)
	}
	last := record.Insights[len(record.Insights)-1]
	if last.Title != "new-2" {
		t.Errorf("last insight = %s, all new entries must survive", last.Title)
	}
}

func TestAppendNeverExceedsCap(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		record, err := store.Append(ctx, "owner", "subject", makeInsights(10, fmt.Sprintf("batch%d", i)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if len(record.Insights) > models.MaxInsightsPerRecord {
			t.Fatalf("record grew to %d insights", len(record.Insights))
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	store := NewMemoryStore(nil)

	record, err := store.Append(context.Background(), "owner", "subject", []models.Insight{
		{Content: "bare"},
		{Type: models.InsightType("bogus"), Confidence: 1.7},
		{Confidence: -0.4},
		{Confidence: 0.25, Priority: models.PriorityHigh, Type: models.InsightPrediction},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	ins := record.Insights
	if ins[0].ID == "" {
		t.Error("missing id should be assigned at write time")
	}
	if ins[0].Type != models.InsightAnalysis {
		t.Errorf("empty type = %s, want analysis fallback", ins[0].Type)
	}
	if ins[0].Priority != models.PriorityMedium {
		t.Errorf("empty priority = %s, want medium", ins[0].Priority)
	}
	if ins[0].Confidence != 0.8 {
		t.Errorf("unset confidence = %v, want default 0.8", ins[0].Confidence)
	}
	if ins[0].GeneratedAt.IsZero() {
		t.Error("zero GeneratedAt should be stamped")
	}

	if ins[1].Type != models.InsightAnalysis {
		t.Errorf("invalid type = %s, want analysis fallback", ins[1].Type)
	}
	if ins[1].Confidence != 1 {
		t.Errorf("confidence above 1 = %v, want clamped to 1", ins[1].Confidence)
	}
	if ins[2].Confidence != 0 {
		t.Errorf("negative confidence = %v, want clamped to 0", ins[2].Confidence)
	}
	if ins[3].Confidence != 0.25 || ins[3].Type != models.InsightPrediction {
		t.Errorf("valid insight was altered: %+v", ins[3])
	}
}

func TestInsightIDsUniqueWithinRecord(t *testing.T) {
	store := NewMemoryStore(nil)
	record, err := store.Append(context.Background(), "owner", "subject", makeInsights(30, "x"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	seen := make(map[string]struct{})
	for _, ins := range record.Insights {
		if _, dup := seen[ins.ID]; dup {
			t.Fatalf("duplicate insight id %s", ins.ID)
		}
		seen[ins.ID] = struct{}{}
	}
}

func TestConcurrentAppendsMerge(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(ctx, "owner", "subject", makeInsights(2, fmt.Sprintf("w%d", i))); err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	record, err := store.Get(ctx, "owner", "subject")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// 10 writers x 2 insights, under the cap: every write must survive
	if len(record.Insights) != writers*2 {
		t.Errorf("got %d insights, want %d (appends must merge, not overwrite)", len(record.Insights), writers*2)
	}
}

func TestGetMissingRecord(t *testing.T) {
	store := NewMemoryStore(nil)
	record, err := store.Get(context.Background(), "owner", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record != nil {
		t.Error("missing record should be nil, not an error")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	store.Append(ctx, "owner", "subject", makeInsights(1, "a"))

	record, _ := store.Get(ctx, "owner", "subject")
	record.Insights[0].Title = "mutated"

	again, _ := store.Get(ctx, "owner", "subject")
	if again.Insights[0].Title != "a-0" {
		t.Error("mutating a returned record must not affect the store")
	}
}

func TestListRecentFiltersAndSorts(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	store.Append(ctx, "owner", "s1", makeInsights(1, "a"))
	time.Sleep(5 * time.Millisecond)
	store.Append(ctx, "owner", "s2", makeInsights(1, "b"))
	store.Append(ctx, "other", "s3", makeInsights(1, "c"))

	records, err := store.ListRecent(ctx, "owner", 7)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (other owners excluded)", len(records))
	}
	if records[0].SubjectID != "s2" || records[1].SubjectID != "s1" {
		t.Errorf("order = %s, %s; want newest first", records[0].SubjectID, records[1].SubjectID)
	}
}

func TestStats(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	store.Append(ctx, "owner", "s1", []models.Insight{
		{Type: models.InsightRecommendation, Confidence: 0.6, Priority: models.PriorityHigh, Actionable: true},
		{Type: models.InsightRecommendation, Confidence: 0.8, Priority: models.PriorityLow},
		{Type: models.InsightPrediction, Confidence: 0.5, Priority: models.PriorityHigh, Actionable: true},
	})
	store.Append(ctx, "owner", "s2", []models.Insight{
		{Type: models.InsightRecommendation, Confidence: 0.4, Priority: models.PriorityMedium},
	})
	store.Append(ctx, "stranger", "s9", []models.Insight{
		{Type: models.InsightAnalysis, Confidence: 0.1},
	})

	stats, err := store.Stats(ctx, "owner")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	rec := stats.ByType[models.InsightRecommendation]
	if rec.Count != 3 {
		t.Errorf("recommendation count = %d, want 3", rec.Count)
	}
	if math.Abs(rec.AvgConfidence-0.6) > 1e-9 {
		t.Errorf("recommendation avg confidence = %v, want 0.6", rec.AvgConfidence)
	}
	if rec.HighPriorityCount != 1 || rec.ActionableCount != 1 {
		t.Errorf("recommendation aggregates = %+v", rec)
	}

	pred := stats.ByType[models.InsightPrediction]
	if pred.Count != 1 || pred.HighPriorityCount != 1 {
		t.Errorf("prediction aggregates = %+v", pred)
	}

	if _, found := stats.ByType[models.InsightAnalysis]; found {
		t.Error("another owner's insights leaked into the stats")
	}
}
