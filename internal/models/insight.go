package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// InsightType is the kind of generated insight
type InsightType string

const (
	InsightRecommendation InsightType = "recommendation"
	InsightPrediction     InsightType = "prediction"
	InsightAnalysis       InsightType = "analysis"
)

// Valid reports whether t is a known insight type
func (t InsightType) Valid() bool {
	switch t {
	case InsightRecommendation, InsightPrediction, InsightAnalysis:
		return true
	}
	return false
}

// InsightPriority ranks how urgent an insight is
type InsightPriority string

const (
	PriorityHigh   InsightPriority = "high"
	PriorityMedium InsightPriority = "medium"
	PriorityLow    InsightPriority = "low"
)

// Insight is a single generated recommendation/prediction/analysis item
// attached to a subject. IDs are assigned at write time when absent and
// confidence is clamped into [0,1] by the store.
type Insight struct {
	ID          string                 `bson:"id" json:"id"`
	Type        InsightType            `bson:"type" json:"type"`
	Title       string                 `bson:"title" json:"title"`
	Content     string                 `bson:"content" json:"content"`
	Priority    InsightPriority        `bson:"priority" json:"priority"`
	Actionable  bool                   `bson:"actionable" json:"actionable"`
	Confidence  float64                `bson:"confidence" json:"confidence"`
	GeneratedAt time.Time              `bson:"generatedAt" json:"generatedAt"`
	Metadata    map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// MaxInsightsPerRecord caps how many insights one record retains.
// Appends past the cap evict the oldest entries first.
const MaxInsightsPerRecord = 50

// InsightRecord is the bounded, ordered insight collection for one
// (owner, subject) pair. At most one record exists per pair.
type InsightRecord struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	OwnerID     string             `bson:"ownerId" json:"ownerId"`
	SubjectID   string             `bson:"subjectId" json:"subjectId"`
	Insights    []Insight          `bson:"insights" json:"insights"`
	GeneratedAt time.Time          `bson:"generatedAt" json:"generatedAt"`
	CreatedAt   time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// TypeStats is the read-side aggregation for one insight type
type TypeStats struct {
	Count             int     `bson:"count" json:"count"`
	AvgConfidence     float64 `bson:"avgConfidence" json:"avgConfidence"`
	HighPriorityCount int     `bson:"highPriorityCount" json:"highPriorityCount"`
	ActionableCount   int     `bson:"actionableCount" json:"actionableCount"`
}

// InsightStats groups per-type aggregates for one owner
type InsightStats struct {
	ByType map[InsightType]TypeStats `json:"byType"`
}
