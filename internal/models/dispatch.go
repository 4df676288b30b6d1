package models

import "time"

// ErrorKind classifies why a single provider call failed
type ErrorKind string

const (
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindProviderError ErrorKind = "provider_error"
	ErrKindAuthError     ErrorKind = "auth_error"
	ErrKindRateLimited   ErrorKind = "rate_limited"
	ErrKindUnknown       ErrorKind = "unknown"
)

// DispatchRequest is the immutable value object describing one dispatch.
// One request yields exactly one DispatchResult (routed) or one
// BatchDispatchResult (compare mode).
type DispatchRequest struct {
	ID               string        `json:"id"`
	Prompt           string        `json:"prompt"`
	SystemPrompt     string        `json:"systemPrompt,omitempty"`
	SubjectID        string        `json:"subjectId,omitempty"`
	Operation        OperationKind `json:"operation"`
	ExplicitProvider string        `json:"explicitProvider,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
	MaxTokens        int           `json:"maxTokens,omitempty"`
	Timeout          time.Duration `json:"-"`
}

// CallResult is one successful provider response
type CallResult struct {
	Provider  string         `json:"provider"`
	Model     string         `json:"model,omitempty"`
	Content   string         `json:"content"`
	LatencyMs int64          `json:"latencyMs"`
	Usage     map[string]int `json:"usage,omitempty"`
}

// CallFailure is one failed provider call, already classified
type CallFailure struct {
	Provider string    `json:"provider"`
	Kind     ErrorKind `json:"errorKind"`
	Message  string    `json:"message"`
}

// DispatchSummary carries the fixed counts for a result set.
// SuccessCount + FailureCount == Total always holds.
type DispatchSummary struct {
	Total        int `json:"total"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// DispatchResult is the outcome of a routed (single-provider) dispatch
type DispatchResult struct {
	RequestID  string          `json:"requestId"`
	Successful []CallResult    `json:"successful"`
	Failed     []CallFailure   `json:"failed"`
	Summary    DispatchSummary `json:"summary"`
	Cached     bool            `json:"cached,omitempty"`
}

// BatchDispatchResult is the outcome of a compare/batch dispatch.
// The call settles only after every member of the provider set has
// succeeded, failed, or timed out.
type BatchDispatchResult struct {
	RequestID  string          `json:"requestId"`
	Successful []CallResult    `json:"successful"`
	Failed     []CallFailure   `json:"failed"`
	Summary    DispatchSummary `json:"summary"`
}
