package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/dispatch"
	"pulsecrm/internal/insights"
	"pulsecrm/internal/middleware"
	"pulsecrm/internal/models"
)

// maxHistoryTurns bounds how much caller-supplied conversation history
// is folded into a prompt
const maxHistoryTurns = 5

// AIHandler handles chat, compare, analyze and insight generation requests
type AIHandler struct {
	dispatcher *dispatch.Dispatcher
	store      insights.Store
}

// NewAIHandler creates a new AI handler
func NewAIHandler(dispatcher *dispatch.Dispatcher, store insights.Store) *AIHandler {
	return &AIHandler{dispatcher: dispatcher, store: store}
}

// ChatTurn is one prior exchange supplied by the caller
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message      string     `json:"message"`
	Provider     string     `json:"provider,omitempty"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	History      []ChatTurn `json:"history,omitempty"`
	SubjectID    string     `json:"subjectId,omitempty"`
	Temperature  float64    `json:"temperature,omitempty"`
	MaxTokens    int        `json:"maxTokens,omitempty"`
}

// Chat dispatches a routed (or explicitly pinned) chat completion
func (h *AIHandler) Chat(c *fiber.Ctx) error {
	var body chatRequest
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return invalid(c, []FieldError{{Field: "message", Message: "message is required"}})
	}

	req := models.DispatchRequest{
		Prompt:           foldHistory(body.History, body.Message),
		SystemPrompt:     body.SystemPrompt,
		SubjectID:        body.SubjectID,
		Operation:        models.OpChat,
		ExplicitProvider: body.Provider,
		Temperature:      body.Temperature,
		MaxTokens:        body.MaxTokens,
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), req)
	return h.respondRouted(c, result, err)
}

type compareRequest struct {
	Prompt       string   `json:"prompt"`
	Providers    []string `json:"providers,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
}

// Compare fans one prompt out across a provider set and reports every outcome
func (h *AIHandler) Compare(c *fiber.Ctx) error {
	var body compareRequest
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(body.Prompt) == "" {
		return invalid(c, []FieldError{{Field: "prompt", Message: "prompt is required"}})
	}

	req := models.DispatchRequest{
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		Operation:    models.OpChat,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
	}

	result, err := h.dispatcher.DispatchAll(c.UserContext(), req, body.Providers)
	if err != nil && !errors.Is(err, dispatch.ErrAllProvidersFailed) {
		return h.dispatchError(c, err)
	}
	// Partial (or even total) provider failure is a valid comparison outcome
	return ok(c, result)
}

type analyzeRequest struct {
	SubjectID   string     `json:"subjectId"`
	History     []ChatTurn `json:"history,omitempty"`
	Focus       string     `json:"focus,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	MaxTokens   int        `json:"maxTokens,omitempty"`
}

// Analyze builds an analysis prompt for one subject from its recent
// interaction history and returns the provider response
func (h *AIHandler) Analyze(c *fiber.Ctx) error {
	var body analyzeRequest
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(body.SubjectID) == "" {
		return invalid(c, []FieldError{{Field: "subjectId", Message: "subjectId is required"}})
	}

	req := models.DispatchRequest{
		Prompt:           analysisPrompt(body.SubjectID, body.Focus, body.History),
		SystemPrompt:     "You are a CRM analyst. Be concise and specific.",
		SubjectID:        body.SubjectID,
		Operation:        models.OpAnalysis,
		ExplicitProvider: body.Provider,
		Temperature:      body.Temperature,
		MaxTokens:        body.MaxTokens,
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), req)
	return h.respondRouted(c, result, err)
}

type generateInsightsRequest struct {
	SubjectID string     `json:"subjectId"`
	Context   string     `json:"context,omitempty"`
	History   []ChatTurn `json:"history,omitempty"`
	Provider  string     `json:"provider,omitempty"`
}

// GenerateInsights dispatches an insight-generation request, normalizes
// the provider output into insight entries and appends them to the
// caller's record for the subject
func (h *AIHandler) GenerateInsights(c *fiber.Ctx) error {
	var body generateInsightsRequest
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(body.SubjectID) == "" {
		return invalid(c, []FieldError{{Field: "subjectId", Message: "subjectId is required"}})
	}

	req := models.DispatchRequest{
		Prompt:           insightPrompt(body.SubjectID, body.Context, body.History),
		SystemPrompt:     insightSystemPrompt,
		SubjectID:        body.SubjectID,
		Operation:        models.OpInsight,
		ExplicitProvider: body.Provider,
	}

	result, err := h.dispatcher.Dispatch(c.UserContext(), req)
	if err != nil || result.Summary.SuccessCount == 0 {
		return h.respondRouted(c, result, err)
	}

	generated := parseInsights(result.Successful[0].Content)
	ownerID := ownerOf(c)
	record, err := h.store.Append(c.UserContext(), ownerID, body.SubjectID, generated)
	if err != nil {
		slog.Error("Failed to store generated insights", "owner", ownerID, "subject", body.SubjectID, "error", err)
		return fail(c, fiber.StatusInternalServerError, "Failed to store insights")
	}

	return ok(c, fiber.Map{
		"record":   record,
		"provider": result.Successful[0].Provider,
	})
}

func (h *AIHandler) respondRouted(c *fiber.Ctx, result *models.DispatchResult, err error) error {
	if err != nil && !errors.Is(err, dispatch.ErrAllProvidersFailed) {
		return h.dispatchError(c, err)
	}
	// A failed provider call is reported inside the result, not as an error
	return ok(c, result)
}

func (h *AIHandler) dispatchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNoProviderAvailable):
		return fail(c, fiber.StatusServiceUnavailable, "No provider available for this operation")
	default:
		slog.Error("Dispatch failed", "error", err)
		return fail(c, fiber.StatusInternalServerError, "Dispatch failed")
	}
}

func ownerOf(c *fiber.Ctx) string {
	if userID := middleware.CallerUserID(c); userID != "" {
		return userID
	}
	return "anonymous"
}

func foldHistory(history []ChatTurn, message string) string {
	if len(history) == 0 {
		return message
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	b.WriteString("\n")
	b.WriteString(message)
	return b.String()
}

func analysisPrompt(subjectID, focus string, history []ChatTurn) string {
	prompt := fmt.Sprintf("Analyze the relationship with contact %s.", subjectID)
	if focus != "" {
		prompt = fmt.Sprintf("Analyze the relationship with contact %s, focusing on %s.", subjectID, focus)
	}
	return foldHistory(history, prompt)
}

const insightSystemPrompt = `You are a CRM insight engine. Respond with a JSON array of insight objects, each with fields: type (recommendation|prediction|analysis), title, content, priority (high|medium|low), actionable (bool), confidence (0..1). No prose outside the JSON.`

func insightPrompt(subjectID, context string, history []ChatTurn) string {
	prompt := fmt.Sprintf("Generate insights for contact %s.", subjectID)
	if context != "" {
		prompt += " Context: " + context
	}
	return foldHistory(history, prompt)
}

// parseInsights extracts insight entries from provider output. Providers
// are asked for a bare JSON array but routinely wrap it in markdown
// fences or an {"insights": [...]} object; unparseable output degrades
// to a single analysis entry carrying the raw text.
func parseInsights(content string) []models.Insight {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed []models.Insight
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && len(parsed) > 0 {
		return parsed
	}

	var wrapped struct {
		Insights []models.Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Insights) > 0 {
		return wrapped.Insights
	}

	return []models.Insight{{
		Type:        models.InsightAnalysis,
		Title:       "AI Analysis",
		Content:     content,
		Priority:    models.PriorityMedium,
		Confidence:  0.5,
		GeneratedAt: time.Now(),
	}}
}
