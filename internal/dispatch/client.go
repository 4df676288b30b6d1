package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pulsecrm/internal/models"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// modelTuning captures per-model parameter characteristics. Applied only
// when the caller did not pin temperature/max tokens themselves.
type modelTuning struct {
	Temperature float64
	MaxTokens   int
}

var modelTunings = map[string]modelTuning{
	"deepseek-chat":     {Temperature: 0.7, MaxTokens: 8192},
	"deepseek-reasoner": {Temperature: 0.3, MaxTokens: 12000},
	"moonshot-v1-8k":    {Temperature: 0.8, MaxTokens: 8000},
	"grok-4":            {Temperature: 1.0, MaxTokens: 14000},
	"gemini-pro":        {Temperature: 0.9, MaxTokens: 12000},
}

// resolveParams picks the effective tuning for one call
func resolveParams(req models.DispatchRequest, model string) (float64, int) {
	temperature := req.Temperature
	maxTokens := req.MaxTokens

	tuning, known := modelTunings[model]
	if temperature == 0 {
		if known {
			temperature = tuning.Temperature
		} else {
			temperature = defaultTemperature
		}
	}
	if maxTokens == 0 {
		if known {
			maxTokens = tuning.MaxTokens
		} else {
			maxTokens = defaultMaxTokens
		}
	}
	return temperature, maxTokens
}

// providerClient issues the actual outbound calls
type providerClient struct {
	httpClient *http.Client
}

func newProviderClient() *providerClient {
	return &providerClient{
		// Per-call deadlines come from the request context; the client
		// timeout is only a hard upper bound against leaked calls.
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
}

// call invokes one provider and returns a successful result or a
// classified *CallError. The context carries the per-call deadline.
func (c *providerClient) call(ctx context.Context, desc models.ServiceDescriptor, req models.DispatchRequest) (models.CallResult, error) {
	start := time.Now()

	var result models.CallResult
	var err error
	switch desc.Category {
	case models.CategoryGeneralChat, models.CategoryAnalysis:
		result, err = c.callCompletion(ctx, desc, req)
	default:
		result, err = c.callDataService(ctx, desc, req)
	}
	if err != nil {
		return models.CallResult{}, err
	}

	result.Provider = desc.Name
	result.Model = desc.Model
	result.LatencyMs = time.Since(start).Milliseconds()
	return result, nil
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
	Usage map[string]int `json:"usage"`
}

// callCompletion posts an OpenAI-compatible chat completion
func (c *providerClient) callCompletion(ctx context.Context, desc models.ServiceDescriptor, req models.DispatchRequest) (models.CallResult, error) {
	temperature, maxTokens := resolveParams(req, desc.Model)

	var messages []completionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, completionMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, completionMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(completionRequest{
		Model:       desc.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindUnknown, Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(desc.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.CallResult{}, &CallError{Kind: classifyErr(err), Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindProviderError, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return models.CallResult{}, &CallError{
			Kind:    classifyStatus(resp.StatusCode, string(body)),
			Message: fmt.Sprintf("API error %d: %s", resp.StatusCode, truncate(string(body), 300)),
		}
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindProviderError, Message: "unparseable response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return models.CallResult{}, &CallError{Kind: models.ErrKindProviderError, Message: "provider returned no choices"}
	}

	return models.CallResult{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
	}, nil
}

// callDataService queries a finance/news/image provider with a plain GET.
// The raw JSON body is returned as the payload; interpretation is the
// caller's business.
func (c *providerClient) callDataService(ctx context.Context, desc models.ServiceDescriptor, req models.DispatchRequest) (models.CallResult, error) {
	endpoint, err := url.Parse(strings.TrimSuffix(desc.BaseURL, "/"))
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindUnknown, Message: err.Error()}
	}
	query := endpoint.Query()
	query.Set("q", req.Prompt)
	endpoint.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindUnknown, Message: err.Error()}
	}
	if desc.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+desc.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.CallResult{}, &CallError{Kind: classifyErr(err), Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.CallResult{}, &CallError{Kind: models.ErrKindProviderError, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return models.CallResult{}, &CallError{
			Kind:    classifyStatus(resp.StatusCode, string(body)),
			Message: fmt.Sprintf("API error %d: %s", resp.StatusCode, truncate(string(body), 300)),
		}
	}

	return models.CallResult{Content: string(body)}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
