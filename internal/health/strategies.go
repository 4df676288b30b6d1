package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulsecrm/internal/models"
)

// --- Chat probe ---

// ChatProbe tests a chat-capable provider with a minimal 1-token completion
type ChatProbe struct {
	Client *http.Client
}

func (p *ChatProbe) Category() models.ServiceCategory { return models.CategoryGeneralChat }

func (p *ChatProbe) Probe(ctx context.Context, desc models.ServiceDescriptor) (int64, error) {
	body := map[string]interface{}{
		"model": desc.Model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "hi"},
		},
		"max_tokens": 1,
	}
	return doCompletionProbe(ctx, p.client(), desc, body)
}

func (p *ChatProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

// --- Analysis probe ---

// AnalysisProbe probes analysis providers; same wire protocol as chat
type AnalysisProbe struct {
	Client *http.Client
}

func (p *AnalysisProbe) Category() models.ServiceCategory { return models.CategoryAnalysis }

func (p *AnalysisProbe) Probe(ctx context.Context, desc models.ServiceDescriptor) (int64, error) {
	body := map[string]interface{}{
		"model": desc.Model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "hi"},
		},
		"max_tokens": 1,
	}
	return doCompletionProbe(ctx, p.client(), desc, body)
}

func (p *AnalysisProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

// --- Connectivity probe for data providers ---

// ConnectivityProbe does a lightweight GET against the provider base URL.
// Used for finance, news, and image providers where a real call would
// cost quota.
type ConnectivityProbe struct {
	Cat    models.ServiceCategory
	Client *http.Client
}

func (p *ConnectivityProbe) Category() models.ServiceCategory { return p.Cat }

func (p *ConnectivityProbe) Probe(ctx context.Context, desc models.ServiceDescriptor) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(desc.BaseURL, "/"), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	latency := time.Since(start).Milliseconds()
	if resp.StatusCode >= http.StatusInternalServerError {
		return latency, fmt.Errorf("probe got server error %d", resp.StatusCode)
	}
	return latency, nil
}

// doCompletionProbe posts a minimal chat completion and reports latency
func doCompletionProbe(ctx context.Context, client *http.Client, desc models.ServiceDescriptor, body map[string]interface{}) (int64, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal probe request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(desc.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+desc.APIKey)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return latency, fmt.Errorf("failed to read probe response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("probe API error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return latency, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
