package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/dispatch"
	"pulsecrm/internal/health"
	"pulsecrm/internal/insights"
	"pulsecrm/internal/middleware"
	"pulsecrm/internal/models"
	"pulsecrm/internal/quota"
	"pulsecrm/internal/registry"
)

type testEnv struct {
	app   *fiber.App
	store insights.Store
	reg   *registry.Registry
}

// fakeIdentity stands in for the JWT middleware in tests
func fakeIdentity(userID, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		c.Locals("identity", "user:"+userID)
		c.Locals("user_role", role)
		return c.Next()
	}
}

func newTestEnv(t *testing.T, providerURL string) *testEnv {
	t.Helper()

	reg := registry.New()
	if providerURL != "" {
		err := reg.Register(models.ServiceDescriptor{
			Name:         "alpha",
			Category:     models.CategoryGeneralChat,
			Capabilities: []models.OperationKind{models.OpChat, models.OpAnalysis, models.OpInsight},
			BaseURL:      providerURL,
			APIKey:       "secret-key",
			Model:        "test-model",
			Priority:     10,
			Active:       true,
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	monitor := health.NewMonitor(reg, time.Second)
	dispatcher := dispatch.New(reg, monitor, nil, dispatch.Options{
		DefaultTimeout: 5 * time.Second,
		CacheTTL:       time.Minute,
		RetryBaseDelay: time.Millisecond,
	})
	store := insights.NewMemoryStore(nil)
	guard := quota.NewGuard(quota.Config{
		quota.ClassGeneral: {Window: time.Minute, Max: 100},
		quota.ClassAIChat:  {Window: time.Minute, Max: 2},
	}, nil)

	aiHandler := NewAIHandler(dispatcher, store)
	insightHandler := NewInsightHandler(store)
	serviceHandler := NewServiceHandler(reg)
	healthHandler := NewHealthHandler(reg, monitor)

	app := fiber.New()
	api := app.Group("/api", fakeIdentity("user-1", "user"))

	ai := api.Group("/ai")
	ai.Post("/chat", middleware.Quota(guard, quota.ClassAIChat, nil), aiHandler.Chat)
	ai.Post("/insights", aiHandler.GenerateInsights)
	ai.Get("/insights", insightHandler.ListRecent)
	ai.Get("/insights/:subjectId", insightHandler.GetBySubject)
	ai.Get("/health", healthHandler.Providers)

	services := api.Group("/services")
	services.Get("/", serviceHandler.List)
	services.Get("/stats", serviceHandler.Stats)
	services.Post("/:name/activate", middleware.RequireAdmin(nil), serviceHandler.Activate)

	admin := app.Group("/admin-api", fakeIdentity("root", "admin"))
	admin.Post("/services/:name/deactivate", middleware.RequireAdmin(nil), serviceHandler.Deactivate)

	return &testEnv{app: app, store: store, reg: reg}
}

// registerAnalysisProvider adds an analysis-category descriptor so insight
// dispatch (OpInsight -> CategoryAnalysis) can resolve a provider
func registerAnalysisProvider(t *testing.T, reg *registry.Registry, providerURL string) {
	t.Helper()
	err := reg.Register(models.ServiceDescriptor{
		Name:         "beta",
		Category:     models.CategoryAnalysis,
		Capabilities: []models.OperationKind{models.OpAnalysis, models.OpInsight},
		BaseURL:      providerURL,
		APIKey:       "secret-key",
		Model:        "test-model",
		Priority:     10,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("register analysis provider: %v", err)
	}
}

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestChatEndpoint(t *testing.T) {
	server := completionServer(t, "hello there")
	env := newTestEnv(t, server.URL)

	resp, body := doJSON(t, env.app, "POST", "/api/ai/chat", map[string]interface{}{
		"message": "hi",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}

	data := body["data"].(map[string]interface{})
	successful := data["successful"].([]interface{})
	first := successful[0].(map[string]interface{})
	if first["content"] != "hello there" {
		t.Errorf("content = %v", first["content"])
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := doJSON(t, env.app, "POST", "/api/ai/chat", map[string]interface{}{
		"message": "  ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	errs, ok := body["errors"].([]interface{})
	if !ok || len(errs) == 0 {
		t.Fatalf("expected field errors, got %v", body)
	}
	if errs[0].(map[string]interface{})["field"] != "message" {
		t.Errorf("errors = %v", errs)
	}
}

func TestChatQuotaDenial(t *testing.T) {
	server := completionServer(t, "ok")
	env := newTestEnv(t, server.URL)

	// Budget is 2 per window; vary the message so the cache stays cold
	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, env.app, "POST", "/api/ai/chat", map[string]interface{}{
			"message": "hi " + string(rune('a'+i)),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}

	resp, body := doJSON(t, env.app, "POST", "/api/ai/chat", map[string]interface{}{
		"message": "one too many",
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if _, ok := body["retry_after"]; !ok {
		t.Error("denial body should carry retry_after")
	}
}

func TestGenerateInsightsStoresRecord(t *testing.T) {
	server := completionServer(t, `[{"type":"recommendation","title":"Follow up","content":"Call next week","priority":"high","actionable":true,"confidence":0.9}]`)
	env := newTestEnv(t, server.URL)
	registerAnalysisProvider(t, env.reg, server.URL)

	resp, body := doJSON(t, env.app, "POST", "/api/ai/insights", map[string]interface{}{
		"subjectId": "contact-7",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	record, err := env.store.Get(context.Background(), "user-1", "contact-7")
	if err != nil || record == nil {
		t.Fatalf("stored record = %v, err = %v", record, err)
	}
	if len(record.Insights) != 1 || record.Insights[0].Title != "Follow up" {
		t.Errorf("insights = %+v", record.Insights)
	}
	if record.Insights[0].ID == "" {
		t.Error("stored insight should have an id")
	}
}

func TestGenerateInsightsRepeatAppendsFresh(t *testing.T) {
	server := completionServer(t, `[{"type":"recommendation","title":"Follow up","content":"Call next week","priority":"high","actionable":true,"confidence":0.9}]`)
	env := newTestEnv(t, server.URL)
	registerAnalysisProvider(t, env.reg, server.URL)

	// Identical payload twice: each call must hit the provider and append,
	// never replay a memoized dispatch into the record
	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, env.app, "POST", "/api/ai/insights", map[string]interface{}{
			"subjectId": "contact-9",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %v", i+1, resp.StatusCode, body)
		}
	}

	record, err := env.store.Get(context.Background(), "user-1", "contact-9")
	if err != nil || record == nil {
		t.Fatalf("record = %v, err = %v", record, err)
	}
	if len(record.Insights) != 2 {
		t.Fatalf("got %d insights, want 2", len(record.Insights))
	}
	if record.Insights[0].ID == record.Insights[1].ID {
		t.Error("appended insights should carry distinct ids")
	}
}

func TestGenerateInsightsUnparseableFallsBack(t *testing.T) {
	server := completionServer(t, "I think you should probably follow up soon.")
	env := newTestEnv(t, server.URL)
	registerAnalysisProvider(t, env.reg, server.URL)

	resp, _ := doJSON(t, env.app, "POST", "/api/ai/insights", map[string]interface{}{
		"subjectId": "contact-8",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	record, _ := env.store.Get(context.Background(), "user-1", "contact-8")
	if record == nil || len(record.Insights) != 1 {
		t.Fatalf("record = %+v", record)
	}
	if record.Insights[0].Type != models.InsightAnalysis {
		t.Errorf("fallback type = %s, want analysis", record.Insights[0].Type)
	}
}

func TestGetInsightsBySubject(t *testing.T) {
	env := newTestEnv(t, "")

	resp, _ := doJSON(t, env.app, "GET", "/api/ai/insights/contact-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing record: status = %d, want 404", resp.StatusCode)
	}

	env.store.Append(context.Background(), "user-1", "contact-1", []models.Insight{
		{Type: models.InsightRecommendation, Title: "t", Content: "c", Confidence: 0.7},
	})

	resp, body := doJSON(t, env.app, "GET", "/api/ai/insights/contact-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]interface{})
	if data["record"] == nil || data["stats"] == nil {
		t.Errorf("data = %v, want record and stats", data)
	}
}

func TestListRecentValidatesDays(t *testing.T) {
	env := newTestEnv(t, "")

	resp, _ := doJSON(t, env.app, "GET", "/api/ai/insights?days=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("days=0: status = %d, want 400", resp.StatusCode)
	}

	resp, body := doJSON(t, env.app, "GET", "/api/ai/insights?days=30", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]interface{})
	if data["days"].(float64) != 30 {
		t.Errorf("days = %v", data["days"])
	}
}

func TestServiceListHidesCredentials(t *testing.T) {
	env := newTestEnv(t, "http://provider.test")

	resp, body := doJSON(t, env.app, "GET", "/api/services/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	data := body["data"].(map[string]interface{})
	services := data["services"].([]interface{})
	if len(services) != 1 {
		t.Fatalf("got %d services", len(services))
	}
	svc := services[0].(map[string]interface{})
	if _, leaked := svc["apiKey"]; leaked {
		t.Error("service listing must not expose API keys")
	}
	if _, leaked := svc["baseUrl"]; leaked {
		t.Error("service listing must not expose base URLs")
	}
	if svc["name"] != "alpha" {
		t.Errorf("name = %v", svc["name"])
	}
}

func TestServiceStatsShape(t *testing.T) {
	env := newTestEnv(t, "http://provider.test")

	resp, body := doJSON(t, env.app, "GET", "/api/services/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	data := body["data"].(map[string]interface{})
	if data["totalServices"] != float64(1) || data["activeServices"] != float64(1) {
		t.Errorf("counts = %v / %v", data["totalServices"], data["activeServices"])
	}
	counts, okCast := data["categoryCounts"].(map[string]interface{})
	if !okCast {
		t.Fatalf("categoryCounts missing; keys = %v", data)
	}
	if counts[string(models.CategoryGeneralChat)] != float64(1) {
		t.Errorf("categoryCounts = %v", counts)
	}
}

func TestServiceToggleRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, "http://provider.test")

	resp, _ := doJSON(t, env.app, "POST", "/api/services/alpha/activate", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin toggle: status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, env.app, "POST", "/admin-api/services/alpha/deactivate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin toggle: status = %d", resp.StatusCode)
	}

	desc, _ := env.reg.Get("alpha")
	if desc.Active {
		t.Error("alpha should be deactivated")
	}

	resp, _ = doJSON(t, env.app, "POST", "/admin-api/services/ghost/deactivate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service: status = %d, want 404", resp.StatusCode)
	}
}

func TestProviderHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://provider.test")

	resp, body := doJSON(t, env.app, "GET", "/api/ai/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	data := body["data"].(map[string]interface{})
	if data["overall"] != true {
		t.Errorf("overall = %v, unprobed providers count as healthy", data["overall"])
	}
	services := data["services"].(map[string]interface{})
	if services["alpha"] != true {
		t.Errorf("services = %v", services)
	}
	if data["timestamp"] == nil {
		t.Error("health payload should carry a timestamp")
	}
}
