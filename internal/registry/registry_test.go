package registry

import (
	"errors"
	"sync"
	"testing"

	"pulsecrm/internal/models"
)

func seedTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	descriptors := []models.ServiceDescriptor{
		{Name: "alpha", Category: models.CategoryGeneralChat, Capabilities: []models.OperationKind{models.OpChat}, Priority: 5, Active: true},
		{Name: "beta", Category: models.CategoryGeneralChat, Capabilities: []models.OperationKind{models.OpChat}, Priority: 10, Active: true},
		{Name: "gamma", Category: models.CategoryGeneralChat, Capabilities: []models.OperationKind{models.OpChat}, Priority: 10, Active: true},
		{Name: "delta", Category: models.CategoryAnalysis, Capabilities: []models.OperationKind{models.OpAnalysis}, Priority: 1, Active: false},
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := seedTestRegistry(t)
	err := r.Register(models.ServiceDescriptor{Name: "alpha"})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestListActiveOrdering(t *testing.T) {
	r := seedTestRegistry(t)

	active := r.ListActive(models.CategoryGeneralChat)
	if len(active) != 3 {
		t.Fatalf("got %d active chat services, want 3", len(active))
	}

	// Priority descending, registration order breaking the beta/gamma tie
	want := []string{"beta", "gamma", "alpha"}
	for i, name := range want {
		if active[i].Name != name {
			t.Errorf("position %d: got %s, want %s", i, active[i].Name, name)
		}
	}
}

func TestListActiveExcludesInactive(t *testing.T) {
	r := seedTestRegistry(t)
	if got := r.ListActive(models.CategoryAnalysis); len(got) != 0 {
		t.Errorf("inactive provider should not be listed, got %d", len(got))
	}
}

func TestSetActive(t *testing.T) {
	r := seedTestRegistry(t)

	if err := r.SetActive("delta", true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got := r.ListActive(models.CategoryAnalysis); len(got) != 1 {
		t.Fatalf("activated provider should be listed, got %d", len(got))
	}

	if err := r.SetActive("delta", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	desc, ok := r.Get("delta")
	if !ok || desc.Active {
		t.Error("delta should exist and be inactive")
	}

	err := r.SetActive("nope", true)
	if !errors.Is(err, ErrUnknownService) {
		t.Errorf("SetActive unknown: got %v, want ErrUnknownService", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := seedTestRegistry(t)

	desc, _ := r.Get("alpha")
	desc.Priority = 999

	again, _ := r.Get("alpha")
	if again.Priority != 5 {
		t.Error("mutating a returned descriptor must not affect the registry")
	}
}

func TestStats(t *testing.T) {
	r := seedTestRegistry(t)

	stats := r.Stats()
	if stats.TotalServices != 4 {
		t.Errorf("TotalServices = %d, want 4", stats.TotalServices)
	}
	if stats.ActiveServices != 3 {
		t.Errorf("ActiveServices = %d, want 3", stats.ActiveServices)
	}
	if stats.CategoryCounts[models.CategoryGeneralChat] != 3 {
		t.Errorf("general-chat count = %d, want 3", stats.CategoryCounts[models.CategoryGeneralChat])
	}
	if stats.CategoryCounts[models.CategoryAnalysis] != 0 {
		t.Errorf("inactive providers should not count, got %d", stats.CategoryCounts[models.CategoryAnalysis])
	}
}

func TestConcurrentToggleAndList(t *testing.T) {
	r := seedTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.SetActive("alpha", i%2 == 0)
			r.ListActive(models.CategoryGeneralChat)
			r.Stats()
		}(i)
	}
	wg.Wait()
}
