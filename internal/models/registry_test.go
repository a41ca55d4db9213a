package models

import (
	"math"
	"testing"
)

func TestResolve_DefaultWhenMissing(t *testing.T) {
	r := NewRegistry()
	m := r.Resolve("openai", "", nil)
	if m.ID != "gpt-4o-mini" {
		t.Errorf("Expected gpt-4o-mini, got %s", m.ID)
	}
	if m.Info.InputPrice != 0.15 {
		t.Errorf("Expected catalog info, got %+v", m.Info)
	}
}

func TestResolve_ConfiguredID(t *testing.T) {
	r := NewRegistry()
	m := r.Resolve("openai", "gpt-4o", nil)
	if m.ID != "gpt-4o" || m.Info.OutputPrice != 10 {
		t.Errorf("Unexpected model %+v", m)
	}
}

func TestResolve_UnknownIDKeepsIDWithDefaultInfo(t *testing.T) {
	r := NewRegistry()
	m := r.Resolve("anthropic", "my-finetune", nil)
	if m.ID != "my-finetune" {
		t.Errorf("Expected configured id to survive, got %s", m.ID)
	}
	if m.Info.ContextWindow != 200000 {
		t.Errorf("Expected backend default info, got %+v", m.Info)
	}
}

func TestResolve_Override(t *testing.T) {
	r := NewRegistry()
	override := &ModelInfo{MaxTokens: 1, InputPrice: 42}
	m := r.Resolve("ticketed", "", override)
	if m.ID != FallbackID {
		t.Errorf("Expected %s, got %s", FallbackID, m.ID)
	}
	if m.Info.InputPrice != 42 {
		t.Errorf("Expected override info, got %+v", m.Info)
	}
}

func TestResolve_UnknownBackend(t *testing.T) {
	r := NewRegistry()
	m := r.Resolve("nope", "", nil)
	if m.ID != FallbackID || m.Info.MaxTokens != 4096 {
		t.Errorf("Unexpected fallback %+v", m)
	}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry()
	r.Register("internal-7b", ModelInfo{MaxTokens: 2048})
	r.SetDefault("ticketed", "internal-7b")

	if m := r.Resolve("ticketed", "", nil); m.ID != "internal-7b" || m.Info.MaxTokens != 2048 {
		t.Errorf("Unexpected model %+v", m)
	}

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Fatalf("List not sorted at %d", i)
		}
	}
}

func TestCost(t *testing.T) {
	info := ModelInfo{InputPrice: 3, OutputPrice: 15}
	got := Cost(info, 1000, 2000)
	want := 0.003 + 0.03
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %f, got %f", want, got)
	}
}
