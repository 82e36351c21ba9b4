package agent

import "testing"

func TestRegistry(t *testing.T) {
	r := NewRegistry(Agent{ID: "b", Name: "Bravo"}, Agent{ID: "a", Name: "Alpha"})

	a, ok := r.Get("a")
	if !ok || a.Name != "Alpha" {
		t.Errorf("expected agent a, got %+v (ok=%v)", a, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("expected missing agent to be absent")
	}

	r.Register(Agent{ID: "a", Name: "Alpha 2"})
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}
	if all[0].ID != "a" || all[0].Name != "Alpha 2" {
		t.Errorf("expected replaced agent first, got %+v", all[0])
	}
}
