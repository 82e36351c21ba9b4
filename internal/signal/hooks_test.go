package signal

import (
	"context"
	"errors"
	"testing"
)

func TestChainSequentialComposition(t *testing.T) {
	c := chain[int]{name: "test"}
	c.register("double", func(_ context.Context, v int) (int, error) { return v * 2, nil })
	c.register("inc", func(_ context.Context, v int) (int, error) { return v + 1, nil })

	got, err := c.run(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("expected (3*2)+1 = 7, got %d", got)
	}
}

func TestChainDuplicateKeyKeepsOriginal(t *testing.T) {
	c := chain[int]{name: "test"}
	c.register("k", func(_ context.Context, v int) (int, error) { return v + 1, nil })
	if c.register("k", func(_ context.Context, v int) (int, error) { return v + 100, nil }) {
		t.Error("expected duplicate registration to be refused")
	}
	got, _ := c.run(context.Background(), 0)
	if got != 1 {
		t.Errorf("expected original hook kept, got %d", got)
	}
}

func TestChainStopsOnError(t *testing.T) {
	c := chain[int]{name: "test"}
	called := false
	c.register("fail", func(_ context.Context, v int) (int, error) { return 0, errors.New("boom") })
	c.register("after", func(_ context.Context, v int) (int, error) { called = true; return v, nil })

	if _, err := c.run(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("hooks after a failure must not run")
	}
}

func TestChainRemove(t *testing.T) {
	c := chain[int]{name: "test"}
	c.register("a", func(_ context.Context, v int) (int, error) { return v + 1, nil })
	c.register("b", func(_ context.Context, v int) (int, error) { return v + 10, nil })
	c.remove("a")

	keys := c.keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Errorf("expected [b], got %v", keys)
	}
	got, _ := c.run(context.Background(), 0)
	if got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
}
