package stage_test

import (
	"testing"

	"loom/internal/stage"
	"loom/internal/store"
)

func TestDefinitionsOrderIsContiguous(t *testing.T) {
	defs := stage.Definitions()
	if len(defs) == 0 {
		t.Fatal("expected configured stages")
	}
	for i, def := range defs {
		if def.Order != i {
			t.Fatalf("stage %s has order %d, expected %d", def.Name, def.Order, i)
		}
		if def.Timeout <= 0 {
			t.Fatalf("stage %s has no timeout", def.Name)
		}
	}
}

func TestPriorStatusFollowsStateMachine(t *testing.T) {
	defs := stage.Definitions()
	if got := stage.PriorStatus(defs[0]); got != store.StatusPending {
		t.Fatalf("first stage prior status = %s, expected pending", got)
	}
	for i := 1; i < len(defs); i++ {
		if got := stage.PriorStatus(defs[i]); got != defs[i-1].Working {
			t.Fatalf("stage %s prior status = %s, expected %s", defs[i].Name, got, defs[i-1].Working)
		}
		if !stage.PriorStatus(defs[i]).CanTransition(defs[i].Working) {
			t.Fatalf("transition %s -> %s not permitted by state machine", stage.PriorStatus(defs[i]), defs[i].Working)
		}
	}
}

func TestProgressFloors(t *testing.T) {
	cases := []struct {
		completed, total, want int
	}{
		{0, 6, 0},
		{1, 6, 16},
		{3, 6, 50},
		{5, 6, 83},
		{6, 6, 100},
		{7, 6, 100},
		{-1, 6, 0},
		{1, 0, 0},
	}
	for _, tc := range cases {
		if got := stage.Progress(tc.completed, tc.total); got != tc.want {
			t.Fatalf("Progress(%d, %d) = %d, expected %d", tc.completed, tc.total, got, tc.want)
		}
	}
}

func TestCompletedCountIgnoresNonCompleted(t *testing.T) {
	records := []*store.StageExecution{
		{Status: store.StageCompleted},
		{Status: store.StageFailed},
		{Status: store.StageSkipped},
		{Status: store.StageCompleted},
		nil,
	}
	if got := stage.CompletedCount(records); got != 2 {
		t.Fatalf("CompletedCount = %d, expected 2", got)
	}
}

func TestRegistryComplete(t *testing.T) {
	registry := stage.Registry{}
	if _, ok := registry.Complete(); ok {
		t.Fatal("empty registry should be incomplete")
	}
	for _, def := range stage.Definitions() {
		registry[def.Name] = stage.HandlerFunc(nil)
	}
	if missing, ok := registry.Complete(); !ok {
		t.Fatalf("registry unexpectedly incomplete, missing %s", missing)
	}
}
