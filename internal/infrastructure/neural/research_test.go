package neural

import (
	"testing"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

func researchConfig() domainNeural.ModeConfig {
	config := domainNeural.DefaultModeConfig(domainNeural.ModeResearch)
	config.PatternClusters = 3
	return config
}

func TestResearchModeRebuildClusters(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	patterns := make([]*domainNeural.Pattern, 12)
	for i := range patterns {
		patterns[i] = testPattern(i*17, 0.5)
	}

	m.rebuildClusters(patterns)
	if len(m.clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(m.clusters))
	}

	var total int
	for _, c := range m.clusters {
		total += len(c.members)
	}
	if total != len(patterns) {
		t.Errorf("expected %d assigned patterns, got %d", len(patterns), total)
	}
}

func TestResearchModeClusterCountCappedByPatterns(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	patterns := []*domainNeural.Pattern{testPattern(1, 0.5), testPattern(2, 0.5)}
	m.rebuildClusters(patterns)
	if len(m.clusters) != 2 {
		t.Errorf("expected clusters capped at 2, got %d", len(m.clusters))
	}
}

func TestResearchModeFindPatternsFallback(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	patterns := make([]*domainNeural.Pattern, 6)
	for i := range patterns {
		patterns[i] = testPattern(i*11, 0.5)
	}

	// k equal to the full set forces the exhaustive fallback.
	matches, err := m.FindPatterns(patterns[0].Embedding, 6, patterns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 6 {
		t.Errorf("expected 6 matches, got %d", len(matches))
	}
	if matches[0].Pattern.ID != patterns[0].ID {
		t.Errorf("expected exact match first, got %s", matches[0].Pattern.ID)
	}
}

func TestResearchModeCheckpointRing(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	goal := make([]float32, 8)
	goal[0] = 1
	trajectories := []*domainNeural.Trajectory{testTrajectory(0.7, goal)}

	for i := 0; i < 30; i++ {
		if _, err := m.Learn(trajectories, nil); err != nil {
			t.Fatalf("learn %d failed: %v", i, err)
		}
	}

	checkpoints := m.Checkpoints()
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints after 30 learn calls, got %d", len(checkpoints))
	}
	for i, cp := range checkpoints {
		if cp.ID == "" {
			t.Errorf("checkpoint %d has no ID", i)
		}
		if len(cp.Params) != len(goal) {
			t.Errorf("checkpoint %d params dim %d, want %d", i, len(cp.Params), len(goal))
		}
	}
}

func TestResearchModeCheckpointRingBounded(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	goal := make([]float32, 4)
	goal[1] = 1
	trajectories := []*domainNeural.Trajectory{testTrajectory(0.6, goal)}

	for i := 0; i < checkpointInterval*(maxCheckpoints+5); i++ {
		if _, err := m.Learn(trajectories, nil); err != nil {
			t.Fatalf("learn %d failed: %v", i, err)
		}
	}

	if got := len(m.Checkpoints()); got != maxCheckpoints {
		t.Errorf("expected ring bounded at %d, got %d", maxCheckpoints, got)
	}
}

func TestResearchModeAdamMovesParams(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	goal := make([]float32, 8)
	for i := range goal {
		goal[i] = float32(i+1) / 8.0
	}

	if _, err := m.Learn([]*domainNeural.Trajectory{testTrajectory(0.9, goal)}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.adamT == 0 {
		t.Fatal("expected at least one optimizer step")
	}
	var moved bool
	for _, p := range m.params {
		if p != 0 {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("expected parameters to move after learning")
	}
}

func TestResearchModeImprovementNeedsHistory(t *testing.T) {
	m := NewResearchMode(researchConfig(), nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer m.Cleanup()

	goal := make([]float32, 4)
	goal[0] = 1

	// Fewer than ten qualities recorded: no baseline to compare against.
	signal, err := m.Learn([]*domainNeural.Trajectory{testTrajectory(0.9, goal)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signal != 0 {
		t.Errorf("expected zero signal without history, got %f", signal)
	}

	// Low baseline then a high recent window: positive improvement.
	low := []*domainNeural.Trajectory{testTrajectory(0.3, goal)}
	high := []*domainNeural.Trajectory{testTrajectory(0.9, goal)}
	for i := 0; i < 15; i++ {
		if _, err := m.Learn(low, nil); err != nil {
			t.Fatalf("learn failed: %v", err)
		}
	}
	var last domainNeural.ObjectiveSignal
	for i := 0; i < 10; i++ {
		last, err = m.Learn(high, nil)
		if err != nil {
			t.Fatalf("learn failed: %v", err)
		}
	}
	if last <= 0 {
		t.Errorf("expected positive improvement after quality jump, got %f", last)
	}
}
