package neural

import (
	"fmt"
	"testing"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

func qualityPtr(v float64) *float64 { return &v }

func testPattern(seed int, successRate float64) *domainNeural.Pattern {
	emb := make([]float32, 16)
	for i := range emb {
		emb[i] = float32((seed*31+i*7)%100)/50.0 - 1.0
	}
	return domainNeural.NewPattern(emb, successRate)
}

func testTrajectory(quality float64, goal []float32) *domainNeural.Trajectory {
	traj := domainNeural.NewTrajectory(domainNeural.DomainGeneral)
	traj.AddStep(domainNeural.TrajectoryStep{
		StateBefore: make([]float32, len(goal)),
		StateAfter:  goal,
		Reward:      quality,
	})
	traj.QualityScore = qualityPtr(quality)
	return traj
}

func TestNewModeImplementation(t *testing.T) {
	tests := []struct {
		mode     domainNeural.SONAMode
		wantType string
	}{
		{domainNeural.ModeRealTime, "*neural.RealTimeMode"},
		{domainNeural.ModeBalanced, "*neural.BalancedMode"},
		{domainNeural.ModeResearch, "*neural.ResearchMode"},
		{domainNeural.ModeEdge, "*neural.EdgeMode"},
		{domainNeural.ModeBatch, "*neural.BatchMode"},
		{domainNeural.SONAMode("unknown"), "*neural.BalancedMode"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(tt.mode), nil)
			if got := fmt.Sprintf("%T", impl); got != tt.wantType {
				t.Errorf("expected %s, got %s", tt.wantType, got)
			}
		})
	}
}

func TestAllModesLearnEmpty(t *testing.T) {
	for _, mode := range domainNeural.AllSONAModes() {
		t.Run(string(mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(mode), nil)
			if err := impl.Initialize(); err != nil {
				t.Fatalf("initialize failed: %v", err)
			}
			defer impl.Cleanup()

			signal, err := impl.Learn(nil, domainNeural.NewEWCState())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if signal != 0 {
				t.Errorf("expected zero signal for empty input, got %f", signal)
			}
		})
	}
}

func TestAllModesFindPatternsOrdering(t *testing.T) {
	patterns := make([]*domainNeural.Pattern, 20)
	for i := range patterns {
		patterns[i] = testPattern(i, 0.5)
	}
	query := patterns[7].Embedding

	for _, mode := range domainNeural.AllSONAModes() {
		t.Run(string(mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(mode), nil)
			if err := impl.Initialize(); err != nil {
				t.Fatalf("initialize failed: %v", err)
			}
			defer impl.Cleanup()

			matches, err := impl.FindPatterns(query, 5, patterns)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(matches) == 0 || len(matches) > 5 {
				t.Fatalf("expected 1-5 matches, got %d", len(matches))
			}
			for i := 1; i < len(matches); i++ {
				if matches[i].Similarity > matches[i-1].Similarity {
					t.Errorf("matches not sorted: %f before %f",
						matches[i-1].Similarity, matches[i].Similarity)
				}
			}
		})
	}
}

func TestAllModesFindPatternsEmpty(t *testing.T) {
	query := make([]float32, 16)
	query[0] = 1

	for _, mode := range domainNeural.AllSONAModes() {
		t.Run(string(mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(mode), nil)
			if err := impl.Initialize(); err != nil {
				t.Fatalf("initialize failed: %v", err)
			}
			defer impl.Cleanup()

			matches, err := impl.FindPatterns(query, 5, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(matches) != 0 {
				t.Errorf("expected no matches, got %d", len(matches))
			}
		})
	}
}

func TestAllModesApplyLoRAPreservesDimension(t *testing.T) {
	input := make([]float32, 32)
	for i := range input {
		input[i] = float32(i)/16.0 - 1.0
	}

	for _, mode := range domainNeural.AllSONAModes() {
		t.Run(string(mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(mode), nil)
			if err := impl.Initialize(); err != nil {
				t.Fatalf("initialize failed: %v", err)
			}
			defer impl.Cleanup()

			out, err := impl.ApplyLoRA(input, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out) != len(input) {
				t.Errorf("expected dimension %d, got %d", len(input), len(out))
			}
		})
	}
}

func TestApplyLoRARejectsInvalidWeights(t *testing.T) {
	input := make([]float32, 16)
	bad := &domainNeural.LoRAWeights{Dim: 16, Rank: 2} // matrices unallocated

	impl := NewModeImplementation(domainNeural.DefaultModeConfig(domainNeural.ModeBalanced), nil)
	if err := impl.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer impl.Cleanup()

	if _, err := impl.ApplyLoRA(input, bad); err != ErrDimensionMismatch {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestGetStatsHasBaseCounters(t *testing.T) {
	keys := []string{
		"retrievals", "avgRetrievalLatencyMs",
		"adaptations", "avgAdaptLatencyMs",
		"learningCycles", "avgLearnLatencyMs",
		"cacheHits", "cacheMisses", "lastImprovement",
	}

	for _, mode := range domainNeural.AllSONAModes() {
		t.Run(string(mode), func(t *testing.T) {
			impl := NewModeImplementation(domainNeural.DefaultModeConfig(mode), nil)
			if err := impl.Initialize(); err != nil {
				t.Fatalf("initialize failed: %v", err)
			}
			defer impl.Cleanup()

			stats := impl.GetStats()
			for _, key := range keys {
				if _, ok := stats[key]; !ok {
					t.Errorf("missing stat %q", key)
				}
			}
		})
	}
}

func TestEmbeddingCacheKey(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3}
	b := []float32{0.1, 0.2, 0.3}
	c := []float32{0.1, 0.2, 0.4}

	if embeddingCacheKey(a) != embeddingCacheKey(b) {
		t.Error("identical embeddings should share a key")
	}
	if embeddingCacheKey(a) == embeddingCacheKey(c) {
		t.Error("different embeddings should not share a key")
	}
	if embeddingCacheKey(nil) != "empty" {
		t.Errorf("expected empty key, got %q", embeddingCacheKey(nil))
	}
}
