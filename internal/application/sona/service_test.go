package sona

import (
	"testing"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
	"github.com/tannht/opencode-flow-sub009/internal/infrastructure/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := memory.NewStore(memory.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	service := NewService(store, nil)
	t.Cleanup(func() { service.Close() })
	return service
}

func testEmbedding(seed int) []float32 {
	emb := make([]float32, 16)
	for i := range emb {
		emb[i] = float32((seed*31+i*7)%100)/50.0 - 1.0
	}
	return emb
}

func TestServiceSessionLifecycle(t *testing.T) {
	service := newTestService(t)

	impl, err := service.StartSession("s1", domainNeural.ModeBalanced)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if impl.GetConfig().Mode != domainNeural.ModeBalanced {
		t.Errorf("expected balanced mode, got %s", impl.GetConfig().Mode)
	}

	if _, err := service.StartSession("s1", domainNeural.ModeEdge); err == nil {
		t.Error("expected error starting a duplicate session")
	}

	if err := service.EndSession("s1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := service.EndSession("s1"); err == nil {
		t.Error("expected error ending an unknown session")
	}
}

func TestServiceFindPatterns(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StartSession("s1", domainNeural.ModeRealTime); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	target := domainNeural.NewPattern(testEmbedding(5), 0.8)
	if err := service.RecordPattern(target); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := service.RecordPattern(domainNeural.NewPattern(testEmbedding(i*100+50), 0.5)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	matches, err := service.FindPatterns("s1", target.Embedding, 3)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].Pattern.ID != target.ID {
		t.Errorf("expected exact match first, got %s", matches[0].Pattern.ID)
	}

	if _, err := service.FindPatterns("missing", target.Embedding, 3); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestServiceLearnFromStoredTrajectories(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StartSession("s1", domainNeural.ModeBalanced); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	goal := testEmbedding(3)
	for i := 0; i < 4; i++ {
		traj := domainNeural.NewTrajectory(domainNeural.DomainCode)
		traj.AddStep(domainNeural.TrajectoryStep{StateAfter: goal, Reward: 0.9})
		if err := service.RecordTrajectory("s1", traj); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	signal, err := service.Learn("s1", domainNeural.DomainCode, 10)
	if err != nil {
		t.Fatalf("learn failed: %v", err)
	}
	if signal <= 0 {
		t.Errorf("expected positive signal from 0.9-reward trajectories, got %f", signal)
	}
}

func TestServiceAdaptAndStats(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StartSession("s1", domainNeural.ModeEdge); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	out, err := service.Adapt("s1", testEmbedding(1))
	if err != nil {
		t.Fatalf("adapt failed: %v", err)
	}
	if len(out) != 16 {
		t.Errorf("expected dimension 16, got %d", len(out))
	}

	stats, err := service.Stats("s1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats["adaptations"] != 1 {
		t.Errorf("expected 1 adaptation, got %f", stats["adaptations"])
	}
}

func TestServiceRecordOutcome(t *testing.T) {
	service := newTestService(t)

	p := domainNeural.NewPattern(testEmbedding(9), 0.0)
	if err := service.RecordPattern(p); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := service.RecordOutcome(p.ID, true); err != nil {
		t.Fatalf("outcome failed: %v", err)
	}
	if err := service.RecordOutcome("missing", true); err == nil {
		t.Error("expected error for unknown pattern")
	}
}
