package memory

import (
	"math"
	"testing"
	"time"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

func timeOffset(i int) time.Duration {
	return time.Duration(i) * time.Minute
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorePatternRoundTrip(t *testing.T) {
	store := newTestStore(t)

	p := domainNeural.NewPattern([]float32{0.1, -0.5, 0.9, 0.25}, 0.7)
	p.UsageCount = 3

	if err := store.SavePattern(p); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	patterns, err := store.ListPatterns()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(patterns))
	}

	got := patterns[0]
	if got.ID != p.ID {
		t.Errorf("expected ID %s, got %s", p.ID, got.ID)
	}
	if got.SuccessRate != 0.7 || got.UsageCount != 3 {
		t.Errorf("metadata lost: rate=%f count=%d", got.SuccessRate, got.UsageCount)
	}
	if len(got.Embedding) != len(p.Embedding) {
		t.Fatalf("embedding dim %d, want %d", len(got.Embedding), len(p.Embedding))
	}
	for i := range p.Embedding {
		if got.Embedding[i] != p.Embedding[i] {
			t.Errorf("embedding[%d]: %f, want %f", i, got.Embedding[i], p.Embedding[i])
		}
	}
}

func TestStoreListPatternsOrderedBySuccess(t *testing.T) {
	store := newTestStore(t)

	for _, rate := range []float64{0.2, 0.9, 0.5} {
		if err := store.SavePattern(domainNeural.NewPattern([]float32{1}, rate)); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	patterns, err := store.ListPatterns()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []float64{0.9, 0.5, 0.2}
	for i, p := range patterns {
		if p.SuccessRate != want[i] {
			t.Errorf("index %d: expected rate %f, got %f", i, want[i], p.SuccessRate)
		}
	}
}

func TestStoreUpdatePatternOutcome(t *testing.T) {
	store := newTestStore(t)

	p := domainNeural.NewPattern([]float32{1, 2}, 0.5)
	p.UsageCount = 1
	if err := store.SavePattern(p); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.UpdatePatternOutcome(p.ID, true); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	patterns, err := store.ListPatterns()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := patterns[0]
	// (0.5*1 + 1) / 2 = 0.75
	if math.Abs(got.SuccessRate-0.75) > 1e-9 {
		t.Errorf("expected rate 0.75, got %f", got.SuccessRate)
	}
	if got.UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", got.UsageCount)
	}

	if err := store.UpdatePatternOutcome("missing", false); err == nil {
		t.Error("expected error for unknown pattern")
	}
}

func TestStoreTrajectoryRoundTrip(t *testing.T) {
	store := newTestStore(t)

	traj := domainNeural.NewTrajectory(domainNeural.DomainCode)
	traj.AddStep(domainNeural.TrajectoryStep{
		StateBefore: []float32{0.1, 0.2},
		StateAfter:  []float32{0.3, 0.4},
		Reward:      0.8,
	})
	traj.AddStep(domainNeural.TrajectoryStep{
		StateAfter: []float32{0.5, 0.6},
		Reward:     0.6,
	})
	q := 0.75
	traj.QualityScore = &q

	if err := store.SaveTrajectory(traj); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.ListTrajectories(domainNeural.DomainCode, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 trajectory, got %d", len(loaded))
	}

	got := loaded[0]
	if got.TrajectoryID != traj.TrajectoryID || got.Domain != domainNeural.DomainCode {
		t.Errorf("identity lost: %s/%s", got.TrajectoryID, got.Domain)
	}
	if got.QualityScore == nil || *got.QualityScore != 0.75 {
		t.Error("quality score lost")
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}
	if got.Steps[0].StateBefore[1] != 0.2 || got.Steps[1].StateAfter[0] != 0.5 {
		t.Error("step states lost")
	}
	if got.Steps[1].StateBefore != nil {
		t.Error("absent state should stay nil")
	}
	if got.Steps[0].Reward != 0.8 {
		t.Errorf("expected reward 0.8, got %f", got.Steps[0].Reward)
	}
}

func TestStoreListTrajectoriesFiltersDomain(t *testing.T) {
	store := newTestStore(t)

	for _, domain := range []domainNeural.TrajectoryDomain{
		domainNeural.DomainCode, domainNeural.DomainChat, domainNeural.DomainCode,
	} {
		if err := store.SaveTrajectory(domainNeural.NewTrajectory(domain)); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	code, err := store.ListTrajectories(domainNeural.DomainCode, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(code) != 2 {
		t.Errorf("expected 2 code trajectories, got %d", len(code))
	}

	all, err := store.ListTrajectories("", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 trajectories, got %d", len(all))
	}
}

func TestStorePruneTrajectories(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 10; i++ {
		traj := domainNeural.NewTrajectory(domainNeural.DomainGeneral)
		traj.CreatedAt = traj.CreatedAt.Add(-timeOffset(i))
		traj.AddStep(domainNeural.TrajectoryStep{Reward: 0.5})
		if err := store.SaveTrajectory(traj); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	pruned, err := store.PruneTrajectories(4)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 6 {
		t.Errorf("expected 6 pruned, got %d", pruned)
	}

	remaining, err := store.ListTrajectories("", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 4 {
		t.Errorf("expected 4 remaining, got %d", len(remaining))
	}
}

func TestBlobHelpers(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75, 0}
	back := bytesToFloat32Slice(float32SliceToBytes(v))
	if len(back) != len(v) {
		t.Fatalf("expected %d values, got %d", len(v), len(back))
	}
	for i := range v {
		if back[i] != v[i] {
			t.Errorf("index %d: %f, want %f", i, back[i], v[i])
		}
	}

	if float32SliceToBytes(nil) != nil {
		t.Error("empty slice should encode to nil")
	}
	if bytesToFloat32Slice([]byte{1, 2, 3}) != nil {
		t.Error("misaligned bytes should decode to nil")
	}
}
