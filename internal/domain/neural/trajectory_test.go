package neural

import (
	"math"
	"testing"
)

func TestTrajectoryQuality(t *testing.T) {
	tests := []struct {
		name     string
		rewards  []float64
		explicit *float64
		expected float64
	}{
		{"explicit score wins", []float64{0.1}, ptr(0.9), 0.9},
		{"mean of rewards", []float64{0.2, 0.4, 0.6}, nil, 0.4},
		{"clamped above", []float64{2, 2}, nil, 1},
		{"clamped below", []float64{-1, -1}, nil, 0},
		{"no steps", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traj := NewTrajectory(DomainGeneral)
			for _, r := range tt.rewards {
				traj.AddStep(TrajectoryStep{Reward: r})
			}
			traj.QualityScore = tt.explicit

			if got := traj.Quality(); math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestTrajectoryGoalState(t *testing.T) {
	traj := NewTrajectory(DomainCode)
	traj.AddStep(TrajectoryStep{StateAfter: []float32{1, 2}})
	traj.AddStep(TrajectoryStep{StateAfter: []float32{3, 4}})
	traj.AddStep(TrajectoryStep{Reward: 0.5}) // no post-state

	goal := traj.GoalState()
	if len(goal) != 2 || goal[0] != 3 {
		t.Errorf("expected last populated post-state, got %v", goal)
	}

	empty := NewTrajectory(DomainChat)
	if empty.GoalState() != nil {
		t.Error("expected nil goal for empty trajectory")
	}
}

func TestNewTrajectoryDefaultsDomain(t *testing.T) {
	traj := NewTrajectory("")
	if traj.Domain != DomainGeneral {
		t.Errorf("expected general domain, got %s", traj.Domain)
	}
	if traj.TrajectoryID == "" {
		t.Error("expected generated trajectory ID")
	}
}

func ptr(v float64) *float64 { return &v }
