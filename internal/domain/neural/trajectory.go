// Package neural provides domain types for the SONA continual-learning engine.
package neural

import (
	"time"

	"github.com/google/uuid"
)

// TrajectoryDomain represents the domain classification of a trajectory.
type TrajectoryDomain string

const (
	// DomainCode is for code-related trajectories.
	DomainCode TrajectoryDomain = "code"
	// DomainCreative is for creative tasks.
	DomainCreative TrajectoryDomain = "creative"
	// DomainReasoning is for logical reasoning tasks.
	DomainReasoning TrajectoryDomain = "reasoning"
	// DomainChat is for conversational tasks.
	DomainChat TrajectoryDomain = "chat"
	// DomainGeneral is the default domain.
	DomainGeneral TrajectoryDomain = "general"
)

// TrajectoryStep is one interaction step in a completed task execution.
// StateBefore and StateAfter are embeddings of equal, fixed dimensionality.
type TrajectoryStep struct {
	// StateBefore is the embedding of state before the action.
	StateBefore []float32 `json:"stateBefore,omitempty"`

	// StateAfter is the embedding of state after the action.
	StateAfter []float32 `json:"stateAfter,omitempty"`

	// Reward is the scalar reward signal for this step.
	Reward float64 `json:"reward"`
}

// Trajectory is a sequence of interaction steps recorded from one completed
// task execution. Produced by the agent runtime, consumed once by Learn.
type Trajectory struct {
	// TrajectoryID is the unique identifier.
	TrajectoryID string `json:"trajectoryId"`

	// Domain is the domain classification.
	Domain TrajectoryDomain `json:"domain"`

	// Steps is the step sequence.
	Steps []TrajectoryStep `json:"steps"`

	// QualityScore is the overall quality (0-1). If nil, quality is
	// derived from step rewards.
	QualityScore *float64 `json:"qualityScore,omitempty"`

	// CreatedAt is when the trajectory was recorded.
	CreatedAt time.Time `json:"createdAt"`
}

// NewTrajectory creates an empty trajectory for a domain.
func NewTrajectory(domain TrajectoryDomain) *Trajectory {
	if domain == "" {
		domain = DomainGeneral
	}
	return &Trajectory{
		TrajectoryID: uuid.New().String(),
		Domain:       domain,
		CreatedAt:    time.Now(),
	}
}

// AddStep appends a step to the trajectory.
func (t *Trajectory) AddStep(step TrajectoryStep) {
	t.Steps = append(t.Steps, step)
}

// Quality returns the quality score, deriving it from the mean step reward
// (clamped to [0,1]) when no explicit score was assigned.
func (t *Trajectory) Quality() float64 {
	if t.QualityScore != nil {
		return *t.QualityScore
	}
	if len(t.Steps) == 0 {
		return 0
	}
	var sum float64
	for _, step := range t.Steps {
		sum += step.Reward
	}
	q := sum / float64(len(t.Steps))
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// GoalState returns the post-state embedding of the last step that has one.
// Returns nil when no step carries a post-state.
func (t *Trajectory) GoalState() []float32 {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if len(t.Steps[i].StateAfter) > 0 {
			return t.Steps[i].StateAfter
		}
	}
	return nil
}

// Rewards returns the reward sequence of the trajectory.
func (t *Trajectory) Rewards() []float64 {
	rewards := make([]float64, len(t.Steps))
	for i, step := range t.Steps {
		rewards[i] = step.Reward
	}
	return rewards
}
