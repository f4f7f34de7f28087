// Package neural provides domain types for the SONA continual-learning engine.
package neural

// EWCState carries Elastic Weight Consolidation state across learning
// calls: Fisher importance weights plus reference parameter means, both
// keyed by a parameter-group identifier. A key present in Fisher but absent
// from Means contributes zero penalty.
type EWCState struct {
	// Fisher maps parameter groups to per-element importance weights.
	Fisher map[string][]float64 `json:"fisher"`

	// Means maps parameter groups to reference values from prior learning.
	Means map[string][]float64 `json:"means"`
}

// NewEWCState creates an empty EWC state.
func NewEWCState() *EWCState {
	return &EWCState{
		Fisher: make(map[string][]float64),
		Means:  make(map[string][]float64),
	}
}

// Penalty computes the EWC regularization term for one parameter group:
// lambda * 0.5 * sum_i(F_i * (theta_i - theta_old_i)^2).
// Returns 0 when the group has no Fisher weights or no stored means.
func (s *EWCState) Penalty(key string, current []float64, lambda float64) float64 {
	if s == nil {
		return 0
	}
	fisher, ok := s.Fisher[key]
	if !ok {
		return 0
	}
	means, ok := s.Means[key]
	if !ok {
		return 0
	}

	var sum float64
	n := len(current)
	if len(fisher) < n {
		n = len(fisher)
	}
	if len(means) < n {
		n = len(means)
	}
	for i := 0; i < n; i++ {
		diff := current[i] - means[i]
		sum += fisher[i] * diff * diff
	}
	return lambda * 0.5 * sum
}

// Consolidate records the current parameter values of a group as the new
// reference means and stores its importance weights.
func (s *EWCState) Consolidate(key string, fisher, params []float64) {
	f := make([]float64, len(fisher))
	copy(f, fisher)
	p := make([]float64, len(params))
	copy(p, params)
	s.Fisher[key] = f
	s.Means[key] = p
}
