package neural

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

const (
	// balancedCacheSize bounds the query-result cache.
	balancedCacheSize = 500

	// momentumBeta is the exponential momentum coefficient.
	momentumBeta = 0.9

	// negativesPerPositive caps contrastive bad examples per good trajectory.
	negativesPerPositive = 3
)

// Accumulator buffer keys, shared with the EWC state's parameter groups.
const (
	bufferPositive = "positive"
	bufferNegative = "negative"
)

// BalancedMode implements the general-purpose speed/quality trade-off:
// cached full search plus momentum-based contrastive gradient accumulation
// with an EWC penalty.
type BalancedMode struct {
	mu sync.RWMutex
	BaseMode

	queryCache *lru.Cache[string, []domainNeural.PatternMatch]

	momentum     []float64
	accumulators map[string][]float64
}

// NewBalancedMode creates a balanced mode engine.
func NewBalancedMode(config domainNeural.ModeConfig, logger *zap.Logger) *BalancedMode {
	return &BalancedMode{
		BaseMode:     NewBaseMode(config, logger),
		accumulators: make(map[string][]float64),
	}
}

// Initialize allocates the bounded query cache and gradient buffers.
func (m *BalancedMode) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cache, err := lru.New[string, []domainNeural.PatternMatch](balancedCacheSize)
	if err != nil {
		return err
	}
	m.queryCache = cache
	m.accumulators = make(map[string][]float64)
	m.momentum = nil
	return nil
}

// FindPatterns computes full similarity over all candidates, sorts
// descending and caches the top-k slice.
func (m *BalancedMode) FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryCache == nil {
		cache, err := lru.New[string, []domainNeural.PatternMatch](balancedCacheSize)
		if err != nil {
			return nil, err
		}
		m.queryCache = cache
	}

	key := embeddingCacheKey(embedding)
	if cached, ok := m.queryCache.Get(key); ok && len(cached) >= k {
		m.stats.cacheHits++
		m.recordRetrieval(start)
		return cached[:k], nil
	}
	m.stats.cacheMisses++

	if len(patterns) == 0 {
		m.recordRetrieval(start)
		return nil, nil
	}

	matches := make([]domainNeural.PatternMatch, len(patterns))
	for i, p := range patterns {
		sim := CosineSimilarity(embedding, p.Embedding)
		matches[i] = domainNeural.PatternMatch{
			Pattern:    p,
			Similarity: sim,
			Confidence: blendConfidence(sim, p.SuccessRate),
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k < len(matches) {
		matches = matches[:k]
	}

	latency := m.recordRetrieval(start)
	for i := range matches {
		matches[i].LatencyMs = latency
	}

	m.queryCache.Add(key, matches)
	return matches, nil
}

// Learn splits trajectories into good and bad halves around the quality
// threshold, accumulates contrastive gradients from their goal states and
// applies the EWC penalty over matching parameter groups.
func (m *BalancedMode) Learn(trajectories []*domainNeural.Trajectory, ewc *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordLearning(start)

	if len(trajectories) == 0 {
		return 0, nil
	}

	var good, bad []*domainNeural.Trajectory
	for _, t := range trajectories {
		if t.Quality() >= m.config.QualityThreshold {
			good = append(good, t)
		} else {
			bad = append(bad, t)
		}
	}
	if len(good) == 0 {
		m.stats.lastImprovement = 0
		return 0, nil
	}

	lr := m.config.LearningRate
	var qualitySum float64

	for _, t := range good {
		qualitySum += t.Quality()

		goal := t.GoalState()
		if len(goal) == 0 {
			continue
		}
		m.ensureBuffers(len(goal))

		// Gradient toward the goal state, smoothed by momentum.
		q := t.Quality()
		pos := m.accumulators[bufferPositive]
		for i := 0; i < len(goal) && i < len(pos); i++ {
			grad := float64(goal[i]) * q
			m.momentum[i] = momentumBeta*m.momentum[i] + (1-momentumBeta)*grad
			pos[i] += lr * m.momentum[i]
		}
	}

	// Contrastive push away from low-quality outcomes at half the rate.
	maxNegatives := negativesPerPositive * len(good)
	if len(bad) > maxNegatives {
		bad = bad[:maxNegatives]
	}
	for _, t := range bad {
		goal := t.GoalState()
		if len(goal) == 0 {
			continue
		}
		m.ensureBuffers(len(goal))

		q := t.Quality()
		neg := m.accumulators[bufferNegative]
		for i := 0; i < len(goal) && i < len(neg); i++ {
			neg[i] += 0.5 * lr * float64(goal[i]) * -q
		}
	}

	// EWC penalty over parameter groups present in both the state and
	// the accumulators. Keys without stored means contribute zero.
	var penalty float64
	if ewc != nil {
		for key, buf := range m.accumulators {
			penalty += ewc.Penalty(key, buf, m.config.EWCLambda)
		}
	}
	m.stats.lastEWCPenalty = penalty

	signal := improvementSignal(qualitySum / float64(len(good)))
	m.stats.lastImprovement = float64(signal)
	return signal, nil
}

// ensureBuffers sizes the momentum and accumulator buffers to the
// embedding dimension on first use.
func (m *BalancedMode) ensureBuffers(dim int) {
	if len(m.momentum) != dim {
		m.momentum = make([]float64, dim)
	}
	if m.accumulators == nil {
		m.accumulators = make(map[string][]float64)
	}
	if len(m.accumulators[bufferPositive]) != dim {
		m.accumulators[bufferPositive] = make([]float64, dim)
	}
	if len(m.accumulators[bufferNegative]) != dim {
		m.accumulators[bufferNegative] = make([]float64, dim)
	}
}

// ApplyLoRA blends all four attention projections.
func (m *BalancedMode) ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	return m.blendLoRA(input, weights, domainNeural.AllModules(), m.config.LoRAAlpha)
}

// GetStats returns balanced mode telemetry.
func (m *BalancedMode) GetStats() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.baseStatsMap()
	stats["ewcPenalty"] = m.stats.lastEWCPenalty
	if m.queryCache != nil {
		stats["cachedQueries"] = float64(m.queryCache.Len())
	}
	return stats
}

// Cleanup drops the cache and gradient buffers.
func (m *BalancedMode) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryCache != nil {
		m.queryCache.Purge()
		m.queryCache = nil
	}
	m.momentum = nil
	m.accumulators = make(map[string][]float64)
	return nil
}
