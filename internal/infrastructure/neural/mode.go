// Package neural implements the SONA mode engines and their numeric primitives.
package neural

import (
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

// ModeImplementation is the contract every SONA mode fulfils. One instance
// serves one agent session; instances are never shared across sessions.
type ModeImplementation interface {
	// Initialize allocates the mode's internal caches and buffers.
	Initialize() error

	// FindPatterns retrieves the top-k patterns most similar to the
	// query embedding from the caller-supplied candidate set.
	FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error)

	// Learn updates internal state from completed trajectories and
	// returns an improvement estimate.
	Learn(trajectories []*domainNeural.Trajectory, ewc *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error)

	// ApplyLoRA adapts an embedding with low-rank weights. When weights
	// is nil the mode's internally managed adapter is used.
	ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error)

	// GetStats returns mode telemetry as a flat metric map.
	GetStats() map[string]float64

	// Cleanup releases caches, queues and pending timers.
	Cleanup() error

	// GetConfig returns the immutable mode configuration.
	GetConfig() domainNeural.ModeConfig
}

// NewModeImplementation creates the engine for the configured mode.
// A nil logger defaults to a no-op logger.
func NewModeImplementation(config domainNeural.ModeConfig, logger *zap.Logger) ModeImplementation {
	switch config.Mode {
	case domainNeural.ModeRealTime:
		return NewRealTimeMode(config, logger)
	case domainNeural.ModeBalanced:
		return NewBalancedMode(config, logger)
	case domainNeural.ModeResearch:
		return NewResearchMode(config, logger)
	case domainNeural.ModeEdge:
		return NewEdgeMode(config, logger)
	case domainNeural.ModeBatch:
		return NewBatchMode(config, logger)
	default:
		return NewBalancedMode(domainNeural.DefaultModeConfig(domainNeural.ModeBalanced), logger)
	}
}

// modeStats accumulates per-mode telemetry counters.
type modeStats struct {
	retrievals       int64
	avgRetrievalMs   float64
	adaptations      int64
	avgAdaptMs       float64
	learningCycles   int64
	avgLearnMs       float64
	cacheHits        int64
	cacheMisses      int64
	lastImprovement  float64
	lastEWCPenalty   float64
	indexRebuilds    int64
	patternsIndexed  int64
}

// BaseMode provides state and helpers shared by all mode engines. Callers
// must hold the mode's own lock when touching its fields.
type BaseMode struct {
	config  domainNeural.ModeConfig
	logger  *zap.Logger
	rng     *rand.Rand
	weights *domainNeural.LoRAWeights
	stats   modeStats
}

// NewBaseMode creates the shared mode state.
func NewBaseMode(config domainNeural.ModeConfig, logger *zap.Logger) BaseMode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseMode{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetConfig returns the immutable mode configuration.
func (b *BaseMode) GetConfig() domainNeural.ModeConfig {
	return b.config
}

// ensureWeights lazily creates the internal adapter sized to the first
// observed embedding dimension.
func (b *BaseMode) ensureWeights(dim int) *domainNeural.LoRAWeights {
	if b.weights == nil || b.weights.Dim != dim {
		b.weights = domainNeural.NewLoRAWeights(dim, b.config.LoRARank)
	}
	return b.weights
}

// blendLoRA runs the input through the adapters of the given modules,
// mixing each transformed vector into the running result at the given
// factor: cur = (1-mix)*cur + mix*transform(cur).
func (b *BaseMode) blendLoRA(input []float32, weights *domainNeural.LoRAWeights, modules []domainNeural.ModuleID, mix float64) ([]float32, error) {
	if weights == nil {
		weights = b.ensureWeights(len(input))
	}
	if err := weights.Validate(); err != nil {
		return nil, ErrDimensionMismatch
	}

	cur := make([]float32, len(input))
	copy(cur, input)

	for _, m := range modules {
		transformed, err := ApplyLoRATransform(cur, weights.A[m], weights.B[m], weights.Rank)
		if err != nil {
			return nil, err
		}
		for i := range cur {
			cur[i] = float32((1-mix)*float64(cur[i]) + mix*float64(transformed[i]))
		}
	}
	return cur, nil
}

// recordRetrieval folds a retrieval latency into the running average.
func (b *BaseMode) recordRetrieval(start time.Time) float64 {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	b.stats.retrievals++
	b.stats.avgRetrievalMs = (b.stats.avgRetrievalMs*float64(b.stats.retrievals-1) + elapsed) / float64(b.stats.retrievals)
	return elapsed
}

// recordAdaptation folds an adaptation latency into the running average.
func (b *BaseMode) recordAdaptation(start time.Time) {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	b.stats.adaptations++
	b.stats.avgAdaptMs = (b.stats.avgAdaptMs*float64(b.stats.adaptations-1) + elapsed) / float64(b.stats.adaptations)
}

// recordLearning folds a learning latency into the running average.
func (b *BaseMode) recordLearning(start time.Time) {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	b.stats.learningCycles++
	b.stats.avgLearnMs = (b.stats.avgLearnMs*float64(b.stats.learningCycles-1) + elapsed) / float64(b.stats.learningCycles)
}

// baseStatsMap exports the shared counters as a metric map.
func (b *BaseMode) baseStatsMap() map[string]float64 {
	return map[string]float64{
		"retrievals":            float64(b.stats.retrievals),
		"avgRetrievalLatencyMs": b.stats.avgRetrievalMs,
		"adaptations":           float64(b.stats.adaptations),
		"avgAdaptLatencyMs":     b.stats.avgAdaptMs,
		"learningCycles":        float64(b.stats.learningCycles),
		"avgLearnLatencyMs":     b.stats.avgLearnMs,
		"cacheHits":             float64(b.stats.cacheHits),
		"cacheMisses":           float64(b.stats.cacheMisses),
		"lastImprovement":       b.stats.lastImprovement,
	}
}

// embeddingCacheKey derives a cache key from a fixed prefix of the query
// embedding, discretized to three decimal places.
func embeddingCacheKey(embedding []float32) string {
	if len(embedding) == 0 {
		return "empty"
	}

	const prefix = 8
	n := prefix
	if len(embedding) < n {
		n = len(embedding)
	}

	buf := make([]byte, 0, n*8)
	buf = strconv.AppendInt(buf, int64(len(embedding)), 10)
	for i := 0; i < n; i++ {
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(embedding[i]*1000), 10)
	}
	return string(buf)
}

// blendConfidence blends similarity with a pattern's historical success
// rate into a single confidence value.
func blendConfidence(similarity, successRate float64) float64 {
	return similarity*0.7 + successRate*0.3
}

// selectTopK returns the indices of the k largest scores via repeated max
// extraction, avoiding a full sort for small k. Ties keep the lower index.
func selectTopK(scores []float64, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	taken := make([]bool, len(scores))
	out := make([]int, 0, k)
	for n := 0; n < k; n++ {
		best := -1
		for i, s := range scores {
			if taken[i] {
				continue
			}
			if best == -1 || s > scores[best] {
				best = i
			}
		}
		if best == -1 {
			break
		}
		taken[best] = true
		out = append(out, best)
	}
	return out
}

// improvementSignal converts an average quality into the improvement
// estimate reported by Learn: max(0, avgQuality - 0.5).
func improvementSignal(avgQuality float64) domainNeural.ObjectiveSignal {
	if avgQuality <= 0.5 {
		return 0
	}
	return domainNeural.ObjectiveSignal(avgQuality - 0.5)
}
