package neural

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

// realTimeCacheSize bounds the query-result cache.
const realTimeCacheSize = 1000

// RealTimeMode implements cache-first exact retrieval with
// minimal-overhead adaptation. Learning in this mode is telemetry only:
// weight updates are deferred to heavier modes.
type RealTimeMode struct {
	mu sync.RWMutex
	BaseMode

	queryCache *lru.Cache[string, []domainNeural.PatternMatch]

	// Lazily rebuilt flat index over the candidate pattern set.
	indexed  int
	indexEmb [][]float32
}

// NewRealTimeMode creates a real-time mode engine.
func NewRealTimeMode(config domainNeural.ModeConfig, logger *zap.Logger) *RealTimeMode {
	return &RealTimeMode{BaseMode: NewBaseMode(config, logger)}
}

// Initialize allocates the bounded query cache.
func (m *RealTimeMode) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cache, err := lru.New[string, []domainNeural.PatternMatch](realTimeCacheSize)
	if err != nil {
		return err
	}
	m.queryCache = cache
	return nil
}

// FindPatterns returns the top-k matches for the query embedding.
// Cache hits with at least k entries are served without touching the
// candidate set; misses trigger an exact scan over a lazily rebuilt index.
func (m *RealTimeMode) FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryCache == nil {
		cache, err := lru.New[string, []domainNeural.PatternMatch](realTimeCacheSize)
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

	// Rebuild the flat index when the candidate count changed.
	if m.indexed != len(patterns) {
		m.indexEmb = make([][]float32, len(patterns))
		for i, p := range patterns {
			m.indexEmb[i] = p.Embedding
		}
		m.indexed = len(patterns)
		m.stats.indexRebuilds++
		m.stats.patternsIndexed = int64(len(patterns))
	}

	sims := make([]float64, len(patterns))
	for i := range m.indexEmb {
		sims[i] = CosineSimilarity(embedding, m.indexEmb[i])
	}

	latency := m.recordRetrieval(start)

	matches := make([]domainNeural.PatternMatch, 0, k)
	for _, idx := range selectTopK(sims, k) {
		p := patterns[idx]
		matches = append(matches, domainNeural.PatternMatch{
			Pattern:    p,
			Similarity: sims[idx],
			Confidence: blendConfidence(sims[idx], p.SuccessRate),
			LatencyMs:  latency,
		})
	}

	m.queryCache.Add(key, matches)
	return matches, nil
}

// Learn filters trajectories by the quality threshold and reports the
// improvement estimate of the surviving set. No weights are mutated.
func (m *RealTimeMode) Learn(trajectories []*domainNeural.Trajectory, _ *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordLearning(start)

	if len(trajectories) == 0 {
		return 0, nil
	}

	var sum float64
	var kept int
	for _, t := range trajectories {
		q := t.Quality()
		if q >= m.config.QualityThreshold {
			sum += q
			kept++
		}
	}
	if kept == 0 {
		m.stats.lastImprovement = 0
		return 0, nil
	}

	signal := improvementSignal(sum / float64(kept))
	m.stats.lastImprovement = float64(signal)
	return signal, nil
}

// ApplyLoRA blends only the query and value projections at a small fixed
// mixing factor to minimize per-call cost.
func (m *RealTimeMode) ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	modules := []domainNeural.ModuleID{domainNeural.ModuleQProj, domainNeural.ModuleVProj}
	return m.blendLoRA(input, weights, modules, m.config.LoRAAlpha)
}

// GetStats returns real-time mode telemetry.
func (m *RealTimeMode) GetStats() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.baseStatsMap()
	stats["indexRebuilds"] = float64(m.stats.indexRebuilds)
	stats["patternsIndexed"] = float64(m.stats.patternsIndexed)
	if m.queryCache != nil {
		stats["cachedQueries"] = float64(m.queryCache.Len())
	}
	return stats
}

// Cleanup drops the query cache and index.
func (m *RealTimeMode) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryCache != nil {
		m.queryCache.Purge()
		m.queryCache = nil
	}
	m.indexed = 0
	m.indexEmb = nil
	return nil
}
