package neural

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

// edgeDrainInterval is the delay before queued updates are applied.
const edgeDrainInterval = 100 * time.Millisecond

// quantizedVector is an int8-compressed embedding with its scale.
type quantizedVector struct {
	data  []int8
	scale float64
}

// quantizedMatrix is an int8-compressed weight matrix with its scale.
type quantizedMatrix struct {
	data  []int8
	scale float64
}

// patternMeta tracks the mutable per-pattern statistics kept alongside the
// compressed embedding.
type patternMeta struct {
	successRate float64
	usageCount  int
}

// EdgeMode implements the resource-constrained mode: int8-quantized
// pattern storage and weight caches, asynchronous deferred learning and
// explicit memory accounting.
type EdgeMode struct {
	mu sync.Mutex
	BaseMode

	compressed map[string]quantizedVector
	meta       map[string]*patternMeta

	weightCache map[string]quantizedMatrix

	updateQueue []func() error
	drainTimer  *time.Timer

	memoryBytes int64
}

// NewEdgeMode creates an edge mode engine.
func NewEdgeMode(config domainNeural.ModeConfig, logger *zap.Logger) *EdgeMode {
	return &EdgeMode{
		BaseMode:    NewBaseMode(config, logger),
		compressed:  make(map[string]quantizedVector),
		meta:        make(map[string]*patternMeta),
		weightCache: make(map[string]quantizedMatrix),
	}
}

// Initialize resets compressed storage and the update queue.
func (m *EdgeMode) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.compressed = make(map[string]quantizedVector)
	m.meta = make(map[string]*patternMeta)
	m.weightCache = make(map[string]quantizedMatrix)
	m.updateQueue = nil
	m.stopDrainLocked()
	return nil
}

// FindPatterns searches over int8-compressed embeddings. Unseen candidates
// are quantized and admitted on first sight; the similarity itself runs
// entirely in the compressed domain.
func (m *EdgeMode) FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(patterns) == 0 {
		m.recordRetrieval(start)
		return nil, nil
	}

	query, _ := QuantizeInt8(embedding)

	sims := make([]float64, len(patterns))
	for i, p := range patterns {
		qv, ok := m.compressed[p.ID]
		if !ok {
			data, scale := QuantizeInt8(p.Embedding)
			qv = quantizedVector{data: data, scale: scale}
			m.compressed[p.ID] = qv
			m.meta[p.ID] = &patternMeta{successRate: p.SuccessRate, usageCount: p.UsageCount}
			m.memoryBytes += int64(len(data)) + 8
			m.stats.patternsIndexed++
		}
		sims[i] = CosineSimilarityInt8(query, qv.data)
	}

	latency := m.recordRetrieval(start)

	matches := make([]domainNeural.PatternMatch, 0, k)
	for _, idx := range selectTopK(sims, k) {
		p := patterns[idx]
		sr := p.SuccessRate
		if mt, ok := m.meta[p.ID]; ok {
			sr = mt.successRate
		}
		matches = append(matches, domainNeural.PatternMatch{
			Pattern:    p,
			Similarity: sims[idx],
			Confidence: blendConfidence(sims[idx], sr),
			LatencyMs:  latency,
		})
	}
	return matches, nil
}

// Learn defers all work: each accepted trajectory becomes a queued closure
// that nudges the success rate of its nearest compressed pattern, applied
// asynchronously on the drain interval. The returned estimate reflects the
// accepted set only.
func (m *EdgeMode) Learn(trajectories []*domainNeural.Trajectory, _ *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error) {
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
		if q < m.config.QualityThreshold {
			continue
		}
		sum += q
		kept++

		goal := t.GoalState()
		if len(goal) == 0 {
			continue
		}
		m.updateQueue = append(m.updateQueue, m.reinforceUpdate(goal, q))
	}
	m.scheduleDrainLocked()

	if kept == 0 {
		m.stats.lastImprovement = 0
		return 0, nil
	}
	signal := improvementSignal(sum / float64(kept))
	m.stats.lastImprovement = float64(signal)
	return signal, nil
}

// reinforceUpdate builds a deferred update that folds the trajectory
// quality into the success rate of the nearest compressed pattern.
func (m *EdgeMode) reinforceUpdate(goal []float32, quality float64) func() error {
	q, _ := QuantizeInt8(goal)
	rate := m.config.LearningRate

	return func() error {
		bestID, bestSim := "", -1.0
		for id, qv := range m.compressed {
			if sim := CosineSimilarityInt8(q, qv.data); sim > bestSim {
				bestID, bestSim = id, sim
			}
		}
		if bestID == "" {
			return nil
		}
		mt := m.meta[bestID]
		if mt == nil {
			return nil
		}
		mt.successRate = (1-rate)*mt.successRate + rate*quality
		mt.usageCount++
		return nil
	}
}

// scheduleDrainLocked arms the drain timer if updates are pending and no
// timer is already running. Caller holds the lock.
func (m *EdgeMode) scheduleDrainLocked() {
	if len(m.updateQueue) == 0 || m.drainTimer != nil {
		return
	}
	m.drainTimer = time.AfterFunc(edgeDrainInterval, m.drain)
}

// drain applies up to MaxUpdatesPerTick queued updates, rescheduling
// itself while work remains. Panicking updates are logged and dropped.
func (m *EdgeMode) drain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drainTimer = nil

	n := m.config.MaxUpdatesPerTick
	if n <= 0 || n > len(m.updateQueue) {
		n = len(m.updateQueue)
	}
	batch := m.updateQueue[:n]
	m.updateQueue = m.updateQueue[n:]

	for _, update := range batch {
		if err := m.safeRun(update); err != nil {
			m.logger.Warn("deferred update failed", zap.Error(err))
		}
	}

	m.scheduleDrainLocked()
}

// safeRun executes a deferred update, converting panics into errors so one
// bad update cannot take down the drain loop.
func (m *EdgeMode) safeRun(update func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panicked: %v", r)
		}
	}()
	return update()
}

// stopDrainLocked cancels a pending drain. Caller holds the lock.
func (m *EdgeMode) stopDrainLocked() {
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
}

// ApplyLoRA blends only the query and value projections, running the
// transform from int8-quantized weight matrices cached per module.
func (m *EdgeMode) ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	if weights == nil {
		weights = m.ensureWeights(len(input))
	}
	if err := weights.Validate(); err != nil {
		return nil, ErrDimensionMismatch
	}

	mix := m.config.LoRAAlpha
	cur := make([]float32, len(input))
	copy(cur, input)

	for _, mod := range []domainNeural.ModuleID{domainNeural.ModuleQProj, domainNeural.ModuleVProj} {
		a := m.quantizedWeights(mod, "a", weights.A[mod], weights.Dim, weights.Rank)
		b := m.quantizedWeights(mod, "b", weights.B[mod], weights.Dim, weights.Rank)

		transformed, err := ApplyLoRATransform(cur, a, b, weights.Rank)
		if err != nil {
			return nil, err
		}
		for i := range cur {
			cur[i] = float32((1-mix)*float64(cur[i]) + mix*float64(transformed[i]))
		}
	}
	return cur, nil
}

// quantizedWeights returns the dequantized copy of a weight matrix,
// populating the int8 cache on first use.
func (m *EdgeMode) quantizedWeights(mod domainNeural.ModuleID, side string, w []float64, dim, rank int) []float64 {
	key := fmt.Sprintf("%s:%s:%d:%d", mod, side, dim, rank)
	qm, ok := m.weightCache[key]
	if !ok {
		data, scale := quantizeFloat64(w)
		qm = quantizedMatrix{data: data, scale: scale}
		m.weightCache[key] = qm
		m.memoryBytes += int64(len(data)) + 8
	}

	out := make([]float64, len(qm.data))
	for i, x := range qm.data {
		out[i] = float64(x) / qm.scale
	}
	return out
}

// EstimateMemoryUsage reports the bytes held by compressed patterns and
// quantized weight caches. The count only grows; nothing is evicted.
func (m *EdgeMode) EstimateMemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryBytes
}

// GetStats returns edge mode telemetry.
func (m *EdgeMode) GetStats() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.baseStatsMap()
	stats["compressedPatterns"] = float64(len(m.compressed))
	stats["pendingUpdates"] = float64(len(m.updateQueue))
	stats["memoryBytes"] = float64(m.memoryBytes)
	return stats
}

// Cleanup stops the drain timer and discards queued updates unapplied.
func (m *EdgeMode) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopDrainLocked()
	m.updateQueue = nil
	m.compressed = make(map[string]quantizedVector)
	m.meta = make(map[string]*patternMeta)
	m.weightCache = make(map[string]quantizedMatrix)
	return nil
}
