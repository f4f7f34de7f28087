package neural

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

const (
	// batchSyncThreshold is the candidate count below which queries are
	// answered synchronously instead of joining the debounce window.
	batchSyncThreshold = 100

	// batchDebounce is the window during which queries coalesce.
	batchDebounce = 10 * time.Millisecond

	// gradNormalizeEvery is the per-domain step period for normalizing
	// and flushing the gradient buffer.
	gradNormalizeEvery = 4

	// Scale factors applied to trajectories above and below the quality
	// threshold when accumulating gradients.
	batchPosScale = 1.0
	batchNegScale = -0.5
)

// pendingQuery is one retrieval waiting for the debounce window to close.
// Each query retains its own candidate slice; callers may mutate theirs
// after the call returns.
type pendingQuery struct {
	embedding []float32
	k         int
	patterns  []*domainNeural.Pattern
	result    chan []domainNeural.PatternMatch
}

// BatchMode implements the throughput-oriented mode: small queries run
// inline, large ones coalesce behind a debounce timer, and learning
// accumulates per-domain gradient buffers that flush on a fixed cadence.
type BatchMode struct {
	mu sync.Mutex
	BaseMode

	pending    []*pendingQuery
	flushTimer *time.Timer

	learnQueue []*domainNeural.Trajectory

	gradients map[domainNeural.TrajectoryDomain][]float64
	gradSteps map[domainNeural.TrajectoryDomain]int
}

// NewBatchMode creates a batch mode engine.
func NewBatchMode(config domainNeural.ModeConfig, logger *zap.Logger) *BatchMode {
	return &BatchMode{
		BaseMode:  NewBaseMode(config, logger),
		gradients: make(map[domainNeural.TrajectoryDomain][]float64),
		gradSteps: make(map[domainNeural.TrajectoryDomain]int),
	}
}

// Initialize resets queues and gradient buffers.
func (m *BatchMode) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolvePendingLocked()
	m.learnQueue = nil
	m.gradients = make(map[domainNeural.TrajectoryDomain][]float64)
	m.gradSteps = make(map[domainNeural.TrajectoryDomain]int)
	return nil
}

// FindPatterns answers small candidate sets inline. Larger sets join the
// debounce window and block until the coalesced flush resolves them.
func (m *BatchMode) FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error) {
	if len(patterns) < batchSyncThreshold {
		start := time.Now()
		m.mu.Lock()
		matches := m.searchLocked(embedding, k, patterns, start)
		m.mu.Unlock()
		return matches, nil
	}

	pq := &pendingQuery{
		embedding: embedding,
		k:         k,
		patterns:  patterns,
		result:    make(chan []domainNeural.PatternMatch, 1),
	}

	m.mu.Lock()
	m.pending = append(m.pending, pq)
	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(batchDebounce, m.flush)
	}
	m.mu.Unlock()

	return <-pq.result, nil
}

// flush resolves every query accumulated during the debounce window.
func (m *BatchMode) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushTimer = nil
	batch := m.pending
	m.pending = nil

	for _, pq := range batch {
		start := time.Now()
		pq.result <- m.searchLocked(pq.embedding, pq.k, pq.patterns, start)
	}
}

// searchLocked runs a full similarity scan sorted descending. Caller holds
// the lock.
func (m *BatchMode) searchLocked(embedding []float32, k int, patterns []*domainNeural.Pattern, start time.Time) []domainNeural.PatternMatch {
	if len(patterns) == 0 {
		m.recordRetrieval(start)
		return nil
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
	return matches
}

// Learn queues trajectories until a full batch accumulates, then drains
// the whole queue through the per-domain gradient buffers. Before the
// batch fills it returns a discounted partial estimate of the queue.
func (m *BatchMode) Learn(trajectories []*domainNeural.Trajectory, ewc *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordLearning(start)

	if len(trajectories) == 0 && len(m.learnQueue) == 0 {
		return 0, nil
	}
	m.learnQueue = append(m.learnQueue, trajectories...)

	if len(m.learnQueue) < m.config.BatchSize {
		signal := m.partialEstimateLocked()
		m.stats.lastImprovement = float64(signal)
		return signal, nil
	}

	batch := m.learnQueue
	m.learnQueue = nil

	var goodSum float64
	var good int
	for _, t := range batch {
		q := t.Quality()
		scale := batchNegScale
		if q >= m.config.QualityThreshold {
			scale = batchPosScale
			goodSum += q
			good++
		}
		m.accumulateLocked(t, q, scale, ewc)
	}

	if good == 0 {
		m.stats.lastImprovement = 0
		return 0, nil
	}
	signal := improvementSignal(goodSum / float64(good))
	m.stats.lastImprovement = float64(signal)
	return signal, nil
}

// partialEstimateLocked reports half the improvement the queued
// trajectories would yield if drained now.
func (m *BatchMode) partialEstimateLocked() domainNeural.ObjectiveSignal {
	if len(m.learnQueue) == 0 {
		return 0
	}
	var sum float64
	for _, t := range m.learnQueue {
		sum += t.Quality()
	}
	return improvementSignal(sum/float64(len(m.learnQueue))) / 2
}

// accumulateLocked folds one trajectory into its domain's gradient buffer
// and flushes the buffer on the normalization cadence.
func (m *BatchMode) accumulateLocked(t *domainNeural.Trajectory, quality, scale float64, ewc *domainNeural.EWCState) {
	for _, step := range t.Steps {
		state := step.StateAfter
		if len(state) == 0 {
			state = step.StateBefore
		}
		if len(state) == 0 {
			continue
		}

		grad := m.gradients[t.Domain]
		if len(grad) != len(state) {
			grad = make([]float64, len(state))
			m.gradients[t.Domain] = grad
		}
		for i := range state {
			grad[i] += float64(state[i]) * quality * scale * step.Reward
		}
	}

	m.gradSteps[t.Domain]++
	if m.gradSteps[t.Domain]%gradNormalizeEvery != 0 {
		return
	}

	grad := m.gradients[t.Domain]
	if len(grad) == 0 {
		return
	}
	l2Normalize(grad)

	// Pull the normalized gradient toward the consolidated reference
	// before discarding it.
	if ewc != nil {
		key := string(t.Domain)
		if fisher, ok := ewc.Fisher[key]; ok {
			if means, ok := ewc.Means[key]; ok {
				lambda := m.config.EWCLambda
				n := len(grad)
				if len(fisher) < n {
					n = len(fisher)
				}
				if len(means) < n {
					n = len(means)
				}
				for i := 0; i < n; i++ {
					grad[i] -= lambda * fisher[i] * (grad[i] - means[i])
				}
			}
		}
	}

	for i := range grad {
		grad[i] = 0
	}
}

// ApplyLoRA blends all four attention projections.
func (m *BatchMode) ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	return m.blendLoRA(input, weights, domainNeural.AllModules(), m.config.LoRAAlpha)
}

// AdaptBatch applies the adapter to many embeddings in one call, sharing
// the weight validation across the batch.
func (m *BatchMode) AdaptBatch(inputs [][]float32, weights *domainNeural.LoRAWeights) ([][]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		adapted, err := m.blendLoRA(input, weights, domainNeural.AllModules(), m.config.LoRAAlpha)
		if err != nil {
			return nil, err
		}
		out[i] = adapted
	}
	return out, nil
}

// GetStats returns batch mode telemetry.
func (m *BatchMode) GetStats() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.baseStatsMap()
	stats["pendingQueries"] = float64(len(m.pending))
	stats["queuedTrajectories"] = float64(len(m.learnQueue))
	stats["gradientDomains"] = float64(len(m.gradients))
	return stats
}

// Cleanup resolves pending queries with empty results, stops the debounce
// timer and discards the learn queue without draining it.
func (m *BatchMode) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolvePendingLocked()
	m.learnQueue = nil
	m.gradients = make(map[domainNeural.TrajectoryDomain][]float64)
	m.gradSteps = make(map[domainNeural.TrajectoryDomain]int)
	return nil
}

// resolvePendingLocked unblocks any callers waiting on the debounce window.
// Caller holds the lock.
func (m *BatchMode) resolvePendingLocked() {
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	for _, pq := range m.pending {
		pq.result <- nil
	}
	m.pending = nil
}
