package neural

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domainNeural "github.com/tannht/opencode-flow-sub009/internal/domain/neural"
)

const (
	// kMeansIterations bounds centroid refinement per rebuild.
	kMeansIterations = 10

	// clusterProbes is how many nearest clusters a query expands.
	clusterProbes = 3

	// checkpointInterval is the learn-call period between checkpoints.
	checkpointInterval = 10

	// maxCheckpoints bounds the checkpoint ring.
	maxCheckpoints = 10

	// qualityHistorySize bounds the rolling quality window.
	qualityHistorySize = 1000

	// GAE discount and trace-decay factors.
	gaeGamma  = 0.99
	gaeLambda = 0.95
)

// patternCluster groups candidate patterns under a shared centroid.
type patternCluster struct {
	centroid []float32
	members  []int
}

// checkpoint is a frozen copy of the research parameters.
type checkpoint struct {
	ID        string
	Params    []float64
	Quality   float64
	CreatedAt time.Time
}

// ResearchMode implements the deep-adaptation mode: cluster-probed
// retrieval, Adam optimization over GAE-weighted trajectory gradients and
// periodic parameter checkpoints.
type ResearchMode struct {
	mu sync.RWMutex
	BaseMode

	clusters  []patternCluster
	clustered int

	// Adam optimizer state over the flat research parameters.
	params []float64
	adamM  []float64
	adamV  []float64
	adamT  int

	learnCalls  int
	checkpoints []checkpoint

	qualityHistory []float64
}

// NewResearchMode creates a research mode engine.
func NewResearchMode(config domainNeural.ModeConfig, logger *zap.Logger) *ResearchMode {
	return &ResearchMode{BaseMode: NewBaseMode(config, logger)}
}

// Initialize resets clusters, optimizer state and history.
func (m *ResearchMode) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clusters = nil
	m.clustered = 0
	m.params = nil
	m.adamM = nil
	m.adamV = nil
	m.adamT = 0
	m.learnCalls = 0
	m.checkpoints = nil
	m.qualityHistory = nil
	return nil
}

// FindPatterns probes the nearest clusters for candidates and falls back
// to an exhaustive scan when clustering cannot narrow the set.
func (m *ResearchMode) FindPatterns(embedding []float32, k int, patterns []*domainNeural.Pattern) ([]domainNeural.PatternMatch, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(patterns) == 0 {
		m.recordRetrieval(start)
		return nil, nil
	}

	if m.clustered != len(patterns) {
		m.rebuildClusters(patterns)
	}

	candidates := m.probeClusters(embedding, len(patterns))
	if len(candidates) < k {
		// Not enough candidates in the probed clusters; scan everything.
		candidates = candidates[:0]
		for i := range patterns {
			candidates = append(candidates, i)
		}
	}

	sims := make([]float64, len(candidates))
	for i, idx := range candidates {
		sims[i] = CosineSimilarity(embedding, patterns[idx].Embedding)
	}

	latency := m.recordRetrieval(start)

	matches := make([]domainNeural.PatternMatch, 0, k)
	for _, i := range selectTopK(sims, k) {
		p := patterns[candidates[i]]
		matches = append(matches, domainNeural.PatternMatch{
			Pattern:    p,
			Similarity: sims[i],
			Confidence: usageWeightedConfidence(sims[i], p.SuccessRate, p.UsageCount),
			LatencyMs:  latency,
		})
	}
	return matches, nil
}

// rebuildClusters runs k-means with cosine similarity over the candidate
// embeddings. Cluster count is capped at the pattern count.
func (m *ResearchMode) rebuildClusters(patterns []*domainNeural.Pattern) {
	k := m.config.PatternClusters
	if k <= 0 {
		k = 1
	}
	if k > len(patterns) {
		k = len(patterns)
	}

	// Random distinct seeds.
	perm := m.rng.Perm(len(patterns))
	clusters := make([]patternCluster, k)
	for i := 0; i < k; i++ {
		seed := patterns[perm[i]].Embedding
		centroid := make([]float32, len(seed))
		copy(centroid, seed)
		clusters[i] = patternCluster{centroid: centroid}
	}

	assignments := make([]int, len(patterns))
	for iter := 0; iter < kMeansIterations; iter++ {
		changed := false
		for i, p := range patterns {
			best, bestSim := 0, math.Inf(-1)
			for c := range clusters {
				if sim := CosineSimilarity(p.Embedding, clusters[c].centroid); sim > bestSim {
					best, bestSim = c, sim
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for c := range clusters {
			clusters[c].members = clusters[c].members[:0]
		}
		for i, c := range assignments {
			clusters[c].members = append(clusters[c].members, i)
		}

		for c := range clusters {
			if len(clusters[c].members) == 0 {
				continue
			}
			dim := len(clusters[c].centroid)
			sum := make([]float64, dim)
			for _, idx := range clusters[c].members {
				emb := patterns[idx].Embedding
				for d := 0; d < dim && d < len(emb); d++ {
					sum[d] += float64(emb[d])
				}
			}
			n := float64(len(clusters[c].members))
			for d := range sum {
				clusters[c].centroid[d] = float32(sum[d] / n)
			}
		}
	}

	m.clusters = clusters
	m.clustered = len(patterns)
	m.stats.indexRebuilds++
	m.stats.patternsIndexed = int64(len(patterns))
	m.logger.Debug("rebuilt pattern clusters",
		zap.Int("clusters", len(clusters)),
		zap.Int("patterns", len(patterns)))
}

// probeClusters returns the member indices of the clusters nearest to the
// query, up to clusterProbes clusters.
func (m *ResearchMode) probeClusters(embedding []float32, total int) []int {
	if len(m.clusters) == 0 {
		return nil
	}

	sims := make([]float64, len(m.clusters))
	for c := range m.clusters {
		sims[c] = CosineSimilarity(embedding, m.clusters[c].centroid)
	}

	candidates := make([]int, 0, total)
	for _, c := range selectTopK(sims, clusterProbes) {
		candidates = append(candidates, m.clusters[c].members...)
	}
	return candidates
}

// Learn runs one Adam step per trajectory over GAE-normalized advantages
// and checkpoints the parameters on a fixed call interval.
func (m *ResearchMode) Learn(trajectories []*domainNeural.Trajectory, ewc *domainNeural.EWCState) (domainNeural.ObjectiveSignal, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordLearning(start)

	if len(trajectories) == 0 {
		return 0, nil
	}
	m.learnCalls++

	// Process the highest-quality trajectories first.
	ordered := make([]*domainNeural.Trajectory, len(trajectories))
	copy(ordered, trajectories)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Quality() > ordered[j].Quality()
	})

	var qualitySum float64
	for _, t := range ordered {
		q := t.Quality()
		qualitySum += q
		m.pushQuality(q)

		if len(t.Steps) == 0 {
			continue
		}
		adv := computeGAE(t.Rewards(), gaeGamma, gaeLambda)
		normalizeAdvantages(adv)

		for s, step := range t.Steps {
			state := step.StateAfter
			if len(state) == 0 {
				state = step.StateBefore
			}
			if len(state) == 0 {
				continue
			}
			m.ensureParams(len(state))

			grad := make([]float64, len(m.params))
			for i := 0; i < len(state) && i < len(grad); i++ {
				grad[i] = float64(state[i]) * adv[s]
			}
			m.adamStep(grad)
		}
	}

	if ewc != nil {
		m.stats.lastEWCPenalty = ewc.Penalty(bufferResearch, m.params, m.config.EWCLambda)
	}

	if m.learnCalls%checkpointInterval == 0 {
		m.takeCheckpoint(qualitySum / float64(len(trajectories)))
	}

	signal := m.historyImprovement()
	m.stats.lastImprovement = float64(signal)
	return signal, nil
}

// bufferResearch keys the research parameters in the EWC state.
const bufferResearch = "research"

// ensureParams sizes the parameter and optimizer buffers to the state
// dimension on first use.
func (m *ResearchMode) ensureParams(dim int) {
	if len(m.params) != dim {
		m.params = make([]float64, dim)
		m.adamM = make([]float64, dim)
		m.adamV = make([]float64, dim)
		m.adamT = 0
	}
}

// adamStep applies one Adam update with bias correction.
func (m *ResearchMode) adamStep(grad []float64) {
	const (
		beta1 = 0.9
		beta2 = 0.999
		eps   = 1e-8
	)

	m.adamT++
	lr := m.config.LearningRate
	bc1 := 1 - math.Pow(beta1, float64(m.adamT))
	bc2 := 1 - math.Pow(beta2, float64(m.adamT))

	for i := range m.params {
		g := grad[i]
		m.adamM[i] = beta1*m.adamM[i] + (1-beta1)*g
		m.adamV[i] = beta2*m.adamV[i] + (1-beta2)*g*g
		mHat := m.adamM[i] / bc1
		vHat := m.adamV[i] / bc2
		m.params[i] += lr * mHat / (math.Sqrt(vHat) + eps)
	}
}

// takeCheckpoint freezes the current parameters into the bounded ring.
func (m *ResearchMode) takeCheckpoint(quality float64) {
	params := make([]float64, len(m.params))
	copy(params, m.params)

	m.checkpoints = append(m.checkpoints, checkpoint{
		ID:        uuid.New().String(),
		Params:    params,
		Quality:   quality,
		CreatedAt: time.Now(),
	})
	if len(m.checkpoints) > maxCheckpoints {
		m.checkpoints = m.checkpoints[len(m.checkpoints)-maxCheckpoints:]
	}
}

// pushQuality appends to the bounded quality history.
func (m *ResearchMode) pushQuality(q float64) {
	m.qualityHistory = append(m.qualityHistory, q)
	if len(m.qualityHistory) > qualityHistorySize {
		m.qualityHistory = m.qualityHistory[len(m.qualityHistory)-qualityHistorySize:]
	}
}

// historyImprovement compares the mean of the most recent ten qualities
// against the mean of everything before them. A positive gap means the
// recent window outperforms the baseline.
func (m *ResearchMode) historyImprovement() domainNeural.ObjectiveSignal {
	const window = 10
	if len(m.qualityHistory) <= window {
		return 0
	}

	recent := m.qualityHistory[len(m.qualityHistory)-window:]
	rest := m.qualityHistory[:len(m.qualityHistory)-window]

	var recentMean, restMean float64
	for _, q := range recent {
		recentMean += q
	}
	recentMean /= float64(len(recent))
	for _, q := range rest {
		restMean += q
	}
	restMean /= float64(len(rest))

	gap := 2 * (recentMean - restMean)
	if gap <= 0 {
		return 0
	}
	return domainNeural.ObjectiveSignal(gap)
}

// ApplyLoRA blends all four attention projections at full strength.
func (m *ResearchMode) ApplyLoRA(input []float32, weights *domainNeural.LoRAWeights) ([]float32, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recordAdaptation(start)

	return m.blendLoRA(input, weights, domainNeural.AllModules(), m.config.LoRAAlpha)
}

// GetStats returns research mode telemetry.
func (m *ResearchMode) GetStats() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.baseStatsMap()
	stats["clusters"] = float64(len(m.clusters))
	stats["clusterRebuilds"] = float64(m.stats.indexRebuilds)
	stats["patternsIndexed"] = float64(m.stats.patternsIndexed)
	stats["checkpoints"] = float64(len(m.checkpoints))
	stats["adamSteps"] = float64(m.adamT)
	stats["ewcPenalty"] = m.stats.lastEWCPenalty
	return stats
}

// Checkpoints returns copies of the retained checkpoints, oldest first.
func (m *ResearchMode) Checkpoints() []checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// Cleanup drops clusters, optimizer state, checkpoints and history.
func (m *ResearchMode) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clusters = nil
	m.clustered = 0
	m.params = nil
	m.adamM = nil
	m.adamV = nil
	m.adamT = 0
	m.checkpoints = nil
	m.qualityHistory = nil
	return nil
}

// usageWeightedConfidence shifts the confidence blend toward the success
// rate as a pattern accumulates usage, saturating at ten uses.
func usageWeightedConfidence(similarity, successRate float64, usageCount int) float64 {
	w := float64(usageCount) / 10.0
	if w > 1 {
		w = 1
	}
	return similarity*(1-w*0.3) + successRate*w*0.3
}
