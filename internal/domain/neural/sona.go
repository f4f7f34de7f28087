// Package neural provides domain types for the SONA continual-learning engine.
package neural

// SONAMode represents a SONA learning mode.
type SONAMode string

const (
	// ModeRealTime is for real-time adaptation with sub-millisecond latency.
	// Target: <1ms pattern retrieval, 25MB memory
	ModeRealTime SONAMode = "real-time"

	// ModeBalanced is the default mode balancing speed and quality.
	// Target: <18ms adaptation, 50MB memory
	ModeBalanced SONAMode = "balanced"

	// ModeResearch is for maximum quality with relaxed latency.
	// Target: <100ms adaptation, 100MB memory
	ModeResearch SONAMode = "research"

	// ModeEdge is for resource-constrained environments.
	// Target: <1ms adaptation, 5MB memory
	ModeEdge SONAMode = "edge"

	// ModeBatch is for high-throughput batch processing.
	// Target: <50ms latency budget, 75MB memory
	ModeBatch SONAMode = "batch"
)

// AllSONAModes returns all available SONA modes.
func AllSONAModes() []SONAMode {
	return []SONAMode{ModeRealTime, ModeBalanced, ModeResearch, ModeEdge, ModeBatch}
}

// ObjectiveSignal is the improvement estimate returned by Learn.
// It is a telemetry value derived from trajectory quality, not a loss:
// no externally-applied weight tensor is updated by the engine.
type ObjectiveSignal float64

// ModeConfig contains configuration for a SONA mode.
// A config is immutable for the lifetime of a mode instance.
type ModeConfig struct {
	// Mode is the SONA mode.
	Mode SONAMode `json:"mode"`

	// LoRARank is the LoRA adapter rank (1-16).
	LoRARank int `json:"loraRank"`

	// LoRAAlpha is the adaptation mixing factor.
	LoRAAlpha float64 `json:"loraAlpha"`

	// LearningRate for gradient accumulation.
	LearningRate float64 `json:"learningRate"`

	// BatchSize is the mini-batch size for learning.
	BatchSize int `json:"batchSize"`

	// MaxLatencyMs is the maximum adaptation latency target.
	MaxLatencyMs float64 `json:"maxLatencyMs"`

	// MemoryBudgetMB is the memory budget in megabytes.
	MemoryBudgetMB int `json:"memoryBudgetMb"`

	// QualityThreshold is the minimum quality for learning.
	QualityThreshold float64 `json:"qualityThreshold"`

	// TrajectoryCapacity is the maximum trajectories to retain.
	TrajectoryCapacity int `json:"trajectoryCapacity"`

	// PatternClusters is the number of pattern clusters.
	PatternClusters int `json:"patternClusters"`

	// EWCLambda is the EWC regularization strength.
	EWCLambda float64 `json:"ewcLambda"`

	// MaxUpdatesPerTick caps async updates drained per scheduler tick.
	MaxUpdatesPerTick int `json:"maxUpdatesPerTick"`
}

// DefaultModeConfig returns the default configuration for a mode.
func DefaultModeConfig(mode SONAMode) ModeConfig {
	switch mode {
	case ModeRealTime:
		return ModeConfig{
			Mode:               ModeRealTime,
			LoRARank:           2,
			LoRAAlpha:          0.1,
			LearningRate:       0.001,
			BatchSize:          8,
			MaxLatencyMs:       1,
			MemoryBudgetMB:     25,
			QualityThreshold:   0.7,
			TrajectoryCapacity: 1000,
			PatternClusters:    25,
			EWCLambda:          1500,
			MaxUpdatesPerTick:  5,
		}

	case ModeBalanced:
		return ModeConfig{
			Mode:               ModeBalanced,
			LoRARank:           4,
			LoRAAlpha:          0.2,
			LearningRate:       0.002,
			BatchSize:          16,
			MaxLatencyMs:       18,
			MemoryBudgetMB:     50,
			QualityThreshold:   0.5,
			TrajectoryCapacity: 3000,
			PatternClusters:    50,
			EWCLambda:          2000,
			MaxUpdatesPerTick:  5,
		}

	case ModeResearch:
		return ModeConfig{
			Mode:               ModeResearch,
			LoRARank:           16,
			LoRAAlpha:          0.3,
			LearningRate:       0.002,
			BatchSize:          32,
			MaxLatencyMs:       100,
			MemoryBudgetMB:     100,
			QualityThreshold:   0.2,
			TrajectoryCapacity: 10000,
			PatternClusters:    100,
			EWCLambda:          2500,
			MaxUpdatesPerTick:  5,
		}

	case ModeEdge:
		return ModeConfig{
			Mode:               ModeEdge,
			LoRARank:           1,
			LoRAAlpha:          0.05,
			LearningRate:       0.001,
			BatchSize:          4,
			MaxLatencyMs:       1,
			MemoryBudgetMB:     5,
			QualityThreshold:   0.8,
			TrajectoryCapacity: 200,
			PatternClusters:    15,
			EWCLambda:          1500,
			MaxUpdatesPerTick:  5,
		}

	case ModeBatch:
		return ModeConfig{
			Mode:               ModeBatch,
			LoRARank:           8,
			LoRAAlpha:          0.25,
			LearningRate:       0.002,
			BatchSize:          32,
			MaxLatencyMs:       50,
			MemoryBudgetMB:     75,
			QualityThreshold:   0.4,
			TrajectoryCapacity: 5000,
			PatternClusters:    75,
			EWCLambda:          2000,
			MaxUpdatesPerTick:  5,
		}

	default:
		return DefaultModeConfig(ModeBalanced)
	}
}
